// Package lockfile implements mvkit.lock, a lock file that tracks MD5
// checksums of converted measures per input file. This enables incremental
// conversion: only new or changed measures are sent to the AI provider.
//
// The lock file is stored alongside .mvkit.yaml as mvkit.lock.
package lockfile

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/mvkit/measures"
)

// LockFileName is the default lock file name.
const LockFileName = "mvkit.lock"

// Version is the lock file format version.
const Version = 1

// LockFile represents the mvkit.lock file structure.
type LockFile struct {
	Version   int                          `yaml:"version"`
	Checksums map[string]map[string]string `yaml:"checksums"` // input -> measure name -> md5

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// Load reads a lock file from the given directory.
// Returns an empty lock file if the file doesn't exist.
func Load(dir string) (*LockFile, error) {
	path := filepath.Join(dir, LockFileName)
	lf := &LockFile{
		Version:   Version,
		Checksums: make(map[string]map[string]string),
		path:      path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	lf.path = path
	if lf.Version > Version {
		return nil, fmt.Errorf("%s: unsupported version %d", path, lf.Version)
	}

	if lf.Checksums == nil {
		lf.Checksums = make(map[string]map[string]string)
	}

	return lf, nil
}

// Save writes the lock file to disk.
func (lf *LockFile) Save() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}

	if err := os.WriteFile(lf.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", lf.path, err)
	}

	return nil
}

// Path returns the lock file path.
func (lf *LockFile) Path() string {
	return lf.path
}

// ---------------------------------------------------------------------------
// Checksum operations
// ---------------------------------------------------------------------------

// Hash computes the MD5 hex digest of a string.
func Hash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// InputKey builds the lock key for an input file, relative to root when
// possible: "model/measures.json".
func InputKey(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(path)
}

// MeasureContent builds the string hashed for a measure. The name is
// included so a rename triggers reconversion.
func MeasureContent(m measures.Measure) string {
	return m.Name + "\x00" + m.Expression
}

// IsChanged reports whether m is new or its expression changed since it was
// last converted from input.
func (lf *LockFile) IsChanged(input string, m measures.Measure) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	sums, ok := lf.Checksums[input]
	if !ok {
		return true
	}
	old, ok := sums[m.Name]
	if !ok {
		return true
	}
	return old != Hash(MeasureContent(m))
}

// FilterChanged returns the measures of input that are new or changed,
// keeping their order.
func (lf *LockFile) FilterChanged(input string, units []measures.Measure) []measures.Measure {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	existing := lf.Checksums[input]
	var changed []measures.Measure
	for _, m := range units {
		if existing == nil || existing[m.Name] != Hash(MeasureContent(m)) {
			changed = append(changed, m)
		}
	}
	return changed
}

// Record stores checksums for measures that were converted successfully.
func (lf *LockFile) Record(input string, units []measures.Measure) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if len(units) == 0 {
		return
	}
	if lf.Checksums[input] == nil {
		lf.Checksums[input] = make(map[string]string)
	}
	for _, m := range units {
		lf.Checksums[input][m.Name] = Hash(MeasureContent(m))
	}
}

// Clean removes entries of input whose names are no longer present and
// returns how many were removed.
func (lf *LockFile) Clean(input string, currentNames []string) int {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	existing := lf.Checksums[input]
	if existing == nil {
		return 0
	}

	valid := make(map[string]bool, len(currentNames))
	for _, k := range currentNames {
		valid[k] = true
	}

	removed := 0
	for k := range existing {
		if !valid[k] {
			delete(existing, k)
			removed++
		}
	}
	if len(existing) == 0 {
		delete(lf.Checksums, input)
	}
	return removed
}

// RemoveInput removes all checksums for an input file.
func (lf *LockFile) RemoveInput(input string) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	delete(lf.Checksums, input)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns the number of inputs and total measures in the lock file.
func (lf *LockFile) Stats() (inputs, keys int) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	inputs = len(lf.Checksums)
	for _, m := range lf.Checksums {
		keys += len(m)
	}
	return
}

// Inputs returns the sorted list of input keys.
func (lf *LockFile) Inputs() []string {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	inputs := make([]string, 0, len(lf.Checksums))
	for t := range lf.Checksums {
		inputs = append(inputs, t)
	}
	sort.Strings(inputs)
	return inputs
}

// Summary returns a human-readable summary string.
func (lf *LockFile) Summary() string {
	inputs, keys := lf.Stats()
	if inputs == 0 {
		return "empty"
	}

	var parts []string
	for _, in := range lf.Inputs() {
		lf.mu.Lock()
		n := len(lf.Checksums[in])
		lf.mu.Unlock()
		parts = append(parts, fmt.Sprintf("%s: %d measures", in, n))
	}
	return fmt.Sprintf("%d inputs, %d measures (%s)", inputs, keys, strings.Join(parts, ", "))
}
