package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Combined describes a written consolidated artifact.
type Combined struct {
	Path        string
	Conversions int
	Sources     []string
}

// List returns the per-batch artifacts in dir, sorted by name.
func List(dir string) ([]string, error) {
	return listPrefix(dir, BatchPrefix)
}

// ListCombined returns the combined artifacts in dir, sorted by name.
func ListCombined(dir string) ([]string, error) {
	return listPrefix(dir, CombinedPrefix)
}

func listPrefix(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Latest returns the newest combined artifact in dir, or "" if none exist.
func Latest(dir string) (string, error) {
	files, err := ListCombined(dir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// Clear removes every per-batch artifact in dir and returns how many were
// removed. Combined artifacts are kept.
func Clear(dir string) (int, error) {
	files, err := List(dir)
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := os.Remove(f); err != nil {
			return i, fmt.Errorf("removing %s: %w", filepath.Base(f), err)
		}
	}
	return len(files), nil
}

// Body returns an artifact's content with its leading header block removed.
// The header is every leading line that is blank or starts with '#' or '='.
func Body(content string) string {
	lines := strings.SplitAfter(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "=") {
			return strings.Join(lines[i:], "")
		}
	}
	return ""
}

// Combine merges every per-batch artifact in dir into one file named
// combined_all_metrics_<timestamp>_<ULID>.txt in the same directory.
// It returns nil and writes nothing when dir holds no per-batch artifacts.
func Combine(dir string) (*Combined, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("# COMBINED DAX to SparkSQL UC Metric View Conversion Results\n")
	fmt.Fprintf(&b, "# Generated on: %s\n", now.Format(displayLayout))
	fmt.Fprintf(&b, "# Combined from %d batch files\n", len(files))
	b.WriteString("\n" + strings.Repeat("=", 100) + "\n\n")

	total := 0
	sources := make([]string, 0, len(files))
	for i, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
		}
		name := filepath.Base(path)
		sources = append(sources, name)

		fmt.Fprintf(&b, "\n%s\n", strings.Repeat("#", 60))
		fmt.Fprintf(&b, "# BATCH %d - Source: %s\n", i+1, name)
		fmt.Fprintf(&b, "%s\n\n", strings.Repeat("#", 60))

		body := Body(string(data))
		b.WriteString(body)
		b.WriteString("\n")
		total += CountRecords(body)
	}

	fmt.Fprintf(&b, "\n%s\n", strings.Repeat("=", 100))
	fmt.Fprintf(&b, "# SUMMARY: Total %d metrics converted from %d batches\n", total, len(files))
	fmt.Fprintf(&b, "# Combined file generated: %s\n", now.Format(displayLayout))
	fmt.Fprintf(&b, "%s\n", strings.Repeat("=", 100))

	out := filepath.Join(dir, CombinedPrefix+now.Format(timestampLayout)+"_"+ulid.Make().String()+Ext)
	if err := writeAtomic(out, []byte(b.String())); err != nil {
		return nil, err
	}

	return &Combined{Path: out, Conversions: total, Sources: sources}, nil
}
