// Package artifact persists conversion results as plain text files and
// merges them into one consolidated file.
//
// Per-batch artifacts are named converted_metrics_<YYYYmmdd_HHMMSS>_<ULID>.txt.
// The timestamp keeps names human-readable and the monotonic ULID keeps them
// unique and strictly increasing, so lexicographic order equals creation
// order. All writes for a directory go through a single writer goroutine
// owned by Store.
package artifact

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	// BatchPrefix starts every per-batch artifact name.
	BatchPrefix = "converted_metrics_"
	// CombinedPrefix starts every combined artifact name.
	CombinedPrefix = "combined_all_metrics_"
	// Ext is the artifact file extension.
	Ext = ".txt"

	timestampLayout = "20060102_150405"
	displayLayout   = "2006-01-02 15:04:05"

	// RecordMarker begins the name field of every converted measure.
	RecordMarker = "name:"
)

// ErrStoreClosed is returned by Write after Close.
var ErrStoreClosed = errors.New("artifact store closed")

// Record is one batch result to persist.
type Record struct {
	// Batch is the 1-based batch index, recorded in the header.
	Batch int
	// Units is the number of measures sent in the batch.
	Units int
	// Body is the raw provider response.
	Body string
}

type writeResult struct {
	path string
	err  error
}

type writeRequest struct {
	rec   Record
	reply chan writeResult
}

// Store serializes artifact creation in one directory.
type Store struct {
	dir     string
	log     zerolog.Logger
	now     func() time.Time
	entropy io.Reader

	reqs chan writeRequest
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used for names and headers.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates dir if needed and starts the writer goroutine.
// Callers must Close the store when done.
func Open(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact directory not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		log:     zerolog.Nop(),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
		reqs:    make(chan writeRequest),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Write hands rec to the writer goroutine and returns the created path.
func (s *Store) Write(ctx context.Context, rec Record) (string, error) {
	req := writeRequest{rec: rec, reply: make(chan writeResult, 1)}

	select {
	case s.reqs <- req:
	case <-s.quit:
		return "", ErrStoreClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	res := <-req.reply
	return res.path, res.err
}

// Close stops the writer goroutine. Pending Write calls that were already
// accepted complete first.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	return nil
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.reqs:
			path, err := s.persist(req.rec)
			req.reply <- writeResult{path: path, err: err}
		case <-s.quit:
			return
		}
	}
}

// persist runs only on the writer goroutine, so name generation needs no
// further locking.
func (s *Store) persist(rec Record) (string, error) {
	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", fmt.Errorf("generating artifact id: %w", err)
	}
	name := BatchPrefix + now.Format(timestampLayout) + "_" + id.String() + Ext
	path := filepath.Join(s.dir, name)

	var b strings.Builder
	b.WriteString("# DAX to SparkSQL UC Metric View Conversion Results\n")
	fmt.Fprintf(&b, "# Generated on: %s\n", now.Format(displayLayout))
	fmt.Fprintf(&b, "# Batch: %d\n", rec.Batch)
	fmt.Fprintf(&b, "# Metrics in batch: %d\n", rec.Units)
	fmt.Fprintf(&b, "# Total conversions: %d\n", CountRecords(rec.Body))
	b.WriteString("\n" + strings.Repeat("=", 80) + "\n\n")
	b.WriteString(rec.Body)

	if err := writeAtomic(path, []byte(b.String())); err != nil {
		return "", err
	}

	s.log.Debug().Str("artifact", name).Int("batch", rec.Batch).Int("units", rec.Units).Msg("artifact written")
	return path, nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it into place, so readers never observe a partial artifact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CountRecords counts lines containing RecordMarker.
func CountRecords(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, RecordMarker) {
			n++
		}
	}
	return n
}
