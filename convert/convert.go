// Package convert turns DAX measures into Unity Catalog metric view
// measures by sending them, batch by batch, to an AI provider.
//
// The flow is Split -> Run (a bounded pool of Workers, each making one
// provider call and writing one artifact) -> ordered outcomes. Provider
// failures are reported per batch and never stop sibling batches.
package convert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/minios-linux/mvkit/measures"
)

// ---------------------------------------------------------------------------
// Defaults and errors
// ---------------------------------------------------------------------------

const (
	// DefaultBatchSize is the number of measures sent per provider call.
	DefaultBatchSize = 100
	// DefaultConcurrency is the number of provider calls in flight.
	DefaultConcurrency = 4
	// DefaultMaxRetries is the number of transport-level retries per call.
	DefaultMaxRetries = 3
)

var (
	// ErrInvalidBatchSize is returned for a batch size below 1.
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	// ErrInvalidConcurrency is returned for a concurrency below 1.
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options controls a conversion run.
type Options struct {
	// BatchSize is how many measures go into one provider call.
	BatchSize int
	// MaxConcurrent is the maximum number of batches processed at once.
	MaxConcurrent int
	// RequestDelay is the pause between launching consecutive batches.
	RequestDelay time.Duration
	// OnProgress is called once per finished batch. Calls are serialized.
	OnProgress func(done, total int, o Outcome)
	// Logger receives structured per-batch events.
	Logger *zerolog.Logger
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

func (o *Options) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, o.BatchSize)
	}
	if o.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, o.MaxConcurrent)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Convert
// ---------------------------------------------------------------------------

// Report is the result of Convert.
type Report struct {
	Batches  []Batch
	Outcomes []Outcome
	Elapsed  time.Duration
}

// Summary aggregates the outcomes.
func (r *Report) Summary() Summary {
	s := Summarize(r.Outcomes)
	s.Elapsed = r.Elapsed
	return s
}

// Convert splits units into batches and runs them through w. Configuration
// errors are returned before any batch starts; per-batch failures are only
// reported in the outcomes.
func Convert(ctx context.Context, units []measures.Measure, w Processor, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	batches, err := Split(units, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	log := opts.logger()
	log.Info().
		Int("measures", len(units)).
		Int("batches", len(batches)).
		Int("batch_size", opts.BatchSize).
		Int("concurrency", opts.MaxConcurrent).
		Msg("conversion started")

	start := time.Now()
	outcomes, err := Run(ctx, batches, w, opts)
	if err != nil {
		return nil, err
	}
	rep := &Report{Batches: batches, Outcomes: outcomes, Elapsed: time.Since(start)}

	sum := rep.Summary()
	log.Info().
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("converted", sum.Converted).
		Dur("elapsed", rep.Elapsed).
		Msg("conversion finished")

	return rep, nil
}
