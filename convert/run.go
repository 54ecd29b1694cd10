package convert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run processes every batch with at most opts.MaxConcurrent batches in
// flight and returns one outcome per batch, ordered by batch index. It
// waits for all batches; a failed batch never cancels its siblings. The
// only error is an invalid concurrency setting.
func Run(ctx context.Context, batches []Batch, p Processor, opts Options) ([]Outcome, error) {
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, opts.MaxConcurrent)
	}

	log := opts.logger()
	outcomes := make([]Outcome, len(batches))
	total := len(batches)

	var (
		progressMu sync.Mutex
		done       int
	)

	var g errgroup.Group
	g.SetLimit(opts.MaxConcurrent)

	for i, b := range batches {
		if i > 0 && opts.RequestDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.RequestDelay):
			}
		}

		g.Go(func() error {
			o := p.Process(ctx, b)
			o.Batch = b.Index
			if o.Label == "" {
				o.Label = b.Label()
			}
			if o.Err == nil && o.Artifact == "" {
				o.Err = fmt.Errorf("no artifact produced")
			}
			outcomes[i] = o

			progressMu.Lock()
			done++
			log.Debug().Int("done", done).Int("total", total).Str("batch", o.Label).Msg("progress")
			if opts.OnProgress != nil {
				opts.OnProgress(done, total, o)
			}
			progressMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].Batch < outcomes[j].Batch
	})
	return outcomes, nil
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// Summary aggregates a list of outcomes.
type Summary struct {
	Batches   int
	Succeeded int
	Failed    int
	// Converted counts the measures of successful batches.
	Converted int
	// Total counts the measures of all batches.
	Total   int
	Elapsed time.Duration
}

// Summarize counts successes, failures and measures.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Batches: len(outcomes)}
	for _, o := range outcomes {
		s.Total += o.Units
		if o.Failed() {
			s.Failed++
			continue
		}
		s.Succeeded++
		s.Converted += o.Units
	}
	return s
}

// FailedOutcomes returns the failed outcomes in order.
func FailedOutcomes(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}
