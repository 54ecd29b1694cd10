package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/minios-linux/mvkit/artifact"
	"github.com/minios-linux/mvkit/measures"
)

// echoTranslator answers with one metric view entry per measure in the payload.
func echoTranslator(fail func(names []string) error) TranslatorFunc {
	return func(ctx context.Context, payload string) (string, error) {
		var units []measures.Measure
		if err := json.Unmarshal([]byte(payload), &units); err != nil {
			return "", err
		}
		names := measures.Names(units)
		if fail != nil {
			if err := fail(names); err != nil {
				return "", err
			}
		}
		var b strings.Builder
		for _, u := range units {
			fmt.Fprintf(&b, "- name: %s\n  # %s\n  expr: SUM(%s)\n", u.Name, u.Expression, u.Name)
		}
		return b.String(), nil
	}
}

func TestConvertAndCombine(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	store, err := artifact.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	w := &Worker{Translator: echoTranslator(nil), Writer: store, Logger: zerolog.Nop()}
	rep, err := Convert(context.Background(), makeMeasures(12), w, Options{BatchSize: 5, MaxConcurrent: 3})
	require.NoError(t, err)

	require.Len(t, rep.Batches, 3)
	require.Len(t, rep.Outcomes, 3)
	for i, o := range rep.Outcomes {
		assert.Equal(t, i+1, o.Batch)
		assert.False(t, o.Failed(), o.Reason())
		assert.NotEmpty(t, o.Artifact)
	}
	assert.Equal(t, []int{5, 5, 2}, []int{rep.Outcomes[0].Units, rep.Outcomes[1].Units, rep.Outcomes[2].Units})

	sum := rep.Summary()
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 12, sum.Converted)

	combined, err := artifact.Combine(dir)
	require.NoError(t, err)
	require.NotNil(t, combined)
	assert.Equal(t, 12, combined.Conversions)
	assert.Len(t, combined.Sources, 3)
}

func TestConvertFailedBatchDoesNotStopOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	store, err := artifact.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	boom := errors.New("endpoint unavailable")
	tr := echoTranslator(func(names []string) error {
		for _, n := range names {
			if n == "M06" {
				return boom
			}
		}
		return nil
	})

	w := &Worker{Translator: tr, Writer: store}
	rep, err := Convert(context.Background(), makeMeasures(12), w, Options{BatchSize: 5, MaxConcurrent: 2})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 3)

	assert.False(t, rep.Outcomes[0].Failed())
	assert.True(t, rep.Outcomes[1].Failed())
	assert.ErrorIs(t, rep.Outcomes[1].Err, boom)
	assert.Contains(t, rep.Outcomes[1].Reason(), "endpoint unavailable")
	assert.Empty(t, rep.Outcomes[1].Artifact)
	assert.False(t, rep.Outcomes[2].Failed())

	failed := FailedOutcomes(rep.Outcomes)
	require.Len(t, failed, 1)
	assert.Equal(t, "Batch 2", failed[0].Label)

	sum := rep.Summary()
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 7, sum.Converted)
	assert.Equal(t, 12, sum.Total)

	combined, err := artifact.Combine(dir)
	require.NoError(t, err)
	require.NotNil(t, combined)
	assert.Equal(t, 7, combined.Conversions)
	assert.Len(t, combined.Sources, 2)
}

func TestConvertInvalidOptions(t *testing.T) {
	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		t.Fatal("no batch should run")
		return Outcome{}
	})

	_, err := Convert(context.Background(), makeMeasures(3), p, Options{BatchSize: 0, MaxConcurrent: 1})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = Convert(context.Background(), makeMeasures(3), p, Options{BatchSize: 1, MaxConcurrent: 0})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestConvertEmptyInput(t *testing.T) {
	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		t.Fatal("no batch should run")
		return Outcome{}
	})
	rep, err := Convert(context.Background(), nil, p, Options{BatchSize: 5, MaxConcurrent: 2})
	require.NoError(t, err)
	assert.Empty(t, rep.Batches)
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, 0, rep.Summary().Batches)
}

func TestRunOrdersOutcomesByBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	batches, err := Split(makeMeasures(8), 1)
	require.NoError(t, err)

	// Later batches finish first.
	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		time.Sleep(time.Duration(len(batches)-b.Index) * 5 * time.Millisecond)
		return Outcome{Artifact: fmt.Sprintf("out-%d.txt", b.Index), Units: b.Size()}
	})

	outcomes, err := Run(context.Background(), batches, p, Options{MaxConcurrent: len(batches)})
	require.NoError(t, err)
	require.Len(t, outcomes, len(batches))
	for i, o := range outcomes {
		assert.Equal(t, i+1, o.Batch)
		assert.Equal(t, fmt.Sprintf("Batch %d", i+1), o.Label)
		assert.Equal(t, fmt.Sprintf("out-%d.txt", i+1), o.Artifact)
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	batches, err := Split(makeMeasures(10), 1)
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return Outcome{Artifact: "x"}
	})

	outcomes, err := Run(context.Background(), batches, p, Options{MaxConcurrent: 2})
	require.NoError(t, err)
	assert.Len(t, outcomes, 10)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunProgressIsSerialized(t *testing.T) {
	batches, err := Split(makeMeasures(6), 1)
	require.NoError(t, err)

	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		return Outcome{Artifact: "x", Units: b.Size()}
	})

	var (
		mu    sync.Mutex
		dones []int
	)
	opts := Options{
		MaxConcurrent: 3,
		OnProgress: func(done, total int, o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 6, total)
			dones = append(dones, done)
		},
	}
	_, err = Run(context.Background(), batches, p, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, dones)
}

func TestRunMissingArtifactIsFailure(t *testing.T) {
	batches, err := Split(makeMeasures(2), 1)
	require.NoError(t, err)

	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		return Outcome{}
	})
	outcomes, err := Run(context.Background(), batches, p, Options{MaxConcurrent: 1})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.Failed())
		assert.Equal(t, "no artifact produced", o.Reason())
	}
}

func TestRunInvalidConcurrency(t *testing.T) {
	_, err := Run(context.Background(), nil, ProcessorFunc(nil), Options{})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestRunRequestDelay(t *testing.T) {
	batches, err := Split(makeMeasures(3), 1)
	require.NoError(t, err)

	p := ProcessorFunc(func(ctx context.Context, b Batch) Outcome {
		return Outcome{Artifact: "x"}
	})
	start := time.Now()
	_, err = Run(context.Background(), batches, p, Options{MaxConcurrent: 3, RequestDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRunCancelledContextFailsEveryBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	store, err := artifact.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := TranslatorFunc(func(ctx context.Context, payload string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	batches, err := Split(makeMeasures(4), 2)
	require.NoError(t, err)

	outcomes, err := Run(ctx, batches, &Worker{Translator: tr, Writer: store}, Options{MaxConcurrent: 2})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}

	files, err := artifact.List(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{Batch: 1, Units: 5, Artifact: "a"},
		{Batch: 2, Units: 5, Err: errors.New("x")},
		{Batch: 3, Units: 2, Artifact: "c"},
	}
	s := Summarize(outcomes)
	assert.Equal(t, Summary{Batches: 3, Succeeded: 2, Failed: 1, Converted: 7, Total: 12}, s)
}
