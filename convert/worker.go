package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minios-linux/mvkit/artifact"
	"github.com/minios-linux/mvkit/measures"
)

// Translator performs one synchronous conversion call.
type Translator interface {
	Translate(ctx context.Context, payload string) (string, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, payload string) (string, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

// ArtifactWriter persists one batch result and returns its path.
// *artifact.Store implements it.
type ArtifactWriter interface {
	Write(ctx context.Context, rec artifact.Record) (string, error)
}

// Processor turns one batch into one outcome. Implementations must not
// panic or return early: every failure is carried in the Outcome.
type Processor interface {
	Process(ctx context.Context, b Batch) Outcome
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, b Batch) Outcome

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, b Batch) Outcome {
	return f(ctx, b)
}

// ---------------------------------------------------------------------------
// Outcome
// ---------------------------------------------------------------------------

// Outcome is the result of one batch. Exactly one of Artifact and Err is set.
type Outcome struct {
	Batch    int
	Label    string
	Artifact string
	Units    int
	Err      error
	Elapsed  time.Duration
}

// Failed reports whether the batch failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Reason returns the failure description, or "" on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// Worker sends a batch to a Translator and stores the response.
type Worker struct {
	Translator Translator
	Writer     ArtifactWriter
	// Timeout bounds the Translate call (0 = none).
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Process implements Processor.
func (w *Worker) Process(ctx context.Context, b Batch) (out Outcome) {
	start := time.Now()
	out = Outcome{Batch: b.Index, Label: b.Label(), Units: b.Size()}
	log := w.Logger.With().Int("batch", b.Index).Int("units", b.Size()).Logger()

	defer func() {
		if r := recover(); r != nil {
			out.Artifact = ""
			out.Err = fmt.Errorf("panic: %v", r)
		}
		out.Elapsed = time.Since(start)
		if out.Err != nil {
			log.Error().Err(out.Err).Dur("elapsed", out.Elapsed).Msg("batch failed")
		} else {
			log.Info().Str("artifact", out.Artifact).Dur("elapsed", out.Elapsed).Msg("batch converted")
		}
	}()

	payload, err := EncodePayload(b.Units)
	if err != nil {
		out.Err = err
		return out
	}

	log.Debug().Int("payload_bytes", len(payload)).Msg("sending batch")
	text, err := w.translate(ctx, payload)
	if err != nil {
		out.Err = fmt.Errorf("converting: %w", err)
		return out
	}

	path, err := w.Writer.Write(ctx, artifact.Record{Batch: b.Index, Units: b.Size(), Body: text})
	if err != nil {
		out.Err = fmt.Errorf("saving results: %w", err)
		return out
	}
	out.Artifact = path
	return out
}

func (w *Worker) translate(ctx context.Context, payload string) (string, error) {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	return w.Translator.Translate(ctx, payload)
}

// EncodePayload renders measures as a JSON array of {name, expression}
// objects in input order. HTML escaping is off so DAX comparison operators
// reach the model verbatim.
func EncodePayload(units []measures.Measure) (string, error) {
	if units == nil {
		units = []measures.Measure{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(units); err != nil {
		return "", fmt.Errorf("encoding batch payload: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
