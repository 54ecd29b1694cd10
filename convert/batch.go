package convert

import (
	"fmt"

	"github.com/minios-linux/mvkit/measures"
)

// Batch is a contiguous run of measures sent in one provider call.
type Batch struct {
	// Index is the 1-based position among all batches of a run.
	Index int
	Units []measures.Measure
}

// Label is the display name used in logs and reports.
func (b Batch) Label() string {
	return fmt.Sprintf("Batch %d", b.Index)
}

// Size returns the number of measures in the batch.
func (b Batch) Size() int {
	return len(b.Units)
}

// Split divides units into batches of size, keeping order. The last batch
// holds the remainder. An empty input yields no batches.
func Split(units []measures.Measure, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, size)
	}

	batches := make([]Batch, 0, (len(units)+size-1)/size)
	for i := 0; i < len(units); i += size {
		end := i + size
		if end > len(units) {
			end = len(units)
		}
		batches = append(batches, Batch{
			Index: len(batches) + 1,
			Units: units[i:end:end],
		})
	}
	return batches, nil
}
