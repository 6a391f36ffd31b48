package reconcile

import "dashsync/internal/domain"

// Batch aggregates item outcomes across a run. Errors holds at most
// MaxErrors entries; the rest are only counted.
type Batch struct {
	MaxErrors int

	Total     int
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Failed    int
	Errors    []domain.ItemError
	Dropped   int
}

func NewBatch(maxErrors int) *Batch {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	return &Batch{MaxErrors: maxErrors, Errors: []domain.ItemError{}}
}

func (b *Batch) Add(res Result) {
	b.Total++
	switch res.Outcome {
	case Created:
		b.Created++
	case Updated:
		b.Updated++
	case Unchanged:
		b.Unchanged++
	case Skipped:
		b.Skipped++
	case Failed:
		b.Failed++
		b.AddError(res.Key, res.Err)
	}
}

// AddError records an error without counting an item, e.g. a failed fetch.
func (b *Batch) AddError(item string, err error) {
	if len(b.Errors) >= b.MaxErrors {
		b.Dropped++
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.Errors = append(b.Errors, domain.ItemError{Item: item, Error: msg})
}

// Successful counts items that ended without failure.
func (b *Batch) Successful() int {
	return b.Created + b.Updated + b.Unchanged + b.Skipped
}

// Counts is the per-outcome breakdown stored in run metadata.
func (b *Batch) Counts() map[string]any {
	return map[string]any{
		"created":        b.Created,
		"updated":        b.Updated,
		"unchanged":      b.Unchanged,
		"skipped":        b.Skipped,
		"failed":         b.Failed,
		"errors_dropped": b.Dropped,
	}
}
