package tat

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zyntel/zyntel/internal/domain/completion"
)

// InvoiceResolver maps lab numbers to the invoice numbers historically
// associated with them. Satisfied by event.Store.
type InvoiceResolver interface {
	InvoicesByLabNo() (map[string][]string, error)
}

// Reconciler backfills provisional specimen records once the completion
// feed produces a timestamp for one of their invoices. Safe to run any
// number of times: re-applying the same completion yields the same stored
// row, and the repository's monotonic guard ignores stale timestamps.
type Reconciler struct {
	Repo        Repository
	Completions *completion.Index
	Resolver    InvoiceResolver
	Logger      zerolog.Logger
}

// ReconcileStats reports what one reconciliation pass did.
type ReconcileStats struct {
	Provisional int // candidates found in the store
	Reconciled  int // updates applied
	StillOpen   int // no completion event yet; not an error
}

// Run finds provisional specimens, resolves their completion timestamps and
// applies the resulting updates in one all-or-nothing batch. A specimen
// with no completion event simply stays provisional. A failure computing
// one specimen's update logs and continues; a failure committing the batch
// aborts the run.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileStats, error) {
	stats := &ReconcileStats{}

	provisional, err := r.Repo.ListProvisional(ctx)
	if err != nil {
		return nil, err
	}
	stats.Provisional = len(provisional)
	if len(provisional) == 0 {
		r.Logger.Info().Msg("no provisional specimens to reconcile")
		return stats, nil
	}

	invoicesByLab, err := r.Resolver.InvoicesByLabNo()
	if err != nil {
		return nil, err
	}

	var updates []*CompletionUpdate
	for _, spec := range provisional {
		invoices := invoicesByLab[spec.LabNumber]
		completed, ok := r.Completions.Latest(invoices)
		if !ok {
			stats.StillOpen++
			continue
		}

		if spec.TimeIn.IsZero() || spec.TimeExpected.IsZero() {
			r.Logger.Warn().Str("lab_number", spec.LabNumber).
				Msg("provisional specimen has no usable intake timestamps, skipping")
			stats.StillOpen++
			continue
		}

		status, delayRange := Classify(spec.TimeIn, &completed, spec.TimeExpected)
		updates = append(updates, &CompletionUpdate{
			LabNumber:   spec.LabNumber,
			TimeOut:     completed,
			DelayStatus: status,
			DelayRange:  delayRange,
		})
	}

	if len(updates) > 0 {
		if err := r.Repo.ApplyCompletions(ctx, updates); err != nil {
			return nil, err
		}
		stats.Reconciled = len(updates)
	}

	r.Logger.Info().
		Int("provisional", stats.Provisional).
		Int("reconciled", stats.Reconciled).
		Int("still_open", stats.StillOpen).
		Msg("reconciliation run finished")

	return stats, nil
}
