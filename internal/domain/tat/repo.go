package tat

import (
	"context"
	"time"
)

// SpecimenFilter narrows reporting queries over specimen records.
type SpecimenFilter struct {
	DelayStatus string
	Shift       string
	Unit        string
	From        *time.Time // inclusive, on encounter date
	To          *time.Time // inclusive, on encounter date
}

// Summary aggregates the store for the dashboard landing view.
type Summary struct {
	Total        int            `json:"total"`
	Provisional  int            `json:"provisional"`
	ByStatus     map[string]int `json:"by_status"`
	AvgDailyTAT  float64        `json:"avg_daily_tat"`
	TestRecords  int            `json:"test_records"`
}

// Repository is the persistence gateway consumed by both engines and the
// reporting handler. Upserts are idempotent per primary key (insert or
// update on conflict); ApplyCompletions is transactional across the whole
// batch.
type Repository interface {
	// Write path (transform run).
	UpsertTests(ctx context.Context, records []*TestRecord) error
	UpsertSpecimens(ctx context.Context, records []*SpecimenRecord) error

	// Reconciliation path.
	ListProvisional(ctx context.Context) ([]*SpecimenRecord, error)
	ApplyCompletions(ctx context.Context, updates []*CompletionUpdate) error

	// Reporting path.
	GetSpecimen(ctx context.Context, labNumber string) (*SpecimenRecord, error)
	ListSpecimens(ctx context.Context, filter SpecimenFilter, limit, offset int) ([]*SpecimenRecord, int, error)
	Summarize(ctx context.Context) (*Summary, error)
}
