package tat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a specimen lookup matches no row.
var ErrNotFound = errors.New("specimen not found")

// legacyEpoch is the 1970-01-01 placeholder older clients wrote instead of
// NULL for unknown completion times. It is honored on read and in the
// provisional query, never written.
var legacyEpoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL persistence gateway.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const upsertTestSQL = `
	INSERT INTO tests (id, lab_number, test_name, lab_section, tat, price,
		time_received, test_time_expected, urgency, test_time_out)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (lab_number, test_name) DO UPDATE SET
		lab_section = EXCLUDED.lab_section,
		tat = EXCLUDED.tat,
		price = EXCLUDED.price,
		time_received = EXCLUDED.time_received,
		test_time_expected = EXCLUDED.test_time_expected,
		urgency = EXCLUDED.urgency,
		test_time_out = EXCLUDED.test_time_out`

func (r *repoPG) UpsertTests(ctx context.Context, records []*TestRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertTestSQL,
			rec.ID, rec.LabNumber, rec.TestName, rec.LabSection, rec.TATMinutes, rec.Price,
			rec.TimeReceived, rec.TimeExpected, rec.Urgency, rec.TimeOut)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert tests: %w", err)
		}
	}
	return nil
}

// A provisional rewrite must not demote a completed row: when the
// incoming row has no completion but the stored one does, the stored
// time_out and the classification computed from it are kept together.
const upsertSpecimenSQL = `
	INSERT INTO patients (lab_number, client, date, shift, unit, time_in,
		daily_tat, request_time_expected, request_time_out,
		request_delay_status, request_time_range)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (lab_number) DO UPDATE SET
		client = EXCLUDED.client,
		date = EXCLUDED.date,
		shift = EXCLUDED.shift,
		unit = EXCLUDED.unit,
		time_in = EXCLUDED.time_in,
		daily_tat = EXCLUDED.daily_tat,
		request_time_expected = EXCLUDED.request_time_expected,
		request_time_out = COALESCE(EXCLUDED.request_time_out, patients.request_time_out),
		request_delay_status = CASE
			WHEN EXCLUDED.request_time_out IS NULL AND patients.request_time_out > 'epoch'
			THEN patients.request_delay_status
			ELSE EXCLUDED.request_delay_status END,
		request_time_range = CASE
			WHEN EXCLUDED.request_time_out IS NULL AND patients.request_time_out > 'epoch'
			THEN patients.request_time_range
			ELSE EXCLUDED.request_time_range END`

func (r *repoPG) UpsertSpecimens(ctx context.Context, records []*SpecimenRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertSpecimenSQL,
			rec.LabNumber, rec.Client, rec.EncounterDate, rec.Shift, rec.Unit, rec.TimeIn,
			rec.DailyTAT, rec.TimeExpected, rec.TimeOut, rec.DelayStatus, rec.DelayRange)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert specimens: %w", err)
		}
	}
	return nil
}

const specimenCols = `lab_number, client, date, shift, unit, time_in,
	daily_tat, request_time_expected, request_time_out,
	request_delay_status, request_time_range`

func scanSpecimen(row pgx.Row) (*SpecimenRecord, error) {
	var s SpecimenRecord
	err := row.Scan(&s.LabNumber, &s.Client, &s.EncounterDate, &s.Shift, &s.Unit, &s.TimeIn,
		&s.DailyTAT, &s.TimeExpected, &s.TimeOut, &s.DelayStatus, &s.DelayRange)
	if err != nil {
		return nil, err
	}
	if s.TimeOut != nil && !s.TimeOut.After(legacyEpoch) {
		s.TimeOut = nil
	}
	return &s, nil
}

func (r *repoPG) ListProvisional(ctx context.Context) ([]*SpecimenRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+specimenCols+` FROM patients
		WHERE request_time_out IS NULL OR request_time_out <= $1
		ORDER BY lab_number`, legacyEpoch)
	if err != nil {
		return nil, fmt.Errorf("query provisional specimens: %w", err)
	}
	defer rows.Close()

	var items []*SpecimenRecord
	for rows.Next() {
		s, err := scanSpecimen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provisional specimen: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// ApplyCompletions backfills provisional specimens in one transaction; any
// failure rolls back the whole batch. The monotonic guard in the WHERE
// clause makes re-application of the same (or an older) completion a no-op.
func (r *repoPG) ApplyCompletions(ctx context.Context, updates []*CompletionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin completion batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		_, err := tx.Exec(ctx, `
			UPDATE patients SET
				request_time_out = $2,
				request_delay_status = $3,
				request_time_range = $4
			WHERE lab_number = $1
			  AND (request_time_out IS NULL
				OR request_time_out <= $5
				OR request_time_out < $2)`,
			u.LabNumber, u.TimeOut, u.DelayStatus, u.DelayRange, legacyEpoch)
		if err != nil {
			return fmt.Errorf("apply completion for %s: %w", u.LabNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit completion batch: %w", err)
	}
	return nil
}

func (r *repoPG) GetSpecimen(ctx context.Context, labNumber string) (*SpecimenRecord, error) {
	s, err := scanSpecimen(r.pool.QueryRow(ctx,
		`SELECT `+specimenCols+` FROM patients WHERE lab_number = $1`, labNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get specimen %s: %w", labNumber, err)
	}
	return s, nil
}

func (r *repoPG) ListSpecimens(ctx context.Context, f SpecimenFilter, limit, offset int) ([]*SpecimenRecord, int, error) {
	query := `SELECT ` + specimenCols + ` FROM patients WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM patients WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, val interface{}) {
		cond := fmt.Sprintf(clause, idx)
		query += cond
		countQuery += cond
		args = append(args, val)
		idx++
	}

	if f.DelayStatus != "" {
		add(` AND request_delay_status = $%d`, f.DelayStatus)
	}
	if f.Shift != "" {
		add(` AND shift = $%d`, f.Shift)
	}
	if f.Unit != "" {
		add(` AND unit = $%d`, f.Unit)
	}
	if f.From != nil {
		add(` AND date >= $%d`, *f.From)
	}
	if f.To != nil {
		add(` AND date <= $%d`, *f.To)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count specimens: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY time_in DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list specimens: %w", err)
	}
	defer rows.Close()

	var items []*SpecimenRecord
	for rows.Next() {
		s, err := scanSpecimen(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan specimen: %w", err)
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Summarize(ctx context.Context) (*Summary, error) {
	sum := &Summary{ByStatus: make(map[string]int)}

	rows, err := r.pool.Query(ctx,
		`SELECT request_delay_status, COUNT(*) FROM patients GROUP BY request_delay_status`)
	if err != nil {
		return nil, fmt.Errorf("summarize by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		sum.ByStatus[status] = count
		sum.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients
		WHERE request_time_out IS NULL OR request_time_out <= $1`,
		legacyEpoch).Scan(&sum.Provisional)
	if err != nil {
		return nil, fmt.Errorf("summarize provisional: %w", err)
	}

	if err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(daily_tat), 0) FROM patients`).Scan(&sum.AvgDailyTAT); err != nil {
		return nil, fmt.Errorf("summarize daily tat: %w", err)
	}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tests`).Scan(&sum.TestRecords); err != nil {
		return nil, fmt.Errorf("count tests: %w", err)
	}

	return sum, nil
}
