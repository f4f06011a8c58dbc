package tat

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zyntel/zyntel/internal/domain/catalog"
	"github.com/zyntel/zyntel/internal/domain/checkpoint"
	"github.com/zyntel/zyntel/internal/domain/completion"
)

// EventSource streams raw test events. Satisfied by event.Store.
type EventSource interface {
	Each(fn func(RawTestEvent) error) error
}

// Engine converts raw per-test events into test records and specimen
// aggregates. It holds only per-run state and is rebuilt for every run; the
// checkpoint it was given is not mutated (committing the newly processed
// invoices is the caller's decision, taken after persistence succeeds).
type Engine struct {
	Catalog     *catalog.Catalog
	Checkpoint  *checkpoint.Checkpoint
	Completions *completion.Index
	Client      string
	Logger      zerolog.Logger
}

// Result is the output of one transform run.
type Result struct {
	Tests     []*TestRecord
	Specimens []*SpecimenRecord

	// NewlyProcessed lists invoices that produced at least one accepted
	// event this run. They join the checkpoint's processed set only
	// after the whole run commits. Invoices whose every event was
	// rejected deliberately stay out, so they are re-examined once the
	// catalog (or the feed) is fixed.
	NewlyProcessed []string

	// Diagnostics. Not correctness-critical.
	InvalidLabNos  map[string]int
	UnmatchedNames map[string]struct{}

	// SkippedProcessed counts events skipped by the checkpoint guard.
	SkippedProcessed int
}

// tatDuration converts TAT minutes (possibly fractional) to a duration.
func tatDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

// aggregate is the in-flight per-specimen accumulation.
type aggregate struct {
	tats          []float64
	invoices      map[string]struct{}
	timeIn        time.Time
	encounterDate string
	unit          string
	captured      bool
}

// Run streams src once and produces the two derived record sets. A corrupt
// individual record is tallied and skipped, never fatal; only a source
// read failure aborts the run.
func (e *Engine) Run(src EventSource) (*Result, error) {
	res := &Result{
		InvalidLabNos:  make(map[string]int),
		UnmatchedNames: make(map[string]struct{}),
	}
	aggregates := make(map[string]*aggregate)
	newly := make(map[string]struct{})

	// prior records invoices seen on checkpointed events, keyed by lab
	// number. A specimen re-emitted because it gained a new invoice must
	// still resolve its completion over the invoices already processed,
	// or an already-completed specimen would regress to provisional.
	prior := make(map[string]map[string]struct{})

	err := src.Each(func(ev RawTestEvent) error {
		if e.Checkpoint.Seen(ev.InvoiceNo) {
			res.SkippedProcessed++
			if m, ok := prior[ev.LabNo]; ok {
				m[ev.InvoiceNo] = struct{}{}
			} else {
				prior[ev.LabNo] = map[string]struct{}{ev.InvoiceNo: {}}
			}
			return nil
		}

		timeIn, ok := ParseLabTime(ev.LabNo)
		if !ok {
			res.InvalidLabNos[ev.LabNo]++
			return nil
		}

		meta, ok := e.Catalog.Lookup(ev.TestName)
		if !ok {
			if name := catalog.Normalize(ev.TestName); name != "" {
				res.UnmatchedNames[name] = struct{}{}
			}
			return nil
		}

		received := timeIn
		res.Tests = append(res.Tests, &TestRecord{
			ID:           uuid.New(),
			LabNumber:    ev.LabNo,
			TestName:     ev.TestName,
			LabSection:   meta.LabSection,
			TATMinutes:   meta.TATMinutes,
			Price:        meta.Price,
			TimeReceived: &received,
			TimeExpected: timeIn.Add(tatDuration(meta.TATMinutes)),
			Urgency:      DefaultUrgency,
		})

		agg, ok := aggregates[ev.LabNo]
		if !ok {
			agg = &aggregate{invoices: make(map[string]struct{})}
			aggregates[ev.LabNo] = agg
		}
		agg.tats = append(agg.tats, meta.TATMinutes)
		agg.invoices[ev.InvoiceNo] = struct{}{}
		if !agg.captured {
			agg.timeIn = timeIn
			agg.encounterDate = ev.EncounterDate
			agg.unit = ev.Src
			agg.captured = true
		}

		newly[ev.InvoiceNo] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for labNo, agg := range aggregates {
		res.Specimens = append(res.Specimens, e.finalize(labNo, agg, prior[labNo]))
	}
	sort.Slice(res.Specimens, func(i, j int) bool {
		return res.Specimens[i].LabNumber < res.Specimens[j].LabNumber
	})

	for inv := range newly {
		res.NewlyProcessed = append(res.NewlyProcessed, inv)
	}
	sort.Strings(res.NewlyProcessed)

	e.Logger.Info().
		Int("tests", len(res.Tests)).
		Int("specimens", len(res.Specimens)).
		Int("skipped_processed", res.SkippedProcessed).
		Int("invalid_lab_numbers", len(res.InvalidLabNos)).
		Int("unmatched_test_names", len(res.UnmatchedNames)).
		Msg("transform run finished")

	return res, nil
}

// finalize turns a specimen's accumulated tests into its aggregate record.
// prior carries the specimen's already-processed invoices; they take part
// in the completion lookup but not in the TAT aggregation.
func (e *Engine) finalize(labNo string, agg *aggregate, prior map[string]struct{}) *SpecimenRecord {
	dailyTAT := DailyTAT(agg.tats)
	expected := agg.timeIn.Add(tatDuration(dailyTAT))

	var timeOut *time.Time
	invoices := make([]string, 0, len(agg.invoices)+len(prior))
	for inv := range agg.invoices {
		invoices = append(invoices, inv)
	}
	for inv := range prior {
		if _, dup := agg.invoices[inv]; !dup {
			invoices = append(invoices, inv)
		}
	}
	if t, ok := e.Completions.Latest(invoices); ok {
		timeOut = &t
	}

	status, delayRange := Classify(agg.timeIn, timeOut, expected)

	var encounter *time.Time
	if d, err := time.Parse("2006-01-02", agg.encounterDate); err == nil {
		encounter = &d
	}

	return &SpecimenRecord{
		LabNumber:     labNo,
		Client:        e.Client,
		EncounterDate: encounter,
		Shift:         ShiftOf(agg.timeIn),
		Unit:          agg.unit,
		TimeIn:        agg.timeIn,
		DailyTAT:      dailyTAT,
		TimeExpected:  expected,
		TimeOut:       timeOut,
		DelayStatus:   status,
		DelayRange:    delayRange,
	}
}
