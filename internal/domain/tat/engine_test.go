package tat

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zyntel/zyntel/internal/domain/catalog"
	"github.com/zyntel/zyntel/internal/domain/checkpoint"
	"github.com/zyntel/zyntel/internal/domain/completion"
)

// sliceSource replays a fixed set of events.
type sliceSource []RawTestEvent

func (s sliceSource) Each(fn func(RawTestEvent) error) error {
	for _, ev := range s {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	csv := `TestName,TAT,LabSection,Price
FBC,60,HEMATOLOGY,15.00
MALARIA,90,PARASITOLOGY,10.00
CULTURE,4300,MICROBIOLOGY,40.00
`
	cat, err := catalog.Parse(strings.NewReader(csv), zerolog.Nop())
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return cat
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return &Engine{
		Catalog:     testCatalog(t),
		Checkpoint:  checkpoint.New(),
		Completions: completion.NewIndex(),
		Client:      "acme-hospital",
		Logger:      zerolog.Nop(),
	}
}

func TestEngineRun_Basic(t *testing.T) {
	engine := newTestEngine(t)
	src := sliceSource{
		{EncounterDate: "2023-08-15", LabNo: "1508231045AA", InvoiceNo: "INV-1", TestName: "FBC", Src: "OPD"},
		{EncounterDate: "2023-08-15", LabNo: "1508231045AA", InvoiceNo: "INV-1", TestName: "MALARIA", Src: "OPD"},
	}

	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Tests) != 2 {
		t.Fatalf("expected 2 test records, got %d", len(res.Tests))
	}
	if len(res.Specimens) != 1 {
		t.Fatalf("expected 1 specimen record, got %d", len(res.Specimens))
	}

	intake := time.Date(2023, time.August, 15, 10, 45, 0, 0, time.UTC)
	fbc := res.Tests[0]
	if fbc.TestName != "FBC" || fbc.LabSection != "HEMATOLOGY" || fbc.Price != 15 {
		t.Errorf("unexpected test record: %+v", fbc)
	}
	if fbc.TimeReceived == nil || !fbc.TimeReceived.Equal(intake) {
		t.Errorf("TimeReceived = %v, want %v", fbc.TimeReceived, intake)
	}
	if want := intake.Add(60 * time.Minute); !fbc.TimeExpected.Equal(want) {
		t.Errorf("TimeExpected = %v, want %v", fbc.TimeExpected, want)
	}
	if fbc.Urgency != DefaultUrgency {
		t.Errorf("Urgency = %q, want %q", fbc.Urgency, DefaultUrgency)
	}

	spec := res.Specimens[0]
	if spec.LabNumber != "1508231045AA" {
		t.Errorf("LabNumber = %q", spec.LabNumber)
	}
	if spec.Client != "acme-hospital" {
		t.Errorf("Client = %q", spec.Client)
	}
	if spec.DailyTAT != 90 {
		t.Errorf("DailyTAT = %v, want 90", spec.DailyTAT)
	}
	if want := intake.Add(90 * time.Minute); !spec.TimeExpected.Equal(want) {
		t.Errorf("specimen TimeExpected = %v, want %v", spec.TimeExpected, want)
	}
	if spec.Shift != ShiftDay {
		t.Errorf("Shift = %q, want %q", spec.Shift, ShiftDay)
	}
	if spec.Unit != "OPD" {
		t.Errorf("Unit = %q, want OPD", spec.Unit)
	}
	if spec.EncounterDate == nil || spec.EncounterDate.Format("2006-01-02") != "2023-08-15" {
		t.Errorf("EncounterDate = %v", spec.EncounterDate)
	}
	if !spec.Provisional() {
		t.Error("specimen with no completion should be provisional")
	}
	if spec.DelayStatus != StatusNotUploaded || spec.DelayRange != StatusNotUploaded {
		t.Errorf("delay = (%q, %q), want Not Uploaded", spec.DelayStatus, spec.DelayRange)
	}

	if len(res.NewlyProcessed) != 1 || res.NewlyProcessed[0] != "INV-1" {
		t.Errorf("NewlyProcessed = %v, want [INV-1]", res.NewlyProcessed)
	}
}

func TestEngineRun_CheckpointSkips(t *testing.T) {
	engine := newTestEngine(t)
	engine.Checkpoint.Add("INV-OLD")
	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-OLD", TestName: "FBC"},
		{LabNo: "1508231045AA", InvoiceNo: "INV-OLD", TestName: "MALARIA"},
	}

	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SkippedProcessed != 2 {
		t.Errorf("SkippedProcessed = %d, want 2", res.SkippedProcessed)
	}
	if len(res.Tests) != 0 || len(res.Specimens) != 0 || len(res.NewlyProcessed) != 0 {
		t.Errorf("processed invoice should produce nothing, got %d tests %d specimens",
			len(res.Tests), len(res.Specimens))
	}
}

func TestEngineRun_InvalidLabNumber(t *testing.T) {
	engine := newTestEngine(t)
	src := sliceSource{
		{LabNo: "BADLABNO", InvoiceNo: "INV-2", TestName: "FBC"},
		{LabNo: "BADLABNO", InvoiceNo: "INV-2", TestName: "MALARIA"},
	}

	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.InvalidLabNos["BADLABNO"] != 2 {
		t.Errorf("InvalidLabNos = %v", res.InvalidLabNos)
	}
	if len(res.Tests) != 0 || len(res.Specimens) != 0 {
		t.Error("invalid lab number should produce no records")
	}
	if len(res.NewlyProcessed) != 0 {
		t.Errorf("fully rejected invoice must not be marked processed, got %v", res.NewlyProcessed)
	}
}

func TestEngineRun_UnmatchedTestName(t *testing.T) {
	engine := newTestEngine(t)
	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-3", TestName: "XRAY-CHEST"},
		{LabNo: "1508231045AA", InvoiceNo: "INV-3", TestName: "xray-chest "},
		{LabNo: "1508231045AA", InvoiceNo: "INV-3", TestName: "FBC"},
	}

	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both spellings normalize to one entry.
	if len(res.UnmatchedNames) != 1 {
		t.Fatalf("UnmatchedNames = %v, want exactly one entry", res.UnmatchedNames)
	}
	if _, ok := res.UnmatchedNames["XRAY-CHEST"]; !ok {
		t.Errorf("UnmatchedNames = %v, want XRAY-CHEST", res.UnmatchedNames)
	}
	if len(res.Tests) != 1 {
		t.Errorf("expected the matched FBC event to survive, got %d tests", len(res.Tests))
	}
	// The invoice still had one accepted event, so it is processed.
	if len(res.NewlyProcessed) != 1 {
		t.Errorf("NewlyProcessed = %v", res.NewlyProcessed)
	}
}

func TestEngineRun_CompletionApplied(t *testing.T) {
	engine := newTestEngine(t)
	intake := time.Date(2023, time.August, 15, 10, 45, 0, 0, time.UTC)
	// FBC TAT is 60m, so expected = intake+60m; completion lands 20m after.
	completed := intake.Add(80 * time.Minute)
	engine.Completions.Add(completion.Event{Invoice: "INV-4", CompletedAt: completed})

	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-4", TestName: "FBC"},
	}
	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	spec := res.Specimens[0]
	if spec.TimeOut == nil || !spec.TimeOut.Equal(completed) {
		t.Fatalf("TimeOut = %v, want %v", spec.TimeOut, completed)
	}
	if spec.DelayStatus != StatusOverDelayed {
		t.Errorf("DelayStatus = %q, want %q", spec.DelayStatus, StatusOverDelayed)
	}
	if spec.DelayRange != "0 hrs 20 mins" {
		t.Errorf("DelayRange = %q", spec.DelayRange)
	}
	if spec.Provisional() {
		t.Error("completed specimen should not be provisional")
	}
}

func TestEngineRun_MultiInvoiceSpecimen(t *testing.T) {
	engine := newTestEngine(t)
	intake := time.Date(2023, time.August, 15, 10, 45, 0, 0, time.UTC)
	earlier := intake.Add(30 * time.Minute)
	later := intake.Add(2 * time.Hour)
	engine.Completions.Add(completion.Event{Invoice: "INV-A", CompletedAt: earlier})
	engine.Completions.Add(completion.Event{Invoice: "INV-B", CompletedAt: later})

	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-A", TestName: "FBC"},
		{LabNo: "1508231045AA", InvoiceNo: "INV-B", TestName: "MALARIA"},
	}
	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Specimens) != 1 {
		t.Fatalf("expected one specimen, got %d", len(res.Specimens))
	}
	spec := res.Specimens[0]
	if spec.TimeOut == nil || !spec.TimeOut.Equal(later) {
		t.Errorf("TimeOut = %v, want latest completion %v", spec.TimeOut, later)
	}
	if len(res.NewlyProcessed) != 2 {
		t.Errorf("NewlyProcessed = %v, want both invoices", res.NewlyProcessed)
	}
}

func TestEngineRun_CompletionFromCheckpointedInvoice(t *testing.T) {
	engine := newTestEngine(t)
	intake := time.Date(2023, time.August, 15, 10, 45, 0, 0, time.UTC)
	completed := intake.Add(80 * time.Minute)

	// INV-1 was processed and completed on an earlier run; this run only
	// adds INV-2 to the same specimen. The re-emitted record must still
	// carry INV-1's completion instead of regressing to provisional.
	engine.Checkpoint.Add("INV-1")
	engine.Completions.Add(completion.Event{Invoice: "INV-1", CompletedAt: completed})

	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-1", TestName: "FBC"},
		{LabNo: "1508231045AA", InvoiceNo: "INV-2", TestName: "MALARIA"},
	}
	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.SkippedProcessed != 1 {
		t.Errorf("SkippedProcessed = %d, want 1", res.SkippedProcessed)
	}
	if len(res.Specimens) != 1 {
		t.Fatalf("expected one specimen, got %d", len(res.Specimens))
	}
	spec := res.Specimens[0]
	if spec.TimeOut == nil || !spec.TimeOut.Equal(completed) {
		t.Fatalf("TimeOut = %v, want completion %v from the processed invoice", spec.TimeOut, completed)
	}
	if spec.Provisional() {
		t.Error("specimen with a known completion must not be provisional")
	}
	// Only MALARIA (TAT 90m) contributes this run, so expected is
	// intake+90m and the 80m completion is 10m early.
	if spec.DelayStatus != StatusOnTime {
		t.Errorf("DelayStatus = %q, want %q", spec.DelayStatus, StatusOnTime)
	}
	if len(res.NewlyProcessed) != 1 || res.NewlyProcessed[0] != "INV-2" {
		t.Errorf("NewlyProcessed = %v, want [INV-2]", res.NewlyProcessed)
	}
}

func TestEngineRun_DoesNotMutateCheckpoint(t *testing.T) {
	engine := newTestEngine(t)
	src := sliceSource{
		{LabNo: "1508231045AA", InvoiceNo: "INV-5", TestName: "FBC"},
	}
	if _, err := engine.Run(src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.Checkpoint.Seen("INV-5") {
		t.Error("engine must not commit invoices to the checkpoint itself")
	}

	// A second run over the same source reproduces the same output.
	res, err := engine.Run(src)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(res.Tests) != 1 || len(res.Specimens) != 1 {
		t.Errorf("second run: %d tests, %d specimens", len(res.Tests), len(res.Specimens))
	}
}
