package tat

import (
	"time"

	"github.com/google/uuid"
)

// RawTestEvent is one observed test for one specimen as extracted from the
// LIMS portal. LabNo embeds the specimen intake timestamp (DDMMYYHHMM
// prefix); InvoiceNo is the external billing identifier the completion feed
// is keyed by.
type RawTestEvent struct {
	EncounterDate string `json:"EncounterDate"`
	LabNo         string `json:"LabNo"`
	InvoiceNo     string `json:"InvoiceNo"`
	TestName      string `json:"TestName"`
	PNo           string `json:"PNo,omitempty"`
	Patient       string `json:"Patient,omitempty"`
	Tel           string `json:"Tel,omitempty"`
	Src           string `json:"Src"`
}

// TestRecord maps to the tests table: one row per (specimen, test) pair.
// TimeOut stays nil in this design; only specimen records are reconciled.
type TestRecord struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	LabNumber    string     `db:"lab_number" json:"lab_number"`
	TestName     string     `db:"test_name" json:"test_name"`
	LabSection   string     `db:"lab_section" json:"lab_section"`
	TATMinutes   float64    `db:"tat" json:"tat"`
	Price        float64    `db:"price" json:"price"`
	TimeReceived *time.Time `db:"time_received" json:"time_received,omitempty"`
	TimeExpected time.Time  `db:"test_time_expected" json:"test_time_expected"`
	Urgency      string     `db:"urgency" json:"urgency"`
	TimeOut      *time.Time `db:"test_time_out" json:"test_time_out,omitempty"`
}

// SpecimenRecord maps to the patients table: one row per specimen (lab
// number), aggregating all of its tests. TimeOut == nil means the record is
// provisional: persisted before the completion feed produced a timestamp
// for any of the specimen's invoices.
type SpecimenRecord struct {
	LabNumber     string     `db:"lab_number" json:"lab_number"`
	Client        string     `db:"client" json:"client"`
	EncounterDate *time.Time `db:"date" json:"date,omitempty"`
	Shift         string     `db:"shift" json:"shift"`
	Unit          string     `db:"unit" json:"unit"`
	TimeIn        time.Time  `db:"time_in" json:"time_in"`
	DailyTAT      float64    `db:"daily_tat" json:"daily_tat"`
	TimeExpected  time.Time  `db:"request_time_expected" json:"request_time_expected"`
	TimeOut       *time.Time `db:"request_time_out" json:"request_time_out,omitempty"`
	DelayStatus   string     `db:"request_delay_status" json:"request_delay_status"`
	DelayRange    string     `db:"request_time_range" json:"request_time_range"`
}

// Provisional reports whether the specimen still awaits its completion
// timestamp.
func (s *SpecimenRecord) Provisional() bool { return s.TimeOut == nil }

// CompletionUpdate carries the reconciled fields applied to a provisional
// specimen once its completion timestamp is known.
type CompletionUpdate struct {
	LabNumber   string
	TimeOut     time.Time
	DelayStatus string
	DelayRange  string
}
