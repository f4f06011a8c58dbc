package event

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/zyntel/zyntel/internal/domain/tat"
)

func writeEvents(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

const fixture = `[
  {"EncounterDate": "2023-08-15", "LabNo": "1508231045AA", "InvoiceNo": "INV-1", "TestName": "FBC", "Src": "OPD"},
  {"EncounterDate": "2023-08-15", "LabNo": "1508231045AA", "InvoiceNo": "INV-2", "TestName": "MALARIA", "Src": "OPD"},
  {"EncounterDate": "2023-08-16", "LabNo": "1608230915BB", "InvoiceNo": "INV-3", "TestName": "LFT", "Src": "IPD"}
]`

func TestStore_Each(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeEvents(t, path, fixture)

	s := Store{Path: path}
	var got []tat.RawTestEvent
	err := s.Each(func(ev tat.RawTestEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].LabNo != "1508231045AA" || got[0].TestName != "FBC" || got[0].Src != "OPD" {
		t.Errorf("first event = %+v", got[0])
	}
}

func TestStore_EachStopsEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeEvents(t, path, fixture)

	s := Store{Path: path}
	count := 0
	err := s.Each(func(ev tat.RawTestEvent) error {
		count++
		if count == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 2 {
		t.Errorf("callback ran %d times, want 2", count)
	}
}

func TestStore_EachMissingFile(t *testing.T) {
	s := Store{Path: filepath.Join(t.TempDir(), "data.json")}
	err := s.Each(func(tat.RawTestEvent) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestStore_InvoicesByLabNo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	writeEvents(t, path, fixture)

	s := Store{Path: path}
	m, err := s.InvoicesByLabNo()
	if err != nil {
		t.Fatalf("InvoicesByLabNo: %v", err)
	}

	invoices := m["1508231045AA"]
	sort.Strings(invoices)
	if len(invoices) != 2 || invoices[0] != "INV-1" || invoices[1] != "INV-2" {
		t.Errorf("invoices = %v", invoices)
	}
	if len(m["1608230915BB"]) != 1 {
		t.Errorf("invoices for second lab = %v", m["1608230915BB"])
	}
}

func TestStore_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	s := Store{Path: path}

	ev1 := tat.RawTestEvent{LabNo: "1508231045AA", InvoiceNo: "INV-1", TestName: "FBC"}
	ev2 := tat.RawTestEvent{LabNo: "1508231045AA", InvoiceNo: "INV-1", TestName: "MALARIA"}

	// Missing file starts empty.
	added, err := s.Append([]tat.RawTestEvent{ev1, ev2})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// Re-appending the same events is a no-op.
	added, err = s.Append([]tat.RawTestEvent{ev1, ev2})
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0 for duplicates", added)
	}

	// A new event joins the existing ones.
	ev3 := tat.RawTestEvent{LabNo: "1608230915BB", InvoiceNo: "INV-3", TestName: "LFT"}
	added, err = s.Append([]tat.RawTestEvent{ev2, ev3})
	if err != nil {
		t.Fatalf("third Append: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	var count int
	if err := s.Each(func(tat.RawTestEvent) error { count++; return nil }); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 3 {
		t.Errorf("store holds %d events, want 3", count)
	}
}
