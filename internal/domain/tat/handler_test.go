package tat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// listRepo extends mockRepo with canned reporting results.
type listRepo struct {
	mockRepo
	items      []*SpecimenRecord
	total      int
	gotFilter  SpecimenFilter
	gotLimit   int
	gotOffset  int
	specimen   *SpecimenRecord
	summary    *Summary
}

func (r *listRepo) ListSpecimens(ctx context.Context, filter SpecimenFilter, limit, offset int) ([]*SpecimenRecord, int, error) {
	r.gotFilter = filter
	r.gotLimit = limit
	r.gotOffset = offset
	return r.items, r.total, nil
}

func (r *listRepo) GetSpecimen(ctx context.Context, labNumber string) (*SpecimenRecord, error) {
	if r.specimen != nil && r.specimen.LabNumber == labNumber {
		return r.specimen, nil
	}
	return nil, ErrNotFound
}

func (r *listRepo) Summarize(ctx context.Context) (*Summary, error) {
	return r.summary, nil
}

func setupHandler(repo Repository) (*echo.Echo, *Handler) {
	e := echo.New()
	h := NewHandler(repo)
	h.RegisterRoutes(e.Group("/api/v1"))
	return e, h
}

func TestHandler_ListSpecimens(t *testing.T) {
	intake := time.Date(2023, time.August, 15, 10, 0, 0, 0, time.UTC)
	repo := &listRepo{
		items: []*SpecimenRecord{provisionalSpecimen("1508231000AA", intake)},
		total: 1,
	}
	e, _ := setupHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens?delay_status=On%20Time&shift=Day&limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Items  []json.RawMessage `json:"items"`
		Total  int               `json:"total"`
		Limit  int               `json:"limit"`
		Offset int               `json:"offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Items) != 1 || body.Total != 1 {
		t.Errorf("items=%d total=%d", len(body.Items), body.Total)
	}
	if body.Limit != 10 || body.Offset != 5 {
		t.Errorf("limit=%d offset=%d", body.Limit, body.Offset)
	}

	if repo.gotFilter.DelayStatus != "On Time" || repo.gotFilter.Shift != "Day" {
		t.Errorf("filter = %+v", repo.gotFilter)
	}
}

func TestHandler_ListSpecimens_DateFilter(t *testing.T) {
	repo := &listRepo{}
	e, _ := setupHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens?from=2023-08-01&to=2023-08-31", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if repo.gotFilter.From == nil || repo.gotFilter.From.Format("2006-01-02") != "2023-08-01" {
		t.Errorf("From = %v", repo.gotFilter.From)
	}
	if repo.gotFilter.To == nil || repo.gotFilter.To.Format("2006-01-02") != "2023-08-31" {
		t.Errorf("To = %v", repo.gotFilter.To)
	}
}

func TestHandler_ListSpecimens_BadDate(t *testing.T) {
	e, _ := setupHandler(&listRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens?from=31-08-2023", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_ListSpecimens_LimitClamped(t *testing.T) {
	repo := &listRepo{}
	e, _ := setupHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens?limit=9999", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if repo.gotLimit != 50 {
		t.Errorf("limit = %d, want default 50", repo.gotLimit)
	}
}

func TestHandler_ListSpecimens_EmptyResult(t *testing.T) {
	e, _ := setupHandler(&listRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(body["items"]) != "[]" {
		t.Errorf("items = %s, want empty array not null", body["items"])
	}
}

func TestHandler_GetSpecimen(t *testing.T) {
	intake := time.Date(2023, time.August, 15, 10, 0, 0, 0, time.UTC)
	repo := &listRepo{specimen: provisionalSpecimen("1508231000AA", intake)}
	e, _ := setupHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens/1508231000AA", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got SpecimenRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LabNumber != "1508231000AA" || got.DelayStatus != StatusNotUploaded {
		t.Errorf("specimen = %+v", got)
	}
}

func TestHandler_GetSpecimen_NotFound(t *testing.T) {
	e, _ := setupHandler(&listRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/specimens/NOPE", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandler_Summary(t *testing.T) {
	repo := &listRepo{summary: &Summary{
		Total:       10,
		Provisional: 3,
		ByStatus:    map[string]int{StatusOnTime: 5, StatusOverDelayed: 2},
		AvgDailyTAT: 120.5,
		TestRecords: 42,
	}}
	e, _ := setupHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 10 || got.Provisional != 3 || got.ByStatus[StatusOnTime] != 5 {
		t.Errorf("summary = %+v", got)
	}
}
