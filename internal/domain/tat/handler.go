package tat

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler serves the read-only reporting API consumed by the dashboard.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/specimens", h.ListSpecimens)
	api.GET("/specimens/:labNumber", h.GetSpecimen)
	api.GET("/summary", h.Summary)
}

// ListSpecimens returns specimen records filtered by delay_status, shift,
// unit, and encounter date range (from/to, YYYY-MM-DD), paginated with
// limit/offset.
func (h *Handler) ListSpecimens(c echo.Context) error {
	filter := SpecimenFilter{
		DelayStatus: c.QueryParam("delay_status"),
		Shift:       c.QueryParam("shift"),
		Unit:        c.QueryParam("unit"),
	}

	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
		}
		filter.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
		}
		filter.To = &t
	}

	limit := intParam(c, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := intParam(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.repo.ListSpecimens(c.Request().Context(), filter, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*SpecimenRecord{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) GetSpecimen(c echo.Context) error {
	s, err := h.repo.GetSpecimen(c.Request().Context(), c.Param("labNumber"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "specimen not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Summary(c echo.Context) error {
	sum, err := h.repo.Summarize(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func intParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
