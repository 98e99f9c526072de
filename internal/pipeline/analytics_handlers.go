package pipeline

import (
	"net/http"
	"strconv"
	"time"
)

// parseTimeRange reads start/end query params (RFC3339, or unix seconds),
// defaulting to the last 24 hours.
func parseTimeRange(r *http.Request) (time.Time, time.Time) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := parseTimeParam(v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := parseTimeParam(v); err == nil {
			end = t
		}
	}
	return start, end
}

func parseTimeParam(v string) (time.Time, error) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// handleAnalyticsStats implements GET /analytics/stats.
func (p *Pipeline) handleAnalyticsStats(w http.ResponseWriter, r *http.Request) {
	if p.deps.AnalyticsService == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("analytics service not configured"))
		return
	}
	start, end := parseTimeRange(r)
	agg, err := p.deps.AnalyticsService.Aggregate(r.Context(), start, end)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// handleAnalyticsEvents implements GET /analytics/events.
func (p *Pipeline) handleAnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	if p.deps.AnalyticsService == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("analytics service not configured"))
		return
	}
	start, end := parseTimeRange(r)
	events, err := p.deps.AnalyticsService.Events(r.Context(), start, end, parseLimit(r, 1000))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAnalyticsExport implements GET /analytics/export?format=json|csv.
func (p *Pipeline) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	if p.deps.AnalyticsService == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("analytics service not configured"))
		return
	}
	start, end := parseTimeRange(r)
	limit := parseLimit(r, 100000)

	format := r.URL.Query().Get("format")
	if format == "csv" {
		data, err := p.deps.AnalyticsService.ExportCSV(r.Context(), start, end, limit)
		if err != nil {
			writeJSON(w, errorStatus(err), errorResponse(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="analytics_export.csv"`)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	data, err := p.deps.AnalyticsService.ExportJSON(r.Context(), start, end, limit)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleAnalyticsClear implements POST /analytics/clear.
func (p *Pipeline) handleAnalyticsClear(w http.ResponseWriter, r *http.Request) {
	if p.deps.AnalyticsService == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("analytics service not configured"))
		return
	}
	if err := p.deps.AnalyticsService.Clear(r.Context()); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
