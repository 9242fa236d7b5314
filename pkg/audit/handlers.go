package audit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/httputil"
)

// Searcher is the query side of the audit store.
type Searcher interface {
	Search(ctx context.Context, filter *SearchFilter) ([]*Event, error)
	Stats(ctx context.Context, start, end *time.Time) (*Stats, error)
}

// Handlers serves the audit admin API.
type Handlers struct {
	searcher Searcher
}

// NewHandlers creates audit API handlers backed by the given store.
func NewHandlers(searcher Searcher) *Handlers {
	return &Handlers{searcher: searcher}
}

// RegisterRoutes mounts the audit endpoints. Role enforcement happens in
// the surrounding middleware chain.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/audit", h.SearchLogs).Methods("GET")
	router.HandleFunc("/admin/audit/export", h.ExportLogs).Methods("GET")
	router.HandleFunc("/admin/audit/stats", h.GetStats).Methods("GET")
}

// SearchLogs handles GET /admin/audit
func (h *Handlers) SearchLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	httputil.WriteSuccess(w, map[string]any{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// ExportLogs handles GET /admin/audit/export?format=csv|ndjson
func (h *Handlers) ExportLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	// Exports page through more rows than the interactive view.
	if filter.Limit <= 0 {
		filter.Limit = 1000
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatNDJSON
	}
	if format != ExportFormatCSV && format != ExportFormatNDJSON {
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported export format: %s", format))
		return
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	filename := "audit-" + time.Now().UTC().Format("20060102T150405")
	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.ndjson"`)
	}
	if err := Export(w, events, format); err != nil {
		// headers already sent; nothing more to do than drop the connection
		return
	}
}

// GetStats handles GET /admin/audit/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	var start, end *time.Time
	if s := r.URL.Query().Get("start_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid start_time, expected RFC3339")
			return
		}
		start = &t
	}
	if s := r.URL.Query().Get("end_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid end_time, expected RFC3339")
			return
		}
		end = &t
	}
	stats, err := h.searcher.Stats(r.Context(), start, end)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func filterFromQuery(r *http.Request) (*SearchFilter, error) {
	q := r.URL.Query()
	filter := &SearchFilter{
		ActorEmail: q.Get("actor_email"),
		TargetType: TargetType(q.Get("target_type")),
		TargetID:   q.Get("target_id"),
		IPAddress:  q.Get("ip_address"),
		RequestID:  q.Get("request_id"),
		SortOrder:  q.Get("sort"),
	}

	if s := q.Get("start_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid start_time, expected RFC3339")
		}
		filter.StartTime = &t
	}
	if s := q.Get("end_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time, expected RFC3339")
		}
		filter.EndTime = &t
	}
	if s := q.Get("actor_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid actor_id")
		}
		filter.ActorID = &id
	}
	if s := q.Get("action"); s != "" {
		for _, a := range strings.Split(s, ",") {
			filter.Actions = append(filter.Actions, Action(strings.TrimSpace(a)))
		}
	}
	if s := q.Get("status"); s != "" {
		status := Status(s)
		filter.Status = &status
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid limit")
		}
		filter.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}
