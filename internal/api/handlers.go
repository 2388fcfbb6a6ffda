// Package api serves the live dashboard: page records, violations and
// requests over HTTP, a websocket event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/internal/tracker"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Monitor is the run being observed
type Monitor interface {
	GetPageRecords() []models.PageRecord
	GetPageRecord(index int) (models.PageRecord, bool)
	GetViolations() []models.ThresholdViolation
	AllRequests() []models.NetworkRequestRecord
	Thresholds() map[string]config.Threshold

	SubscribeRequests(buffer int) (<-chan models.NetworkRequestRecord, func())
	SubscribePages(buffer int) (<-chan tracker.PageEvent, func())

	OpenPage(ctx context.Context, name, url string) models.PageRecord
	ClosePage(ctx context.Context) (models.PageRecord, bool)
	Checkpoint(ctx context.Context, label string) []models.ThresholdViolation
	CaptureScreenshot(ctx context.Context, name string) (string, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	monitor Monitor
}

// NewHandler creates a new HTTP handler
func NewHandler(monitor Monitor) *Handler {
	return &Handler{monitor: monitor}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListPages handles GET /v1/pages
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	pages := h.monitor.GetPageRecords()

	// the list view leaves out request bodies
	if r.URL.Query().Get("requests") != "true" {
		for i := range pages {
			pages[i].Requests = nil
		}
	}
	writeJSON(w, http.StatusOK, pages)
}

// GetPage handles GET /v1/pages/{index}
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.Error(w, "invalid page index", http.StatusBadRequest)
		return
	}

	page, ok := h.monitor.GetPageRecord(index)
	if !ok {
		http.Error(w, "page not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ListViolations handles GET /v1/violations
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	level := models.Severity(r.URL.Query().Get("level"))
	metric := r.URL.Query().Get("metric")
	page := r.URL.Query().Get("page")

	out := []models.ThresholdViolation{}
	for _, v := range h.monitor.GetViolations() {
		if level != "" && v.Level != level {
			continue
		}
		if metric != "" && v.Metric != metric {
			continue
		}
		if page != "" && v.Page != page {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRequests handles GET /v1/requests. With ?page=N it returns the requests
// attributed to that page, otherwise the full diagnostics log.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	class := models.Classification(r.URL.Query().Get("classification"))

	var reqs []models.NetworkRequestRecord
	if p := r.URL.Query().Get("page"); p != "" {
		index, err := strconv.Atoi(p)
		if err != nil {
			http.Error(w, "invalid page index", http.StatusBadRequest)
			return
		}
		page, ok := h.monitor.GetPageRecord(index)
		if !ok {
			http.Error(w, "page not found", http.StatusNotFound)
			return
		}
		reqs = page.Requests
	} else {
		reqs = h.monitor.AllRequests()
	}

	out := []models.NetworkRequestRecord{}
	for _, req := range reqs {
		if class != "" && req.Classification != class {
			continue
		}
		out = append(out, req)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetThresholds handles GET /v1/thresholds
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Thresholds())
}

type openPageRequest struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// OpenPage handles POST /v1/pages
func (h *Handler) OpenPage(w http.ResponseWriter, r *http.Request) {
	var req openPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	page := h.monitor.OpenPage(r.Context(), req.Name, req.URL)
	writeJSON(w, http.StatusCreated, page)
}

// ClosePage handles POST /v1/pages/close
func (h *Handler) ClosePage(w http.ResponseWriter, r *http.Request) {
	page, ok := h.monitor.ClosePage(r.Context())
	if !ok {
		http.Error(w, "no page open", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type checkpointRequest struct {
	Label string `json:"label"`
}

// Checkpoint handles POST /v1/checkpoints
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	vs := h.monitor.Checkpoint(r.Context(), req.Label)
	if vs == nil {
		vs = []models.ThresholdViolation{}
	}
	writeJSON(w, http.StatusOK, vs)
}

type screenshotRequest struct {
	Name string `json:"name"`
}

// CaptureScreenshot handles POST /v1/screenshots
func (h *Handler) CaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "manual"
	}

	path, err := h.monitor.CaptureScreenshot(r.Context(), req.Name)
	if err != nil {
		http.Error(w, "Screenshot failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}
