package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/internal/ratelimit"
	"github.com/shehryarbajwa/pagepulse/internal/tracker"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

type fakeMonitor struct {
	mu         sync.Mutex
	pages      []models.PageRecord
	violations []models.ThresholdViolation
	all        []models.NetworkRequestRecord
	opened     []string
	labels     []string
	shotErr    error

	requests chan models.NetworkRequestRecord
	events   chan tracker.PageEvent
}

func newFakeMonitor() *fakeMonitor {
	lcp := 3100.0
	end := time.Unix(1700000100, 0)
	return &fakeMonitor{
		pages: []models.PageRecord{
			{
				ID: "p0", Index: 0, Name: "Checkout", URL: "https://shop.test/checkout", EndTime: &end,
				Snapshot: &models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: &lcp}},
				Requests: []models.NetworkRequestRecord{
					{RequestID: "1", URL: "https://shop.test/api/cart", Classification: models.ClassAPIError},
					{RequestID: "2", URL: "https://shop.test/api/user", Classification: models.ClassNone},
				},
			},
			{ID: "p1", Index: 1, Name: "Confirmation", URL: "https://shop.test/done"},
		},
		violations: []models.ThresholdViolation{
			{Metric: "LCP", Level: models.SeverityWarning, Page: "Checkout"},
			{Metric: "LCP", Level: models.SeverityCritical, Page: "Checkout"},
			{Metric: "CLS", Level: models.SeverityCritical, Page: "Confirmation"},
		},
		all: []models.NetworkRequestRecord{
			{RequestID: "1", Classification: models.ClassAPIError},
			{RequestID: "2", Classification: models.ClassNone},
			{RequestID: "3", Classification: models.ClassNone},
		},
		requests: make(chan models.NetworkRequestRecord, 8),
		events:   make(chan tracker.PageEvent, 8),
	}
}

func (f *fakeMonitor) GetPageRecords() []models.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PageRecord, len(f.pages))
	copy(out, f.pages)
	return out
}

func (f *fakeMonitor) GetPageRecord(index int) (models.PageRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.pages) {
		return models.PageRecord{}, false
	}
	return f.pages[index], true
}

func (f *fakeMonitor) GetViolations() []models.ThresholdViolation { return f.violations }
func (f *fakeMonitor) AllRequests() []models.NetworkRequestRecord { return f.all }

func (f *fakeMonitor) Thresholds() map[string]config.Threshold {
	return map[string]config.Threshold{"LCP": config.Bounds(2500, 4000, "ms")}
}

func (f *fakeMonitor) SubscribeRequests(int) (<-chan models.NetworkRequestRecord, func()) {
	return f.requests, func() {}
}

func (f *fakeMonitor) SubscribePages(int) (<-chan tracker.PageEvent, func()) {
	return f.events, func() {}
}

func (f *fakeMonitor) OpenPage(_ context.Context, name, url string) models.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, name)
	rec := models.PageRecord{ID: "new", Index: len(f.pages), Name: name, URL: url}
	f.pages = append(f.pages, rec)
	return rec
}

func (f *fakeMonitor) ClosePage(context.Context) (models.PageRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := &f.pages[len(f.pages)-1]
	if !last.Open() {
		return models.PageRecord{}, false
	}
	now := time.Now()
	last.EndTime = &now
	return *last, true
}

func (f *fakeMonitor) Checkpoint(_ context.Context, label string) []models.ThresholdViolation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return nil
}

func (f *fakeMonitor) CaptureScreenshot(_ context.Context, name string) (string, error) {
	if f.shotErr != nil {
		return "", f.shotErr
	}
	return "/artifacts/run/screenshots/" + name + ".png", nil
}

func newTestServer(t *testing.T, m *fakeMonitor, limiter *ratelimit.Limiter) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	NewCollector(m, reg)
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ControlRequestsPerMinute, 100, 0)
	}
	srv := httptest.NewServer(NewHandler(m).SetupRoutes(reg, limiter))
	t.Cleanup(srv.Close)
	return srv, reg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListPagesOmitsRequests(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	var pages []models.PageRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/pages", &pages))
	require.Len(t, pages, 2)
	assert.Empty(t, pages[0].Requests)
	assert.Equal(t, "Checkout", pages[0].Name)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/pages?requests=true", &pages))
	assert.Len(t, pages[0].Requests, 2)
}

func TestGetPage(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	var page models.PageRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/pages/1", &page))
	assert.Equal(t, "Confirmation", page.Name)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/pages/7", &page))
}

func TestListViolationsFilters(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?level=critical", 2},
		{"?metric=LCP", 2},
		{"?metric=LCP&level=critical", 1},
		{"?page=Confirmation", 1},
		{"?metric=FPS", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var vs []models.ThresholdViolation
			require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/violations"+tt.query, &vs))
			assert.Len(t, vs, tt.want)
		})
	}
}

func TestListRequests(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	var reqs []models.NetworkRequestRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/requests", &reqs))
	assert.Len(t, reqs, 3)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/requests?page=0&classification=api_error", &reqs))
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://shop.test/api/cart", reqs[0].URL)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/requests?page=x", &reqs))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/requests?page=9", &reqs))
}

func TestGetThresholds(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	var th map[string]config.Threshold
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/thresholds", &th))
	require.NotNil(t, th["LCP"].Critical)
	assert.Equal(t, 4000.0, *th["LCP"].Critical)
}

func TestPageControl(t *testing.T) {
	m := newFakeMonitor()
	srv, _ := newTestServer(t, m, nil)

	resp := postJSON(t, srv.URL+"/v1/pages", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/pages", `{"name":"Search","url":"https://shop.test/search"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec models.PageRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, 2, rec.Index)
	assert.Equal(t, []string{"Search"}, m.opened)

	resp = postJSON(t, srv.URL+"/v1/checkpoints", `{"label":"results shown"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `[]`, string(body))
	assert.Equal(t, []string{"results shown"}, m.labels)

	resp = postJSON(t, srv.URL+"/v1/pages/close", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/pages/close", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCaptureScreenshot(t *testing.T) {
	m := newFakeMonitor()
	srv, _ := newTestServer(t, m, nil)

	resp := postJSON(t, srv.URL+"/v1/screenshots", `{"name":"hero"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasSuffix(out["path"], "hero.png"))

	m.shotErr = errors.New("no artifact store configured")
	resp = postJSON(t, srv.URL+"/v1/screenshots", `{"name":"hero"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestControlRoutesAreRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), ratelimit.NewLimiter(60, 2, 0))

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/v1/checkpoints", ``)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, strconv.Itoa(ControlRequestsPerMinute), resp.Header.Get("X-RateLimit-Limit"))
	}

	resp := postJSON(t, srv.URL+"/v1/checkpoints", ``)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	// reads are never limited
	var pages []models.PageRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/pages", &pages))
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMonitor(), nil)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/pages", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.4:5123"
	assert.Equal(t, "192.0.2.4", clientAddr(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientAddr(r))
}

func TestMetricsEndpoint(t *testing.T) {
	m := newFakeMonitor()
	srv, _ := newTestServer(t, m, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), `pagepulse_violations{level="critical",metric="LCP"} 1`)
	assert.Contains(t, string(body), `pagepulse_violations{level="critical",metric="CLS"} 1`)
	assert.Contains(t, string(body), `pagepulse_pages 2`)
}

// gathered returns the value of one sample, or -1 when it is missing
func gathered(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != label || lp.GetValue() != value {
					continue
				}
				switch {
				case m.GetCounter() != nil:
					return m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					return m.GetGauge().GetValue()
				case m.GetHistogram() != nil:
					return float64(m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	return -1
}

func TestCollectorObservesFeeds(t *testing.T) {
	m := newFakeMonitor()
	reg := prometheus.NewRegistry()
	c := NewCollector(m, reg)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	m.requests <- models.NetworkRequestRecord{Classification: models.ClassServerError, ResourceType: "XHR", DurationMs: 120}
	m.requests <- models.NetworkRequestRecord{Classification: models.ClassNone, ResourceType: "Fetch", DurationMs: 30}
	m.events <- tracker.PageEvent{Kind: tracker.EventClosed, Page: m.pages[0]}

	require.Eventually(t, func() bool {
		return gathered(t, reg, "pagepulse_page_events_total", "kind", "page_closed") == 1 &&
			gathered(t, reg, "pagepulse_requests_total", "classification", "none") == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	c.Wait()

	assert.Equal(t, 1.0, gathered(t, reg, "pagepulse_requests_total", "classification", "server_error"))
	assert.Equal(t, 1.0, gathered(t, reg, "pagepulse_request_duration_seconds", "resource_type", "XHR"))
	assert.Equal(t, 3100.0, gathered(t, reg, "pagepulse_last_page_metric", "metric", "LCP"))
	assert.Equal(t, -1.0, gathered(t, reg, "pagepulse_last_page_metric", "metric", "FID"))
}

func TestStreamPushesEvents(t *testing.T) {
	m := newFakeMonitor()
	srv, _ := newTestServer(t, m, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	m.events <- tracker.PageEvent{Kind: tracker.EventOpened, Page: m.pages[1]}

	var msg StreamMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "page_opened", msg.Type)
	require.NotNil(t, msg.Page)
	assert.Equal(t, "Confirmation", msg.Page.Page.Name)

	m.requests <- models.NetworkRequestRecord{RequestID: "9", Classification: models.ClassClientError}

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "request", msg.Type)
	require.NotNil(t, msg.Request)
	assert.Equal(t, "9", msg.Request.RequestID)
}
