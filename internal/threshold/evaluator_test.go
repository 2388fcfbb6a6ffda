package threshold

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

type fakeCapturer struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeCapturer) CaptureScreenshot(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if f.err != nil {
		return "", f.err
	}
	return "/tmp/shots/" + name + ".png", nil
}

type fakeSink struct {
	violations  map[string][]models.ThresholdViolation
	screenshots map[string][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{violations: map[string][]models.ThresholdViolation{}, screenshots: map[string][]string{}}
}

func (f *fakeSink) AppendViolations(pageID string, vs []models.ThresholdViolation) {
	f.violations[pageID] = append(f.violations[pageID], vs...)
}

func (f *fakeSink) AttachScreenshot(pageID, path string) {
	f.screenshots[pageID] = append(f.screenshots[pageID], path)
}

func ptr(v float64) *float64 { return &v }

func lowerIsWorse(t config.Threshold) config.Threshold {
	t.LowerIsWorse = true
	return t
}

var checkout = Target{PageID: "p1", PageName: "Checkout"}

func TestCheckDirection(t *testing.T) {
	fps := lowerIsWorse(config.Bounds(50, 30, "fps"))

	tests := []struct {
		value float64
		level models.Severity
		hit   bool
	}{
		{value: 25, level: models.SeverityCritical, hit: true},
		{value: 30, level: models.SeverityCritical, hit: true},
		{value: 45, level: models.SeverityWarning, hit: true},
		{value: 60, hit: false},
	}
	for _, tt := range tests {
		level, _, hit := Check(tt.value, fps)
		assert.Equal(t, tt.hit, hit, "value %v", tt.value)
		assert.Equal(t, tt.level, level, "value %v", tt.value)
	}

	lcp := config.Bounds(2500, 4000, "")
	level, bound, hit := Check(4000, lcp)
	assert.True(t, hit)
	assert.Equal(t, models.SeverityCritical, level)
	assert.Equal(t, 4000.0, bound)

	_, _, hit = Check(2499, lcp)
	assert.False(t, hit)
}

func TestCheckInfersLowerIsWorse(t *testing.T) {
	level, _, hit := Check(20, config.Bounds(50, 30, ""))
	assert.True(t, hit)
	assert.Equal(t, models.SeverityCritical, level)
}

func TestCheckNeedsBothBounds(t *testing.T) {
	warningOnly := config.Threshold{Warning: ptr(2500), Unit: "ms"}

	// a missing critical bound must not flip the direction
	_, _, hit := Check(100, warningOnly)
	assert.False(t, hit)
	_, _, hit = Check(5000, warningOnly)
	assert.False(t, hit)

	_, _, hit = Check(10, config.Threshold{Critical: ptr(30), LowerIsWorse: true})
	assert.False(t, hit)

	assert.False(t, warningOnly.Lower())
}

func TestEvaluateSkipsIncompleteThresholds(t *testing.T) {
	e := New(map[string]config.Threshold{
		"LCP": {Warning: ptr(2500), Unit: "ms"},
		"FCP": config.Bounds(1800, 3000, "ms"),
	}, nil, nil)

	snap := models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(100), FCP: ptr(2000)}}
	vs := e.Evaluate(context.Background(), checkout, snap, "load")
	require.Len(t, vs, 1)
	assert.Equal(t, "FCP", vs[0].Metric)

	snap.Vitals.LCP = ptr(9000)
	vs = e.Evaluate(context.Background(), checkout, snap, "load")
	require.Len(t, vs, 1)
	assert.Equal(t, "FCP", vs[0].Metric)
}

func TestEvaluateFrameRate(t *testing.T) {
	thresholds := map[string]config.Threshold{
		"FPS": lowerIsWorse(config.Bounds(50, 30, "fps")),
	}
	e := New(thresholds, nil, nil)

	vs := e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{FPS: ptr(25)}, "scroll")
	require.Len(t, vs, 1)
	assert.Equal(t, models.SeverityCritical, vs[0].Level)

	vs = e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{FPS: ptr(45)}, "scroll")
	require.Len(t, vs, 1)
	assert.Equal(t, models.SeverityWarning, vs[0].Level)

	vs = e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{FPS: ptr(60)}, "scroll")
	assert.Empty(t, vs)
}

func TestEvaluateSkipsUnknownAndUnconfigured(t *testing.T) {
	e := New(map[string]config.Threshold{
		"LCP": config.Bounds(2500, 4000, ""),
		"CPU": config.Bounds(70, 90, ""),
	}, nil, nil)

	snap := models.PerformanceSnapshot{FPS: ptr(1)}
	assert.Empty(t, e.Evaluate(context.Background(), checkout, snap, "load"))
}

func TestEvaluateSingleScreenshotPerBatch(t *testing.T) {
	capturer := &fakeCapturer{}
	sink := newFakeSink()
	e := New(config.DefaultThresholds(), capturer, sink)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	snap := models.PerformanceSnapshot{
		Vitals: models.WebVitals{LCP: ptr(4500), FCP: ptr(3200), TTFB: ptr(900)},
	}
	vs := e.Evaluate(context.Background(), checkout, snap, "after submit")

	require.Len(t, vs, 3)
	require.Len(t, capturer.names, 1)

	path := vs[0].Screenshot
	assert.NotEmpty(t, path)
	levels := map[models.Severity]int{}
	for _, v := range vs {
		levels[v.Level]++
		assert.Equal(t, path, v.Screenshot)
		assert.Equal(t, fixed, v.Timestamp)
		assert.Equal(t, "after submit", v.Context)
		assert.Equal(t, "Checkout", v.Page)
	}
	assert.Equal(t, 2, levels[models.SeverityCritical])
	assert.Equal(t, 1, levels[models.SeverityWarning])

	assert.Len(t, sink.violations["p1"], 3)
	assert.Equal(t, []string{path}, sink.screenshots["p1"])
}

func TestEvaluateNoScreenshotForWarnings(t *testing.T) {
	capturer := &fakeCapturer{}
	e := New(config.DefaultThresholds(), capturer, nil)

	vs := e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(3100)}}, "load")
	require.Len(t, vs, 1)
	assert.Empty(t, vs[0].Screenshot)
	assert.Empty(t, capturer.names)
}

func TestEvaluateSwallowsCaptureFailure(t *testing.T) {
	capturer := &fakeCapturer{err: errors.New("target crashed")}
	sink := newFakeSink()
	e := New(config.DefaultThresholds(), capturer, sink)

	vs := e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(9000)}}, "load")
	require.Len(t, vs, 1)
	assert.Empty(t, vs[0].Screenshot)
	assert.Len(t, sink.violations["p1"], 1)
	assert.Empty(t, sink.screenshots["p1"])
}

func TestEvaluateLCPEscalation(t *testing.T) {
	capturer := &fakeCapturer{}
	sink := newFakeSink()
	e := New(map[string]config.Threshold{"LCP": config.Bounds(2500, 4000, "ms")}, capturer, sink)

	vs := e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(3100)}}, "load")
	require.Len(t, vs, 1)
	assert.Equal(t, "LCP", vs[0].Metric)
	assert.Equal(t, models.SeverityWarning, vs[0].Level)
	assert.Equal(t, 3100.0, vs[0].Value)
	assert.Equal(t, 2500.0, vs[0].Threshold)
	assert.Equal(t, "ms", vs[0].Unit)

	vs = e.Evaluate(context.Background(), checkout, models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(4200)}}, "load")
	require.Len(t, vs, 1)
	assert.Equal(t, models.SeverityCritical, vs[0].Level)
	assert.Equal(t, 4200.0, vs[0].Value)
	assert.NotEmpty(t, vs[0].Screenshot)
	assert.Len(t, capturer.names, 1)
	assert.Len(t, sink.violations["p1"], 2)
}

func TestSetThresholdsSwapsAtomically(t *testing.T) {
	e := New(map[string]config.Threshold{"LCP": config.Bounds(2500, 4000, "")}, nil, nil)
	snap := models.PerformanceSnapshot{Vitals: models.WebVitals{LCP: ptr(3000)}}

	require.Len(t, e.Evaluate(context.Background(), checkout, snap, "a"), 1)

	e.SetThresholds(map[string]config.Threshold{"LCP": config.Bounds(3500, 5000, "")})
	assert.Empty(t, e.Evaluate(context.Background(), checkout, snap, "b"))
}

func TestValuesHeapInMegabytes(t *testing.T) {
	snap := models.PerformanceSnapshot{Memory: models.MemoryCounters{JSHeapUsed: ptr(300 * 1024 * 1024)}}
	v := Values(snap)
	require.NotNil(t, v["HeapUsedMB"])
	assert.Equal(t, 300.0, *v["HeapUsedMB"])
	assert.NotContains(t, v, "DOMNodes")
}
