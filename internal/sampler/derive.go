package sampler

import (
	"math"
	"sort"
	"time"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

const (
	// LongTaskThreshold is the main-thread budget above which time counts as blocking
	LongTaskThreshold = 50.0
	// TTIQuietWindow is how long the page must go without a long task
	TTIQuietWindow = 5000.0
	// TTICap forces acceptance of the TTI candidate
	TTICap = 30000.0
)

// effectiveBoundary returns the boundary that applies to state. A state from a
// different document than the last rebaseline belongs to a fresh load and uses
// the document's own boundary.
func effectiveBoundary(state *State, b Boundary) float64 {
	if b.DocumentID != "" && b.DocumentID == state.DocumentID {
		return math.Max(state.Boundary, b.At)
	}
	return state.Boundary
}

// IsSPA reports whether the page was reached without a native navigation entry
// covering the boundary.
func IsSPA(nav *NavigationEntry, boundary float64) bool {
	if nav == nil {
		return true
	}
	return boundary > nav.StartTime
}

// TimeToInteractive returns max(fcp, end of the last long task) once the page
// has gone TTIQuietWindow without a new long task, or once TTICap has passed
// since the boundary. All arguments are absolute document times.
func TimeToInteractive(fcp float64, tasks []models.LongTask, boundary, now float64) (float64, bool) {
	lastEnd := boundary
	for _, t := range tasks {
		if end := t.StartTime + t.Duration; end > lastEnd {
			lastEnd = end
		}
	}

	candidate := math.Max(fcp, lastEnd)
	if now-lastEnd >= TTIQuietWindow || now-boundary >= TTICap {
		return candidate, true
	}
	return 0, false
}

// INP picks the 98th percentile interaction latency, which for fewer than 50
// interactions is the worst one.
func INP(durations []float64) (float64, bool) {
	if len(durations) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), durations...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	idx := len(sorted) / 50
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}

func ptr(v float64) *float64 {
	return &v
}

// Derive converts raw in-page state into a snapshot for the logical page that
// starts at b. Entries older than the boundary are dropped even if the
// in-page reset did not run.
func Derive(state *State, b Boundary) models.PerformanceSnapshot {
	boundary := effectiveBoundary(state, b)
	spa := IsSPA(state.Navigation, boundary)
	rel := func(v float64) float64 { return math.Max(0, v-boundary) }

	snap := models.PerformanceSnapshot{
		CapturedAt: time.Now(),
		SPA:        spa,
		LongTasks:  []models.LongTask{},
		Resources:  []models.ResourceTiming{},
		FPS:        state.FPS,
		Errors:     state.Errors,
	}

	fcpAbs := boundary
	if !spa {
		for _, p := range state.Paints {
			if p.Name == "first-contentful-paint" {
				snap.Vitals.FCP = ptr(rel(p.StartTime))
				fcpAbs = p.StartTime
			}
		}
		if nav := state.Navigation; nav != nil && nav.ResponseStart > 0 {
			snap.Vitals.TTFB = ptr(nav.ResponseStart - nav.StartTime)
		}
	}

	for _, l := range state.LCP {
		if l.StartTime >= boundary {
			snap.Vitals.LCP = ptr(rel(l.StartTime))
		}
	}

	for _, sh := range state.Shifts {
		if sh.StartTime >= boundary && !sh.HadRecentInput {
			snap.Vitals.CLS += sh.Value
		}
	}
	snap.Vitals.CLS = math.Round(snap.Vitals.CLS*10000) / 10000

	var tasks []models.LongTask
	for _, t := range state.LongTasks {
		if t.StartTime < boundary {
			continue
		}
		tasks = append(tasks, models.LongTask{StartTime: t.StartTime, Duration: t.Duration, Source: t.Source})
		snap.LongTasks = append(snap.LongTasks, models.LongTask{StartTime: rel(t.StartTime), Duration: t.Duration, Source: t.Source})
		if t.StartTime >= fcpAbs {
			snap.TotalBlockingTime += math.Max(0, t.Duration-LongTaskThreshold)
		}
	}

	var latencies []float64
	var firstDelay *float64
	for _, in := range state.Interactions {
		if in.StartTime < boundary {
			continue
		}
		latencies = append(latencies, in.Duration)
		if firstDelay == nil {
			firstDelay = ptr(math.Max(0, in.ProcessingStart-in.StartTime))
		}
	}
	if fi := state.FirstInput; fi != nil && fi.StartTime >= boundary {
		snap.Vitals.FID = ptr(math.Max(0, fi.ProcessingStart-fi.StartTime))
	} else {
		snap.Vitals.FID = firstDelay
	}
	if v, ok := INP(latencies); ok {
		snap.Vitals.INP = ptr(v)
	}

	if tti, ok := TimeToInteractive(fcpAbs, tasks, boundary, state.Now); ok {
		snap.TTI = ptr(rel(tti))
	}
	if vc := state.VisuallyComplete; vc != nil && *vc >= boundary {
		snap.VisuallyComplete = ptr(rel(*vc))
	}

	for _, r := range state.Resources {
		if r.StartTime < boundary {
			continue
		}
		snap.Resources = append(snap.Resources, models.ResourceTiming{
			URL:          r.URL,
			Initiator:    r.Initiator,
			StartTime:    rel(r.StartTime),
			Duration:     r.Duration,
			TransferSize: r.TransferSize,
			DecodedSize:  r.DecodedSize,
		})
	}

	snap.DOM = models.DOMStats{NodeCount: state.DOM.NodeCount, MaxDepth: state.DOM.MaxDepth}
	for _, h := range state.DOM.HeavyElements {
		snap.DOM.HeavyElements = append(snap.DOM.HeavyElements, models.HeavyElement{Selector: h.Selector, Children: h.Children})
	}

	if m := state.Memory; m != nil {
		snap.Memory = models.MemoryCounters{
			JSHeapUsed:  ptr(m.JSHeapUsed),
			JSHeapTotal: ptr(m.JSHeapTotal),
			JSHeapLimit: ptr(m.JSHeapLimit),
		}
	}

	return snap
}
