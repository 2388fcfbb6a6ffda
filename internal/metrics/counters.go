package metrics

import (
	"math"
	"time"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Counter names reported by the browser's Performance domain
const (
	CounterTimestamp        = "Timestamp"
	CounterNodes            = "Nodes"
	CounterListeners        = "JSEventListeners"
	CounterLayoutCount      = "LayoutCount"
	CounterRecalcStyleCount = "RecalcStyleCount"
	CounterLayoutDuration   = "LayoutDuration"
	CounterScriptDuration   = "ScriptDuration"
	CounterTaskDuration     = "TaskDuration"
	CounterHeapUsed         = "JSHeapUsedSize"
	CounterHeapTotal        = "JSHeapTotalSize"
)

// Counters is one raw snapshot. A nil or empty Values map means the channel was unavailable
type Counters struct {
	Values  map[string]float64
	TakenAt time.Time
}

// Get returns a counter and whether it was reported
func (c Counters) Get(name string) (float64, bool) {
	v, ok := c.Values[name]
	return v, ok
}

// Empty reports whether no counters were collected
func (c Counters) Empty() bool {
	return len(c.Values) == 0
}

func ptr(v float64) *float64 {
	return &v
}

// elapsed prefers the browser's own monotonic Timestamp counter over wall time
func elapsed(base, cur Counters) float64 {
	if t0, ok := base.Get(CounterTimestamp); ok {
		if t1, ok := cur.Get(CounterTimestamp); ok {
			return math.Max(0, t1-t0)
		}
	}
	if base.TakenAt.IsZero() || cur.TakenAt.IsZero() {
		return 0
	}
	return math.Max(0, cur.TakenAt.Sub(base.TakenAt).Seconds())
}

// delta returns cur-base for a monotonically increasing counter, or false when either side is unknown
func delta(base, cur Counters, name string) (float64, bool) {
	b, ok := base.Get(name)
	if !ok {
		return 0, false
	}
	c, ok := cur.Get(name)
	if !ok {
		return 0, false
	}
	return math.Max(0, c-b), true
}

func perSecond(d, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return d / secs
}

// Compute derives rates since base. Missing counters stay nil so that an
// unavailable channel is never mistaken for an idle page.
func Compute(base, cur Counters) models.RuntimeCounters {
	var out models.RuntimeCounters
	if cur.Empty() {
		return out
	}

	secs := elapsed(base, cur)
	out.ElapsedSec = secs

	if v, ok := cur.Get(CounterNodes); ok {
		out.Nodes = ptr(v)
	}
	if v, ok := cur.Get(CounterListeners); ok {
		out.JSEventListeners = ptr(v)
	}

	if d, ok := delta(base, cur, CounterLayoutCount); ok {
		out.LayoutsPerSec = ptr(perSecond(d, secs))
	}
	if d, ok := delta(base, cur, CounterRecalcStyleCount); ok {
		out.StyleRecalcsPerSec = ptr(perSecond(d, secs))
	}
	if d, ok := delta(base, cur, CounterLayoutDuration); ok {
		out.LayoutDurationMs = ptr(d * 1000)
	}
	if d, ok := delta(base, cur, CounterTaskDuration); ok {
		out.TaskDurationMs = ptr(d * 1000)
	}
	if d, ok := delta(base, cur, CounterScriptDuration); ok {
		out.ScriptDurationMs = ptr(d * 1000)
		out.CPUUsage = ptr(clamp(perSecond(d, secs)*100, 0, 100))
	}

	return out
}

// Heap converts heap counters to memory counters
func Heap(cur Counters) models.MemoryCounters {
	var m models.MemoryCounters
	if v, ok := cur.Get(CounterHeapUsed); ok {
		m.JSHeapUsed = ptr(v)
	}
	if v, ok := cur.Get(CounterHeapTotal); ok {
		m.JSHeapTotal = ptr(v)
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
