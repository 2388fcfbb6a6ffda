package models

import "time"

// LongTask is a main-thread task longer than 50ms
type LongTask struct {
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Source    string  `json:"source,omitempty"`
}

// ResourceTiming is a resource loaded after the page boundary
type ResourceTiming struct {
	URL          string  `json:"url"`
	Initiator    string  `json:"initiator"`
	StartTime    float64 `json:"startTime"`
	Duration     float64 `json:"duration"`
	TransferSize int64   `json:"transferSize"`
	DecodedSize  int64   `json:"decodedSize"`
}

// HeavyElement is an element with an unusually large number of children
type HeavyElement struct {
	Selector string `json:"selector"`
	Children int    `json:"children"`
}

// DOMStats describes the document at snapshot time
type DOMStats struct {
	NodeCount     int            `json:"nodeCount"`
	MaxDepth      int            `json:"maxDepth"`
	HeavyElements []HeavyElement `json:"heavyElements,omitempty"`
}

// MemoryCounters holds heap sizes in bytes. Nil fields are unknown
type MemoryCounters struct {
	JSHeapUsed  *float64 `json:"jsHeapUsed,omitempty"`
	JSHeapTotal *float64 `json:"jsHeapTotal,omitempty"`
	JSHeapLimit *float64 `json:"jsHeapLimit,omitempty"`
}

// WebVitals are reported in milliseconds relative to the page boundary, except CLS.
// A nil value means the signal was not observed
type WebVitals struct {
	LCP  *float64 `json:"lcp"`
	FCP  *float64 `json:"fcp"`
	CLS  float64  `json:"cls"`
	FID  *float64 `json:"fid"`
	INP  *float64 `json:"inp"`
	TTFB *float64 `json:"ttfb"`
}

// RuntimeCounters are derived from the browser's performance counters since the last rebaseline.
// Nil means unknown, never zero
type RuntimeCounters struct {
	Nodes              *float64 `json:"nodes"`
	JSEventListeners   *float64 `json:"jsEventListeners"`
	LayoutsPerSec      *float64 `json:"layoutsPerSec"`
	StyleRecalcsPerSec *float64 `json:"styleRecalcsPerSec"`
	CPUUsage           *float64 `json:"cpuUsage"`
	ScriptDurationMs   *float64 `json:"scriptDurationMs"`
	TaskDurationMs     *float64 `json:"taskDurationMs"`
	LayoutDurationMs   *float64 `json:"layoutDurationMs"`
	PeakJSHeapUsed     *float64 `json:"peakJsHeapUsed"`
	ElapsedSec         float64  `json:"elapsedSec"`
}

// PerformanceSnapshot merges in-page state with browser counters for one logical page
type PerformanceSnapshot struct {
	CapturedAt        time.Time        `json:"capturedAt"`
	SPA               bool             `json:"spa"`
	Vitals            WebVitals        `json:"vitals"`
	LongTasks         []LongTask       `json:"longTasks"`
	TotalBlockingTime float64          `json:"totalBlockingTime"`
	TTI               *float64         `json:"tti"`
	VisuallyComplete  *float64         `json:"visuallyComplete"`
	FPS               *float64         `json:"fps"`
	Resources         []ResourceTiming `json:"resources"`
	DOM               DOMStats         `json:"dom"`
	Memory            MemoryCounters   `json:"memory"`
	Runtime           RuntimeCounters  `json:"runtime"`
	Network           NetworkSummary   `json:"network"`
	Errors            []string         `json:"errors,omitempty"`
}

// PageRecord is the ledger entry for one logical page
type PageRecord struct {
	ID        string     `json:"id"`
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Device    string     `json:"device"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`

	Snapshot    *PerformanceSnapshot   `json:"snapshot"`
	Requests    []NetworkRequestRecord `json:"requests"`
	Violations  []ThresholdViolation   `json:"violations"`
	Screenshots []string               `json:"screenshots"`
}

// Open reports whether the page has not been closed yet
func (p *PageRecord) Open() bool {
	return p.EndTime == nil
}
