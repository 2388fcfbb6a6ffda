package threshold

import "github.com/shehryarbajwa/pagepulse/pkg/models"

// Values extracts the metrics thresholds can be configured for. Nil entries
// are unknown and never produce a violation.
func Values(snap models.PerformanceSnapshot) map[string]*float64 {
	cls := snap.Vitals.CLS
	tbt := snap.TotalBlockingTime
	nodes := float64(snap.DOM.NodeCount)
	depth := float64(snap.DOM.MaxDepth)
	failed := float64(snap.Network.FailedCount + snap.Network.ErrorCount)

	values := map[string]*float64{
		"LCP":              snap.Vitals.LCP,
		"FCP":              snap.Vitals.FCP,
		"CLS":              &cls,
		"FID":              snap.Vitals.FID,
		"INP":              snap.Vitals.INP,
		"TTFB":             snap.Vitals.TTFB,
		"TBT":              &tbt,
		"TTI":              snap.TTI,
		"FPS":              snap.FPS,
		"VisuallyComplete": snap.VisuallyComplete,
		"CPU":              snap.Runtime.CPUUsage,
		"LayoutsPerSec":    snap.Runtime.LayoutsPerSec,
		"FailedRequests":   &failed,
	}

	// A zero node count means the DOM was never read
	if snap.DOM.NodeCount > 0 {
		values["DOMNodes"] = &nodes
		values["DOMDepth"] = &depth
	}

	if heap := snap.Memory.JSHeapUsed; heap != nil {
		mb := *heap / (1024 * 1024)
		values["HeapUsedMB"] = &mb
	}

	return values
}
