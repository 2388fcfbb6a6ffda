package config

// DefaultThresholds follows the published web-vitals "good / poor" boundaries
// where one exists.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		"LCP":              Bounds(2500, 4000, "ms"),
		"FCP":              Bounds(1800, 3000, "ms"),
		"CLS":              Bounds(0.1, 0.25, ""),
		"FID":              Bounds(100, 300, "ms"),
		"INP":              Bounds(200, 500, "ms"),
		"TTFB":             Bounds(800, 1800, "ms"),
		"TBT":              Bounds(200, 600, "ms"),
		"TTI":              Bounds(3800, 7300, "ms"),
		"FPS":              lowerIsWorse(Bounds(50, 30, "fps")),
		"DOMNodes":         Bounds(1500, 3000, "nodes"),
		"DOMDepth":         Bounds(32, 60, "levels"),
		"CPU":              Bounds(70, 90, "%"),
		"HeapUsedMB":       Bounds(100, 250, "MB"),
		"LayoutsPerSec":    Bounds(30, 60, "/s"),
		"FailedRequests":   Bounds(1, 5, "requests"),
		"VisuallyComplete": Bounds(3000, 6000, "ms"),
	}
}

func lowerIsWorse(t Threshold) Threshold {
	t.LowerIsWorse = true
	return t
}

// DefaultNetwork captures XHR/Fetch/Document traffic and skips static assets
func DefaultNetwork() NetworkConfig {
	return NetworkConfig{
		CaptureBody:        true,
		MaxBodySize:        1 << 20,
		ResourceTypeFilter: []string{"XHR", "Fetch", "Document"},
		ExcludeExtensions: []string{
			".js", ".mjs", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif",
			".ico", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".map", ".mp4", ".webm",
		},
	}
}
