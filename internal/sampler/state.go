package sampler

// State is the versioned structure returned by the in-page read() call.
// Times are milliseconds on the document's performance.now() clock.
type State struct {
	Version     int     `json:"version"`
	DocumentID  string  `json:"documentId"`
	Boundary    float64 `json:"boundary"`
	Rebaselines int     `json:"rebaselines"`
	Now         float64 `json:"now"`

	Navigation *NavigationEntry `json:"navigation"`

	Paints       []PaintEntry    `json:"paints"`
	LCP          []LCPEntry      `json:"lcp"`
	Shifts       []ShiftEntry    `json:"shifts"`
	LongTasks    []LongTaskEntry `json:"longTasks"`
	Interactions []Interaction   `json:"interactions"`
	FirstInput   *FirstInput     `json:"firstInput"`

	LastMutation     float64  `json:"lastMutation"`
	VisuallyComplete *float64 `json:"visuallyComplete"`
	FPS              *float64 `json:"fps"`

	Resources []ResourceEntry `json:"resources"`
	DOM       DOMEntry        `json:"dom"`
	Memory    *MemoryEntry    `json:"memory"`
	Errors    []string        `json:"errors"`
}

type NavigationEntry struct {
	StartTime        float64 `json:"startTime"`
	ResponseStart    float64 `json:"responseStart"`
	DOMContentLoaded float64 `json:"domContentLoaded"`
	LoadEventEnd     float64 `json:"loadEventEnd"`
	Type             string  `json:"type"`
}

type PaintEntry struct {
	Name      string  `json:"name"`
	StartTime float64 `json:"startTime"`
}

type LCPEntry struct {
	StartTime float64 `json:"startTime"`
	Size      float64 `json:"size"`
	Element   string  `json:"element"`
}

type ShiftEntry struct {
	Value          float64 `json:"value"`
	StartTime      float64 `json:"startTime"`
	HadRecentInput bool    `json:"hadRecentInput"`
}

type LongTaskEntry struct {
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Source    string  `json:"source"`
}

type Interaction struct {
	Name            string  `json:"name"`
	StartTime       float64 `json:"startTime"`
	ProcessingStart float64 `json:"processingStart"`
	Duration        float64 `json:"duration"`
	InteractionID   int64   `json:"interactionId"`
}

type FirstInput struct {
	StartTime       float64 `json:"startTime"`
	ProcessingStart float64 `json:"processingStart"`
}

type ResourceEntry struct {
	URL          string  `json:"url"`
	Initiator    string  `json:"initiator"`
	StartTime    float64 `json:"startTime"`
	Duration     float64 `json:"duration"`
	TransferSize int64   `json:"transferSize"`
	DecodedSize  int64   `json:"decodedSize"`
}

type DOMEntry struct {
	NodeCount     int `json:"nodeCount"`
	MaxDepth      int `json:"maxDepth"`
	HeavyElements []struct {
		Selector string `json:"selector"`
		Children int    `json:"children"`
	} `json:"heavyElements"`
}

type MemoryEntry struct {
	JSHeapUsed  float64 `json:"jsHeapUsed"`
	JSHeapTotal float64 `json:"jsHeapTotal"`
	JSHeapLimit float64 `json:"jsHeapLimit"`
}

// installResult is returned by the instrumentation script and the marker query
type installResult struct {
	Installed  bool     `json:"installed"`
	Version    int      `json:"version"`
	DocumentID string   `json:"documentId"`
	Errors     []string `json:"errors"`
}

// Boundary identifies the logical page start within one document
type Boundary struct {
	DocumentID string
	At         float64
}
