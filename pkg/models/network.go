package models

import "time"

// RequestStatus is the lifecycle state of a network request
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCanceled  RequestStatus = "canceled"
)

// Classification is the error class assigned to a finished request
type Classification string

const (
	ClassNone         Classification = "none"
	ClassNetworkError Classification = "network_error"
	ClassServerError  Classification = "server_error"
	ClassClientError  Classification = "client_error"
	ClassAPIError     Classification = "api_error"
)

// Severity is shared by request classifications and threshold violations
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// NetworkRequestRecord is one request observed on the inspection channel
type NetworkRequestRecord struct {
	RequestID    string        `json:"requestId"`
	URL          string        `json:"url"`
	Method       string        `json:"method"`
	ResourceType string        `json:"resourceType"`
	Status       RequestStatus `json:"status"`
	StartedAt    time.Time     `json:"startedAt"`
	RespondedAt  *time.Time    `json:"respondedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	DurationMs   float64       `json:"durationMs"`

	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	StatusCode      int               `json:"statusCode,omitempty"`
	StatusText      string            `json:"statusText,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	MimeType        string            `json:"mimeType,omitempty"`
	EncodedSize     int64             `json:"encodedSize"`

	// ResponseBody holds the parsed JSON document, or the raw text when parsing failed
	ResponseBody any    `json:"responseBody,omitempty"`
	ErrorText    string `json:"errorText,omitempty"`

	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity,omitempty"`
	Detail         string         `json:"detail,omitempty"`

	// PageID is the page that was open when the request started
	PageID string `json:"pageId,omitempty"`
}

// Finalized reports whether the record reached a terminal status
func (r *NetworkRequestRecord) Finalized() bool {
	return r.Status == RequestCompleted || r.Status == RequestFailed || r.Status == RequestCanceled
}

// NetworkSummary aggregates the requests attributed to one page
type NetworkSummary struct {
	RequestCount int   `json:"requestCount"`
	FailedCount  int   `json:"failedCount"`
	ErrorCount   int   `json:"errorCount"`
	TransferSize int64 `json:"transferSize"`
}
