package models

import "time"

// ThresholdViolation is a metric crossing a configured bound in one evaluation
type ThresholdViolation struct {
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Level      Severity  `json:"level"`
	Unit       string    `json:"unit"`
	Message    string    `json:"message"`
	Context    string    `json:"context"`
	Page       string    `json:"page"`
	Timestamp  time.Time `json:"timestamp"`
	Screenshot string    `json:"screenshot,omitempty"`
}
