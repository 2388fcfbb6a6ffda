package models

// DeviceProfile describes the emulated device for a test run
type DeviceProfile struct {
	Label             string  `json:"label" yaml:"label"`
	ViewportWidth     int     `json:"viewportWidth" yaml:"viewportWidth"`
	ViewportHeight    int     `json:"viewportHeight" yaml:"viewportHeight"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor" yaml:"deviceScaleFactor"`
	Mobile            bool    `json:"mobile" yaml:"mobile"`
}

// DesktopProfile is used when no device is configured
var DesktopProfile = DeviceProfile{
	Label:             "desktop",
	ViewportWidth:     1920,
	ViewportHeight:    1080,
	DeviceScaleFactor: 1,
}
