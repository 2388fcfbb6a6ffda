// Package config provides configuration for pagepulse.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Threshold is one metric's warning/critical bounds. A metric is only
// evaluated when both bounds are set.
type Threshold struct {
	Warning      *float64 `yaml:"warning" json:"warning"`
	Critical     *float64 `yaml:"critical" json:"critical"`
	Unit         string   `yaml:"unit" json:"unit"`
	LowerIsWorse bool     `yaml:"lowerIsWorse" json:"lowerIsWorse"`
}

// Bounds builds a threshold with both bounds set
func Bounds(warning, critical float64, unit string) Threshold {
	return Threshold{Warning: &warning, Critical: &critical, Unit: unit}
}

// Complete reports whether both bounds are set
func (t Threshold) Complete() bool {
	return t.Warning != nil && t.Critical != nil
}

// Lower reports whether smaller values are worse: either flagged explicitly,
// or inferred from a critical bound below the warning bound.
func (t Threshold) Lower() bool {
	if t.LowerIsWorse {
		return true
	}
	return t.Complete() && *t.Critical < *t.Warning
}

// thresholdFile is a threshold as written in YAML; absent keys keep the base value
type thresholdFile struct {
	Warning      *float64 `yaml:"warning"`
	Critical     *float64 `yaml:"critical"`
	Unit         *string  `yaml:"unit"`
	LowerIsWorse *bool    `yaml:"lowerIsWorse"`
}

func (f thresholdFile) over(base Threshold) Threshold {
	if f.Warning != nil {
		base.Warning = f.Warning
	}
	if f.Critical != nil {
		base.Critical = f.Critical
	}
	if f.Unit != nil {
		base.Unit = *f.Unit
	}
	if f.LowerIsWorse != nil {
		base.LowerIsWorse = *f.LowerIsWorse
	}
	return base
}

// URLRule is one entry of the network URL filter; exactly one field is set
type URLRule struct {
	Contains string `yaml:"contains"`
	Pattern  string `yaml:"pattern"`
	Expr     string `yaml:"expr"`
}

// NetworkConfig is the network capture surface
type NetworkConfig struct {
	CaptureBody        bool      `yaml:"captureBody"`
	MaxBodySize        int64     `yaml:"maxBodySize"`
	URLFilter          []URLRule `yaml:"urlFilter"`
	ResourceTypeFilter []string  `yaml:"resourceTypeFilter"`
	ExcludeExtensions  []string  `yaml:"excludeExtensions"`
}

// SamplingConfig tunes in-page sampling
type SamplingConfig struct {
	MobileOptimization bool          `yaml:"mobileOptimization"`
	SampleInterval     time.Duration `yaml:"sampleInterval"`
}

// PageTarget is a page visited by the CLI
type PageTarget struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config holds the full runtime configuration
type Config struct {
	// Browser
	CDPEndpoint     string
	LaunchContainer bool

	// Dashboard
	DashboardAddr string
	Hold          bool

	// Artifacts
	ArtifactsDir string

	// Timeouts
	QueryTimeout time.Duration
	SettleDelay  time.Duration
	PageTimeout  time.Duration

	// File-backed settings
	ConfigFile string
	Device     models.DeviceProfile
	Thresholds map[string]Threshold
	Network    NetworkConfig
	Sampling   SamplingConfig
	Pages      []PageTarget
}

type networkFile struct {
	CaptureBody        *bool     `yaml:"captureBody"`
	MaxBodySize        int64     `yaml:"maxBodySize"`
	URLFilter          []URLRule `yaml:"urlFilter"`
	ResourceTypeFilter []string  `yaml:"resourceTypeFilter"`
	ExcludeExtensions  []string  `yaml:"excludeExtensions"`
}

type samplingFile struct {
	MobileOptimization *bool         `yaml:"mobileOptimization"`
	SampleInterval     time.Duration `yaml:"sampleInterval"`
}

type fileConfig struct {
	Device     *models.DeviceProfile    `yaml:"device"`
	Thresholds map[string]thresholdFile `yaml:"thresholds"`
	Network    *networkFile             `yaml:"network"`
	Sampling   *samplingFile            `yaml:"sampling"`
	Pages      []PageTarget             `yaml:"pages"`
}

// Load loads configuration from environment variables and the optional YAML file
func Load() (*Config, error) {
	cfg := &Config{
		CDPEndpoint:     getEnv("PAGEPULSE_CDP_ENDPOINT", ""),
		LaunchContainer: getEnvBool("PAGEPULSE_LAUNCH", false),
		DashboardAddr:   getEnv("PAGEPULSE_DASHBOARD_ADDR", ":8080"),
		Hold:            getEnvBool("PAGEPULSE_HOLD", false),
		ArtifactsDir:    getEnv("PAGEPULSE_ARTIFACTS_DIR", "./artifacts"),
		QueryTimeout:    time.Duration(getEnvInt("PAGEPULSE_QUERY_TIMEOUT_MS", 5000)) * time.Millisecond,
		SettleDelay:     time.Duration(getEnvInt("PAGEPULSE_SETTLE_DELAY_MS", 500)) * time.Millisecond,
		PageTimeout:     time.Duration(getEnvInt("PAGEPULSE_PAGE_TIMEOUT_MS", 30000)) * time.Millisecond,
		ConfigFile:      getEnv("PAGEPULSE_CONFIG", ""),
		Device:          models.DesktopProfile,
		Thresholds:      DefaultThresholds(),
		Network:         DefaultNetwork(),
		Sampling: SamplingConfig{
			MobileOptimization: getEnvBool("PAGEPULSE_MOBILE_OPTIMIZATION", true),
			SampleInterval:     time.Duration(getEnvInt("PAGEPULSE_SAMPLE_INTERVAL_MS", 1000)) * time.Millisecond,
		},
	}

	if urls := getEnv("PAGEPULSE_PAGES", ""); urls != "" {
		for i, u := range strings.Split(urls, ",") {
			cfg.Pages = append(cfg.Pages, PageTarget{Name: fmt.Sprintf("page-%d", i+1), URL: strings.TrimSpace(u)})
		}
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.apply(data); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// apply overlays a YAML document on top of the current values
func (c *Config) apply(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Device != nil {
		c.Device = *fc.Device
	}
	c.Thresholds = mergeThresholds(c.Thresholds, fc.Thresholds)
	if fc.Network != nil {
		c.Network = mergeNetwork(c.Network, *fc.Network)
	}
	if fc.Sampling != nil {
		if fc.Sampling.MobileOptimization != nil {
			c.Sampling.MobileOptimization = *fc.Sampling.MobileOptimization
		}
		if fc.Sampling.SampleInterval > 0 {
			c.Sampling.SampleInterval = fc.Sampling.SampleInterval
		}
	}
	if len(fc.Pages) > 0 {
		c.Pages = fc.Pages
	}
	return nil
}

// LoadThresholds reads only the thresholds section of a config file, merged over the defaults
func LoadThresholds(path string) (map[string]Threshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return mergeThresholds(DefaultThresholds(), fc.Thresholds), nil
}

// mergeThresholds overlays file entries key by key on base
func mergeThresholds(base map[string]Threshold, over map[string]thresholdFile) map[string]Threshold {
	for name, f := range over {
		t := f.over(base[name])
		if !t.Complete() {
			log.Printf("⚠️  Threshold %s needs both warning and critical bounds, it will not be evaluated", name)
		}
		base[name] = t
	}
	return base
}

func mergeNetwork(base NetworkConfig, over networkFile) NetworkConfig {
	if over.CaptureBody != nil {
		base.CaptureBody = *over.CaptureBody
	}
	if over.MaxBodySize > 0 {
		base.MaxBodySize = over.MaxBodySize
	}
	if len(over.URLFilter) > 0 {
		base.URLFilter = over.URLFilter
	}
	if len(over.ResourceTypeFilter) > 0 {
		base.ResourceTypeFilter = over.ResourceTypeFilter
	}
	if len(over.ExcludeExtensions) > 0 {
		base.ExcludeExtensions = over.ExcludeExtensions
	}
	return base
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
