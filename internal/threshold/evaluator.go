// Package threshold turns performance snapshots into threshold violations.
package threshold

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Capturer takes an evidence screenshot and returns where it was stored
type Capturer interface {
	CaptureScreenshot(ctx context.Context, name string) (string, error)
}

// Sink receives the violations of each batch
type Sink interface {
	AppendViolations(pageID string, vs []models.ThresholdViolation)
	AttachScreenshot(pageID, path string)
}

// Target identifies the page a batch belongs to
type Target struct {
	PageID   string
	PageName string
}

// Evaluator checks snapshots against the configured thresholds
type Evaluator struct {
	thresholds atomic.Pointer[map[string]config.Threshold]
	capturer   Capturer
	sink       Sink
	timeout    time.Duration
	now        func() time.Time
}

// New creates an evaluator; capturer and sink may be nil
func New(thresholds map[string]config.Threshold, capturer Capturer, sink Sink) *Evaluator {
	e := &Evaluator{
		capturer: capturer,
		sink:     sink,
		timeout:  10 * time.Second,
		now:      time.Now,
	}
	e.SetThresholds(thresholds)
	return e
}

// SetThresholds swaps the threshold set; batches in progress keep the old one
func (e *Evaluator) SetThresholds(thresholds map[string]config.Threshold) {
	copied := make(map[string]config.Threshold, len(thresholds))
	for k, v := range thresholds {
		copied[k] = v
	}
	e.thresholds.Store(&copied)
}

// Thresholds returns the active threshold set
func (e *Evaluator) Thresholds() map[string]config.Threshold {
	return *e.thresholds.Load()
}

// Evaluate checks every configured metric of snap. All violations of the
// batch share one timestamp and label; when any is critical a single
// screenshot is captured and referenced by all of them.
func (e *Evaluator) Evaluate(ctx context.Context, target Target, snap models.PerformanceSnapshot, label string) []models.ThresholdViolation {
	thresholds := e.Thresholds()
	values := Values(snap)
	ts := e.now()

	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		violations []models.ThresholdViolation
		critical   bool
	)
	for _, name := range names {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}

		th := thresholds[name]
		level, bound, hit := Check(*v, th)
		if !hit {
			continue
		}
		if level == models.SeverityCritical {
			critical = true
		}

		violations = append(violations, models.ThresholdViolation{
			Metric:    name,
			Value:     *v,
			Threshold: bound,
			Level:     level,
			Unit:      th.Unit,
			Message:   message(name, *v, bound, level, th),
			Context:   label,
			Page:      target.PageName,
			Timestamp: ts,
		})
	}

	if len(violations) == 0 {
		return nil
	}

	if critical && e.capturer != nil {
		if path := e.capture(ctx, target, ts); path != "" {
			for i := range violations {
				violations[i].Screenshot = path
			}
			if e.sink != nil {
				e.sink.AttachScreenshot(target.PageID, path)
			}
		}
	}

	if e.sink != nil {
		e.sink.AppendViolations(target.PageID, violations)
	}

	for _, v := range violations {
		log.Printf("⚠️  [%s] %s", v.Level, v.Message)
	}
	return violations
}

// capture returns "" when the screenshot could not be taken
func (e *Evaluator) capture(ctx context.Context, target Target, ts time.Time) string {
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	name := fmt.Sprintf("%s-violation-%d", slug(target.PageName), ts.UnixMilli())
	path, err := e.capturer.CaptureScreenshot(qctx, name)
	if err != nil {
		log.Printf("⚠️  Failed to capture evidence screenshot: %v", err)
		return ""
	}
	return path
}

// Check compares value against th and returns the level and the bound crossed.
// A threshold missing either bound never fires.
func Check(value float64, th config.Threshold) (models.Severity, float64, bool) {
	if !th.Complete() {
		return models.SeverityNone, 0, false
	}
	warning, critical := *th.Warning, *th.Critical

	if th.Lower() {
		switch {
		case value <= critical:
			return models.SeverityCritical, critical, true
		case value <= warning:
			return models.SeverityWarning, warning, true
		}
		return models.SeverityNone, 0, false
	}

	switch {
	case value >= critical:
		return models.SeverityCritical, critical, true
	case value >= warning:
		return models.SeverityWarning, warning, true
	}
	return models.SeverityNone, 0, false
}

func message(name string, value, bound float64, level models.Severity, th config.Threshold) string {
	op := ">="
	if th.Lower() {
		op = "<="
	}
	return fmt.Sprintf("%s %s: %s%s %s %s threshold %s%s",
		name, level, format(value), th.Unit, op, level, format(bound), th.Unit)
}

func format(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.3f", v)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "page"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
}
