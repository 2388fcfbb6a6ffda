// Package sampler installs passive performance observers in the page under
// test and turns their output into per-page snapshots.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

var errNotInitialized = errors.New("sampler not initialized")

// Page is the subset of the inspection channel the sampler needs
type Page interface {
	Evaluate(ctx context.Context, expression string, out any) error
	AddScriptOnNewDocument(ctx context.Context, source string) error
}

// Options tunes sampling behaviour
type Options struct {
	MobileOptimization bool
	SampleInterval     time.Duration
	SettleDelay        time.Duration
	QueryTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.SampleInterval <= 0 {
		o.SampleInterval = time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	return o
}

// Sampler owns the in-page instrumentation for one tab
type Sampler struct {
	page Page
	opts Options

	mu         sync.Mutex
	source     string
	registered bool
	boundary   Boundary
}

// New creates a sampler; nothing is injected until Initialize
func New(page Page, opts Options) *Sampler {
	return &Sampler{
		page: page,
		opts: opts.withDefaults(),
	}
}

// Initialize injects the observers into the current document and registers
// them for every future document. Calling it again is a no-op when the
// in-page marker is already present. Individual observer failures are only logged.
func (s *Sampler) Initialize(ctx context.Context, device models.DeviceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.source = buildScript(scriptConfig{
		Version:        StateVersion,
		Key:            globalKey,
		Light:          device.Mobile && s.opts.MobileOptimization,
		SampleInterval: s.opts.SampleInterval.Milliseconds(),
		QuietWindow:    500,
		HeavyChildren:  60,
		MaxResources:   300,
	})

	if !s.registered {
		qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
		err := s.page.AddScriptOnNewDocument(qctx, s.source)
		cancel()
		if err != nil {
			log.Printf("⚠️ Sampler: could not register script for new documents: %v", err)
		} else {
			s.registered = true
		}
	}

	return s.ensureInstalledLocked(ctx)
}

func (s *Sampler) ensureInstalledLocked(ctx context.Context) error {
	if s.source == "" {
		return errNotInitialized
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var marker *installResult
	if err := s.page.Evaluate(qctx, markerExpr, &marker); err != nil {
		return fmt.Errorf("failed to query instrumentation marker: %w", err)
	}
	if marker != nil && marker.Version == StateVersion {
		return nil
	}

	var res installResult
	if err := s.page.Evaluate(qctx, s.source, &res); err != nil {
		return fmt.Errorf("failed to install instrumentation: %w", err)
	}
	for _, e := range res.Errors {
		log.Printf("⚠️ Sampler: %s", e)
	}
	return nil
}

// Rebaseline starts a new logical page: accumulators are cleared in-page and
// the returned boundary is remembered for filtering.
func (s *Sampler) Rebaseline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInstalledLocked(ctx); err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var res struct {
		Boundary   float64 `json:"boundary"`
		DocumentID string  `json:"documentId"`
	}
	if err := s.page.Evaluate(qctx, rebaselineExpr, &res); err != nil {
		return fmt.Errorf("failed to rebaseline: %w", err)
	}

	s.boundary = Boundary{DocumentID: res.DocumentID, At: res.Boundary}
	return nil
}

// ReadState returns the raw in-page state without side effects
func (s *Sampler) ReadState(ctx context.Context) (*State, error) {
	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var state State
	if err := s.page.Evaluate(qctx, readExpr, &state); err != nil {
		return nil, fmt.Errorf("failed to read sampler state: %w", err)
	}
	if state.Version != StateVersion {
		log.Printf("⚠️ Sampler: state version %d, expected %d", state.Version, StateVersion)
	}
	return &state, nil
}

// Boundary returns the boundary recorded by the last Rebaseline
func (s *Sampler) Boundary() Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundary
}

// Snapshot waits for the settle delay, reads the in-page state and derives
// the snapshot for the current logical page. If the document was replaced
// and lost its instrumentation, it is reinstalled and read once more.
func (s *Sampler) Snapshot(ctx context.Context) (models.PerformanceSnapshot, error) {
	if s.opts.SettleDelay > 0 {
		select {
		case <-time.After(s.opts.SettleDelay):
		case <-ctx.Done():
			return models.PerformanceSnapshot{}, ctx.Err()
		}
	}

	state, err := s.ReadState(ctx)
	if err != nil {
		s.mu.Lock()
		installErr := s.ensureInstalledLocked(ctx)
		s.mu.Unlock()
		if installErr != nil {
			return models.PerformanceSnapshot{}, err
		}
		if state, err = s.ReadState(ctx); err != nil {
			return models.PerformanceSnapshot{}, err
		}
	}

	return Derive(state, s.Boundary()), nil
}
