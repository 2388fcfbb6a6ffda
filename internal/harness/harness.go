// Package harness wires the samplers, the recorder, the tracker and the
// evaluator to one browser tab. It is the surface a test orchestrator calls.
package harness

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/pagepulse/internal/artifacts"
	"github.com/shehryarbajwa/pagepulse/internal/cdp"
	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/internal/metrics"
	"github.com/shehryarbajwa/pagepulse/internal/network"
	"github.com/shehryarbajwa/pagepulse/internal/sampler"
	"github.com/shehryarbajwa/pagepulse/internal/threshold"
	"github.com/shehryarbajwa/pagepulse/internal/tracker"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Channel is an open inspection channel to one tab
type Channel interface {
	cdp.Caller
	cdp.EventSource
}

// Harness monitors one tab for the lifetime of a run
type Harness struct {
	runID string
	cfg   *config.Config

	channel   Channel
	page      *cdp.Page
	sampler   *sampler.Sampler
	bridge    *metrics.Bridge
	recorder  *network.Recorder
	tracker   *tracker.Tracker
	evaluator *threshold.Evaluator
	store     *artifacts.Store
	camera    *artifacts.Camera
	watcher   *config.ThresholdWatcher
	loads     <-chan cdp.Event

	cancel    context.CancelFunc
	consumed  chan struct{}
	closeOnce sync.Once
	closer    func() error
}

// Attach connects to the browser at cfg.CDPEndpoint and starts monitoring its first tab
func Attach(ctx context.Context, cfg *config.Config, store *artifacts.Store) (*Harness, error) {
	discovery := cdp.NewDiscovery(cfg.CDPEndpoint)

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	version, err := discovery.WaitReady(readyCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	log.Printf("✓ Connected to %s (protocol %s)", version.Browser, version.ProtocolVersion)

	target, err := discovery.PageTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find a page target: %w", err)
	}

	conn, err := cdp.Dial(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		return nil, err
	}

	h, err := New(ctx, conn, cfg, store)
	if err != nil {
		conn.Close()
		return nil, err
	}
	h.closer = conn.Close
	return h, nil
}

// New starts monitoring over an already open channel. Only configuration
// errors are returned; instrumentation and counter failures degrade metrics
// to unknown.
func New(ctx context.Context, channel Channel, cfg *config.Config, store *artifacts.Store) (*Harness, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	h := &Harness{
		runID:    uuid.New().String(),
		cfg:      cfg,
		channel:  channel,
		page:     cdp.NewPage(channel),
		store:    store,
		cancel:   cancel,
		consumed: make(chan struct{}),
	}
	if store != nil {
		h.runID = store.RunID()
	}

	h.sampler = sampler.New(h.page, sampler.Options{
		MobileOptimization: cfg.Sampling.MobileOptimization,
		SampleInterval:     cfg.Sampling.SampleInterval,
		SettleDelay:        cfg.SettleDelay,
		QueryTimeout:       cfg.QueryTimeout,
	})
	h.bridge = metrics.NewBridge(channel, metrics.Options{
		SampleInterval: cfg.Sampling.SampleInterval,
		QueryTimeout:   cfg.QueryTimeout,
	})

	ledger := tracker.NewLedger()
	var capturer threshold.Capturer
	if store != nil {
		h.camera = artifacts.NewCamera(store, h.page)
		capturer = h.camera
	}
	h.evaluator = threshold.New(cfg.Thresholds, capturer, ledger)

	// a channel that numbers its events lets boundaries be ordered against them
	events, _ := channel.(cdp.Sequencer)

	h.tracker = tracker.New(tracker.Deps{
		Ledger:    ledger,
		Sampler:   h.sampler,
		Counters:  h.bridge,
		Locator:   h.page,
		Evaluator: h.evaluator,
		Events:    events,
		Device:    cfg.Device,
		Timeout:   cfg.QueryTimeout,
	})

	recorder, err := network.NewRecorder(channel, channel, h.tracker, network.Options{
		Network:      cfg.Network,
		QueryTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	h.recorder = recorder

	h.loads = channel.Subscribe(cdproto.EventPageLoadEventFired, 4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, cfg.QueryTimeout)
		defer cancel()
		if err := channel.Call(qctx, cdppage.CommandEnable, cdppage.Enable(), nil); err != nil {
			log.Printf("⚠️  Page events unavailable: %v", err)
		}
		if err := h.page.Emulate(qctx, cfg.Device); err != nil {
			log.Printf("⚠️  Failed to apply device profile %s: %v", cfg.Device.Label, err)
		}
		if err := h.sampler.Initialize(gctx, cfg.Device); err != nil {
			log.Printf("⚠️  In-page instrumentation unavailable: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.bridge.Start(runCtx); err != nil {
			log.Printf("⚠️  Browser counters unavailable: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.recorder.Start(runCtx); err != nil {
			log.Printf("⚠️  Network recording unavailable: %v", err)
		}
		return nil
	})
	_ = g.Wait()

	go func() {
		defer close(h.consumed)
		h.tracker.Consume(runCtx, h.recorder.Finalized())
	}()

	if cfg.ConfigFile != "" {
		w, err := config.WatchThresholds(cfg.ConfigFile, 500*time.Millisecond, func(th map[string]config.Threshold) {
			h.evaluator.SetThresholds(th)
			log.Printf("✓ Thresholds reloaded from %s", cfg.ConfigFile)
		})
		if err != nil {
			log.Printf("⚠️  Threshold hot-reload disabled: %v", err)
		} else {
			h.watcher = w
		}
	}

	log.Printf("✓ Monitoring run %s on %s", h.runID[:8], cfg.Device.Label)
	return h, nil
}

// RunID identifies this run
func (h *Harness) RunID() string {
	return h.runID
}

// OpenPage starts a logical page. An empty url defaults to the current one.
func (h *Harness) OpenPage(ctx context.Context, name, url string) models.PageRecord {
	rec, err := h.tracker.OpenPage(ctx, name, url)
	if err != nil {
		log.Printf("⚠️  Failed to open page %q: %v", name, err)
	}
	return rec
}

// ClosePage finalizes the open page; ok is false when none was open
func (h *Harness) ClosePage(ctx context.Context) (models.PageRecord, bool) {
	rec, err := h.tracker.ClosePage(ctx)
	if err != nil {
		return models.PageRecord{}, false
	}
	return rec, true
}

// Checkpoint evaluates the open page without closing it
func (h *Harness) Checkpoint(ctx context.Context, label string) []models.ThresholdViolation {
	vs, err := h.tracker.Checkpoint(ctx, label)
	if err != nil {
		log.Printf("⚠️  Checkpoint %q skipped: %v", label, err)
	}
	return vs
}

// Visit opens a page record for url, navigates there and waits for the load event
func (h *Harness) Visit(ctx context.Context, name, url string) models.PageRecord {
	rec := h.OpenPage(ctx, name, url)

	// drop load events of earlier documents
	for drained := false; !drained; {
		select {
		case _, ok := <-h.loads:
			drained = !ok
		default:
			drained = true
		}
	}

	if err := h.page.Navigate(ctx, url); err != nil {
		log.Printf("⚠️  Navigation to %s failed: %v", url, err)
		return rec
	}

	timeout := h.cfg.PageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-h.loads:
	case <-time.After(timeout):
		log.Printf("⚠️  %s did not fire load within %s", url, timeout)
	case <-ctx.Done():
	}
	return rec
}

// GetPageRecords returns every page record, open ones included
func (h *Harness) GetPageRecords() []models.PageRecord {
	return h.tracker.Ledger().Pages()
}

// GetPageRecord returns one page record by index
func (h *Harness) GetPageRecord(index int) (models.PageRecord, bool) {
	return h.tracker.Ledger().Page(index)
}

// GetViolations returns every violation of the run
func (h *Harness) GetViolations() []models.ThresholdViolation {
	return h.tracker.Ledger().Violations()
}

// AllRequests returns the full request log, including requests not of interest
func (h *Harness) AllRequests() []models.NetworkRequestRecord {
	return h.recorder.AllRequests()
}

// Thresholds returns the active thresholds
func (h *Harness) Thresholds() map[string]config.Threshold {
	return h.evaluator.Thresholds()
}

// SubscribeRequests streams finalized requests of interest
func (h *Harness) SubscribeRequests(buffer int) (<-chan models.NetworkRequestRecord, func()) {
	return h.recorder.Subscribe(buffer)
}

// SubscribePages streams page boundary events
func (h *Harness) SubscribePages(buffer int) (<-chan tracker.PageEvent, func()) {
	return h.tracker.Subscribe(buffer)
}

// CaptureScreenshot stores a screenshot of the tab and attaches it to the open page
func (h *Harness) CaptureScreenshot(ctx context.Context, name string) (string, error) {
	if h.camera == nil {
		return "", fmt.Errorf("no artifact store configured")
	}
	path, err := h.camera.CaptureScreenshot(ctx, name)
	if err != nil {
		return "", err
	}
	if id := h.tracker.CurrentPageID(); id != "" {
		h.tracker.Ledger().AttachScreenshot(id, path)
	}
	return path, nil
}

// Report is the JSON document written at the end of a run
type Report struct {
	RunID       string                        `json:"runId"`
	Device      models.DeviceProfile          `json:"device"`
	GeneratedAt time.Time                     `json:"generatedAt"`
	Pages       []models.PageRecord           `json:"pages"`
	Violations  []models.ThresholdViolation   `json:"violations"`
	Thresholds  map[string]config.Threshold   `json:"thresholds"`
	Requests    []models.NetworkRequestRecord `json:"allRequests,omitempty"`
}

// Report snapshots the run
func (h *Harness) Report() Report {
	return Report{
		RunID:       h.runID,
		Device:      h.cfg.Device,
		GeneratedAt: time.Now(),
		Pages:       h.GetPageRecords(),
		Violations:  h.GetViolations(),
		Thresholds:  h.Thresholds(),
		Requests:    h.AllRequests(),
	}
}

// WriteReport stores report.json and returns its path
func (h *Harness) WriteReport() (string, error) {
	if h.store == nil {
		return "", fmt.Errorf("no artifact store configured")
	}
	return h.store.WriteJSON("report", h.Report())
}

// Close finalizes the open page, drains in-flight requests and releases the channel
func (h *Harness) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		h.ClosePage(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if werr := h.recorder.Wait(waitCtx); werr != nil {
			log.Printf("⚠️  Abandoned in-flight body fetches: %v", werr)
		}
		cancel()

		h.recorder.Stop()
		<-h.consumed
		h.bridge.Stop()
		if h.watcher != nil {
			h.watcher.Stop()
		}
		h.cancel()

		if h.closer != nil {
			err = h.closer()
		}
	})
	return err
}
