// Package tracker decides where logical pages begin and end and owns the
// page ledger.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/pagepulse/internal/cdp"
	"github.com/shehryarbajwa/pagepulse/internal/threshold"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// ErrNoOpenPage is returned by operations that need an open page
var ErrNoOpenPage = errors.New("no page open")

// State is the boundary state machine
type State int

const (
	NoPageOpen State = iota
	PageOpen
	PageClosing
)

func (s State) String() string {
	switch s {
	case PageOpen:
		return "page-open"
	case PageClosing:
		return "page-closing"
	}
	return "no-page-open"
}

// Sampler is the in-page side of a snapshot
type Sampler interface {
	Rebaseline(ctx context.Context) error
	Snapshot(ctx context.Context) (models.PerformanceSnapshot, error)
}

// Counters is the browser-counter side of a snapshot
type Counters interface {
	Rebaseline(ctx context.Context)
	Delta(ctx context.Context) (models.RuntimeCounters, models.MemoryCounters)
}

// Locator reports the URL currently loaded in the tab
type Locator interface {
	CurrentURL(ctx context.Context) (string, error)
}

// Evaluator checks a snapshot and records violations
type Evaluator interface {
	Evaluate(ctx context.Context, target threshold.Target, snap models.PerformanceSnapshot, label string) []models.ThresholdViolation
}

// EventKind tells subscribers what happened to a page
type EventKind string

const (
	EventOpened EventKind = "page_opened"
	EventClosed EventKind = "page_closed"
)

// PageEvent is published on every boundary
type PageEvent struct {
	Kind EventKind         `json:"kind"`
	Page models.PageRecord `json:"page"`
}

// Deps are the collaborators of a tracker; any of them may be nil
type Deps struct {
	Ledger    *Ledger
	Sampler   Sampler
	Counters  Counters
	Locator   Locator
	Evaluator Evaluator
	Events    cdp.Sequencer
	Device    models.DeviceProfile
	Timeout   time.Duration
}

// Tracker opens and closes logical pages
type Tracker struct {
	deps Deps

	mu      sync.Mutex
	state   State
	current *models.PageRecord

	subsMu sync.RWMutex
	subs   map[string]chan PageEvent
}

// New creates a tracker in the no-page-open state
func New(deps Deps) *Tracker {
	if deps.Ledger == nil {
		deps.Ledger = NewLedger()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	return &Tracker{
		deps: deps,
		subs: make(map[string]chan PageEvent),
	}
}

// Ledger returns the page ledger
func (t *Tracker) Ledger() *Ledger {
	return t.deps.Ledger
}

// CurrentPageID returns the open page, or "" when none is open
func (t *Tracker) CurrentPageID() string {
	return t.deps.Ledger.CurrentPageID()
}

// PageAt implements network.PageLocator
func (t *Tracker) PageAt(seq uint64) string {
	return t.deps.Ledger.PageAt(seq)
}

// received is read after a browser round trip, so it covers every event the
// browser emitted before the boundary
func (t *Tracker) received() uint64 {
	if t.deps.Events == nil {
		return 0
	}
	return t.deps.Events.Received()
}

// State returns the current boundary state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OpenPage starts a new logical page, closing the open one first. An empty
// url defaults to the URL currently loaded in the tab.
func (t *Tracker) OpenPage(ctx context.Context, name, url string) (models.PageRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == PageOpen {
		t.closeLocked(ctx)
	}

	if url == "" && t.deps.Locator != nil {
		qctx, cancel := context.WithTimeout(ctx, t.deps.Timeout)
		current, err := t.deps.Locator.CurrentURL(qctx)
		cancel()
		if err != nil {
			log.Printf("⚠️  Failed to read current URL for page %q: %v", name, err)
		}
		url = current
	}

	t.rebaselineLocked(ctx)
	seq := t.received()

	rec := &models.PageRecord{
		ID:        uuid.New().String(),
		Name:      name,
		URL:       url,
		Device:    t.deps.Device.Label,
		StartTime: time.Now(),
	}
	t.deps.Ledger.add(rec, seq)
	t.current = rec
	t.state = PageOpen

	log.Printf("✓ Page %d opened: %s (%s)", rec.Index, name, url)

	opened, _ := t.deps.Ledger.Page(rec.Index)
	t.publish(PageEvent{Kind: EventOpened, Page: opened})
	return opened, nil
}

// ClosePage finalizes the open page. Closing when no page is open is a no-op
// and returns ErrNoOpenPage.
func (t *Tracker) ClosePage(ctx context.Context) (models.PageRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != PageOpen {
		return models.PageRecord{}, ErrNoOpenPage
	}
	return t.closeLocked(ctx), nil
}

// Checkpoint evaluates the open page's metrics so far without closing it
func (t *Tracker) Checkpoint(ctx context.Context, label string) ([]models.ThresholdViolation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != PageOpen {
		return nil, ErrNoOpenPage
	}

	snap := t.snapshotLocked(ctx)
	if label == "" {
		label = t.current.Name
	}
	return t.evaluateLocked(ctx, snap, label), nil
}

func (t *Tracker) closeLocked(ctx context.Context) models.PageRecord {
	rec := t.current
	t.state = PageClosing

	snap := t.snapshotLocked(ctx)
	t.deps.Ledger.finalize(rec.ID, snap, time.Now(), t.received())
	t.evaluateLocked(ctx, snap, rec.Name)
	t.rebaselineLocked(ctx)

	t.current = nil
	t.state = NoPageOpen

	closed, _ := t.deps.Ledger.Page(rec.Index)
	log.Printf("✓ Page %d closed: %s (%d requests, %d violations)",
		closed.Index, closed.Name, len(closed.Requests), len(closed.Violations))

	t.publish(PageEvent{Kind: EventClosed, Page: closed})
	return closed
}

// snapshotLocked merges the in-page snapshot with the counter delta. Either
// side failing leaves its metrics unknown.
func (t *Tracker) snapshotLocked(ctx context.Context) models.PerformanceSnapshot {
	snap := models.PerformanceSnapshot{CapturedAt: time.Now()}

	if t.deps.Sampler != nil {
		s, err := t.deps.Sampler.Snapshot(ctx)
		if err != nil {
			log.Printf("⚠️  In-page metrics unavailable for %q: %v", t.current.Name, err)
			snap.Errors = append(snap.Errors, fmt.Sprintf("sampler: %v", err))
		} else {
			snap = s
		}
	}

	if t.deps.Counters != nil {
		rc, mem := t.deps.Counters.Delta(ctx)
		snap.Runtime = rc
		if snap.Memory.JSHeapUsed == nil {
			snap.Memory.JSHeapUsed = mem.JSHeapUsed
		}
		if snap.Memory.JSHeapTotal == nil {
			snap.Memory.JSHeapTotal = mem.JSHeapTotal
		}
		if snap.Memory.JSHeapLimit == nil {
			snap.Memory.JSHeapLimit = mem.JSHeapLimit
		}
	}

	snap.Network = t.deps.Ledger.Summary(t.current.ID)
	return snap
}

func (t *Tracker) evaluateLocked(ctx context.Context, snap models.PerformanceSnapshot, label string) []models.ThresholdViolation {
	if t.deps.Evaluator == nil {
		return nil
	}
	target := threshold.Target{PageID: t.current.ID, PageName: t.current.Name}
	return t.deps.Evaluator.Evaluate(ctx, target, snap, label)
}

func (t *Tracker) rebaselineLocked(ctx context.Context) {
	if t.deps.Sampler != nil {
		if err := t.deps.Sampler.Rebaseline(ctx); err != nil {
			log.Printf("⚠️  Failed to rebaseline in-page metrics: %v", err)
		}
	}
	if t.deps.Counters != nil {
		t.deps.Counters.Rebaseline(ctx)
	}
}

// Consume appends finalized requests to the page they started under until
// the feed closes or ctx is done
func (t *Tracker) Consume(ctx context.Context, feed <-chan models.NetworkRequestRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-feed:
			if !ok {
				return
			}
			t.deps.Ledger.AppendRequest(req)
		}
	}
}

// Subscribe returns a feed of page boundary events
func (t *Tracker) Subscribe(buffer int) (<-chan PageEvent, func()) {
	id := uuid.New().String()
	ch := make(chan PageEvent, buffer)

	t.subsMu.Lock()
	t.subs[id] = ch
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			close(ch)
			t.subsMu.Unlock()
		})
	}
}

func (t *Tracker) publish(ev PageEvent) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("⚠️  Page event buffer full, dropping %s", ev.Kind)
		}
	}
}
