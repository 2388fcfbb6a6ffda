// Package metrics polls the browser's out-of-process performance counters.
package metrics

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/performance"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/pagepulse/internal/cdp"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Options controls polling
type Options struct {
	SampleInterval time.Duration
	QueryTimeout   time.Duration
}

// Bridge reads Performance domain counters for one tab
type Bridge struct {
	caller cdp.Caller
	opts   Options

	mu        sync.RWMutex
	available bool
	baseline  Counters
	latest    Counters
	peakHeap  *float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge over an inspection channel
func NewBridge(caller cdp.Caller, opts Options) *Bridge {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	return &Bridge{caller: caller, opts: opts}
}

// Start enables the counter feed and begins periodic polling. When the
// domain cannot be enabled the bridge keeps running in degraded mode and
// every read returns empty counters.
func (b *Bridge) Start(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, b.opts.QueryTimeout)
	err := b.caller.Call(qctx, performance.CommandEnable, performance.Enable(), nil)
	cancel()

	b.mu.Lock()
	b.available = err == nil
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to enable performance counters: %w", err)
	}

	pollCtx, stop := context.WithCancel(ctx)
	b.cancel = stop
	b.done = make(chan struct{})
	go b.poll(pollCtx)

	return nil
}

// Stop ends polling
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

// Available reports whether the counter feed could be enabled
func (b *Bridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.available
}

func (b *Bridge) poll(ctx context.Context) {
	defer close(b.done)

	limiter := rate.NewLimiter(rate.Every(b.opts.SampleInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		c := b.Snapshot(ctx)
		if c.Empty() {
			continue
		}

		b.mu.Lock()
		b.latest = c
		if v, ok := c.Get(CounterHeapUsed); ok && (b.peakHeap == nil || v > *b.peakHeap) {
			b.peakHeap = ptr(v)
		}
		b.mu.Unlock()
	}
}

// Snapshot fetches raw counters. Failures yield empty counters
func (b *Bridge) Snapshot(ctx context.Context) Counters {
	if !b.Available() {
		return Counters{}
	}

	qctx, cancel := context.WithTimeout(ctx, b.opts.QueryTimeout)
	defer cancel()

	var res performance.GetMetricsReturns
	if err := b.caller.Call(qctx, performance.CommandGetMetrics, performance.GetMetrics(), &res); err != nil {
		if ctx.Err() == nil {
			log.Printf("⚠️ Metrics bridge: counter snapshot failed: %v", err)
		}
		return Counters{}
	}

	values := make(map[string]float64, len(res.Metrics))
	for _, m := range res.Metrics {
		if m != nil {
			values[m.Name] = m.Value
		}
	}
	return Counters{Values: values, TakenAt: time.Now()}
}

// Rebaseline stores the current counters as the reference for Delta
func (b *Bridge) Rebaseline(ctx context.Context) {
	c := b.Snapshot(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseline = c
	b.latest = c
	b.peakHeap = nil
	if v, ok := c.Get(CounterHeapUsed); ok {
		b.peakHeap = ptr(v)
	}
}

// Delta computes counters since the last Rebaseline. If a fresh read fails
// the last polled sample is used instead.
func (b *Bridge) Delta(ctx context.Context) (models.RuntimeCounters, models.MemoryCounters) {
	cur := b.Snapshot(ctx)

	b.mu.Lock()
	if cur.Empty() {
		cur = b.latest
	} else {
		b.latest = cur
		if v, ok := cur.Get(CounterHeapUsed); ok && (b.peakHeap == nil || v > *b.peakHeap) {
			b.peakHeap = ptr(v)
		}
	}
	base := b.baseline
	peak := b.peakHeap
	b.mu.Unlock()

	rc := Compute(base, cur)
	if peak != nil {
		rc.PeakJSHeapUsed = ptr(*peak)
	}
	return rc, Heap(cur)
}
