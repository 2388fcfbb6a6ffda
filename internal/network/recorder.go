// Package network records request lifecycles from the inspection channel and
// classifies finished responses.
package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/pagepulse/internal/cdp"
	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// PageLocator resolves the page that was open when an event arrived
type PageLocator interface {
	PageAt(seq uint64) string
}

// Options controls capture
type Options struct {
	Network   config.NetworkConfig
	BodyRules []BodyRule

	EventBuffer     int
	FinalizedBuffer int
	LogSize         int

	// Body fetch limits
	BodyConcurrency int64
	BodyRate        rate.Limit
	QueryTimeout    time.Duration

	// Requests with no terminal event after StaleAfter are finalized as
	// canceled; their terminal event was lost or never comes.
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BodyRules == nil {
		o.BodyRules = DefaultBodyRules
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 512
	}
	if o.FinalizedBuffer <= 0 {
		o.FinalizedBuffer = 256
	}
	if o.LogSize <= 0 {
		o.LogSize = 5000
	}
	if o.BodyConcurrency <= 0 {
		o.BodyConcurrency = 4
	}
	if o.BodyRate <= 0 {
		o.BodyRate = 20
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

type inflight struct {
	rec         *models.NetworkRequestRecord
	startMono   time.Time
	seenAt      time.Time
	interesting bool
}

type streams struct {
	sent      <-chan cdp.Event
	responded <-chan cdp.Event
	finished  <-chan cdp.Event
	failed    <-chan cdp.Event
}

// Recorder tracks every request of one tab
type Recorder struct {
	caller  cdp.Caller
	events  cdp.EventSource
	filter  *Filter
	locator PageLocator
	opts    Options

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	fetches sync.WaitGroup

	mu       sync.Mutex
	requests map[string]*inflight
	all      []models.NetworkRequestRecord
	next     int

	subsMu sync.RWMutex
	subs   map[string]chan models.NetworkRequestRecord

	finalized chan models.NetworkRequestRecord
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewRecorder creates a recorder; events are consumed after Start
func NewRecorder(caller cdp.Caller, events cdp.EventSource, locator PageLocator, opts Options) (*Recorder, error) {
	opts = opts.withDefaults()

	filter, err := NewFilter(opts.Network)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		caller:    caller,
		events:    events,
		filter:    filter,
		locator:   locator,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.BodyConcurrency),
		limiter:   rate.NewLimiter(opts.BodyRate, int(opts.BodyConcurrency)),
		requests:  make(map[string]*inflight),
		subs:      make(map[string]chan models.NetworkRequestRecord),
		finalized: make(chan models.NetworkRequestRecord, opts.FinalizedBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Filter exposes the interest filter so callers can add predicates
func (r *Recorder) Filter() *Filter {
	return r.filter
}

// Start enables the Network domain and begins consuming lifecycle events
func (r *Recorder) Start(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	err := r.caller.Call(qctx, network.CommandEnable, network.Enable(), nil)
	cancel()
	if err != nil {
		close(r.done)
		close(r.finalized)
		return fmt.Errorf("failed to enable network events: %w", err)
	}

	s := streams{
		sent:      r.events.Subscribe(cdproto.EventNetworkRequestWillBeSent, r.opts.EventBuffer),
		responded: r.events.Subscribe(cdproto.EventNetworkResponseReceived, r.opts.EventBuffer),
		finished:  r.events.Subscribe(cdproto.EventNetworkLoadingFinished, r.opts.EventBuffer),
		failed:    r.events.Subscribe(cdproto.EventNetworkLoadingFailed, r.opts.EventBuffer),
	}

	go r.loop(ctx, s)
	return nil
}

// Stop ends event consumption and waits for pending body fetches. It must
// only be called after Start.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Finalized delivers every finalized request of interest, in finalization order.
// The channel is closed once the recorder stops.
func (r *Recorder) Finalized() <-chan models.NetworkRequestRecord {
	return r.finalized
}

// Subscribe returns a live feed of finalized requests of interest. Slow
// subscribers miss records rather than stall the recorder.
func (r *Recorder) Subscribe(buffer int) (<-chan models.NetworkRequestRecord, func()) {
	id := uuid.New().String()
	ch := make(chan models.NetworkRequestRecord, buffer)

	r.subsMu.Lock()
	r.subs[id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(ch)
			}
			r.subsMu.Unlock()
		})
	}
}

// Wait blocks until in-flight body fetches are done or ctx expires
func (r *Recorder) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		r.fetches.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllRequests returns the diagnostics log of every finalized request, oldest first
func (r *Recorder) AllRequests() []models.NetworkRequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.all) < r.opts.LogSize {
		out := make([]models.NetworkRequestRecord, len(r.all))
		copy(out, r.all)
		return out
	}

	out := make([]models.NetworkRequestRecord, 0, len(r.all))
	out = append(out, r.all[r.next:]...)
	out = append(out, r.all[:r.next]...)
	return out
}

// Pending returns the number of requests that have not finalized yet
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *Recorder) loop(ctx context.Context, s streams) {
	defer r.shutdown()

	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case now := <-sweep.C:
			r.sweepStale(ctx, now)
		case ev, ok := <-s.sent:
			if !ok {
				return
			}
			r.onRequest(ctx, ev)
		case ev, ok := <-s.responded:
			if !ok {
				return
			}
			r.drainStarts(ctx, s)
			r.onResponse(ev)
		case ev, ok := <-s.finished:
			if !ok {
				return
			}
			r.drainStarts(ctx, s)
			r.drainResponses(ctx, s)
			r.onFinished(ctx, ev)
		case ev, ok := <-s.failed:
			if !ok {
				return
			}
			r.drainStarts(ctx, s)
			r.drainResponses(ctx, s)
			r.onFailed(ctx, ev)
		}
	}
}

// drainStarts consumes queued start events. Events of one request are
// dispatched in protocol order, so a queued start always precedes any
// response or terminal event already picked from another stream.
func (r *Recorder) drainStarts(ctx context.Context, s streams) {
	for {
		select {
		case ev, ok := <-s.sent:
			if !ok {
				return
			}
			r.onRequest(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) drainResponses(ctx context.Context, s streams) {
	for {
		select {
		case ev, ok := <-s.responded:
			if !ok {
				return
			}
			r.drainStarts(ctx, s)
			r.onResponse(ev)
		default:
			return
		}
	}
}

// sweepStale finalizes requests whose terminal event never arrived
func (r *Recorder) sweepStale(ctx context.Context, now time.Time) {
	var stale []*inflight

	r.mu.Lock()
	for id, req := range r.requests {
		if now.Sub(req.seenAt) >= r.opts.StaleAfter {
			stale = append(stale, req)
			delete(r.requests, id)
		}
	}
	r.mu.Unlock()

	for _, req := range stale {
		log.Printf("⚠️  No completion event for %s %s, finalizing as canceled", req.rec.Method, req.rec.URL)
		req.rec.Status = models.RequestCanceled
		req.rec.ErrorText = "no completion event received"
		r.complete(ctx, req, time.Time{}, ParsedBody{})
	}
}

func (r *Recorder) shutdown() {
	r.fetches.Wait()
	close(r.finalized)

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()

	close(r.done)
}

func (r *Recorder) onRequest(ctx context.Context, ev cdp.Event) {
	var e network.EventRequestWillBeSent
	if err := json.Unmarshal(ev.Params, &e); err != nil {
		log.Printf("⚠️  Failed to decode %s: %v", ev.Method, err)
		return
	}
	if e.Request == nil {
		return
	}
	id := string(e.RequestID)

	pageID := ""
	if r.locator != nil {
		pageID = r.locator.PageAt(ev.Seq)
	}

	// A redirect reuses the request id; the previous hop ends here and the
	// next one stays with the page the chain started under
	if e.RedirectResponse != nil {
		r.mu.Lock()
		prev, ok := r.requests[id]
		if ok {
			delete(r.requests, id)
		}
		r.mu.Unlock()

		if ok {
			pageID = prev.rec.PageID
			applyResponse(prev, e.RedirectResponse, monoTime(e.Timestamp))
			prev.rec.Status = models.RequestCompleted
			r.complete(ctx, prev, monoTime(e.Timestamp), ParsedBody{})
		}
	}

	started := time.Now()
	if e.WallTime != nil {
		started = e.WallTime.Time()
	}

	info := RequestInfo{
		URL:          e.Request.URL,
		Method:       e.Request.Method,
		ResourceType: e.Type.String(),
	}

	rec := &models.NetworkRequestRecord{
		RequestID:      id,
		URL:            info.URL,
		Method:         info.Method,
		ResourceType:   info.ResourceType,
		Status:         models.RequestPending,
		StartedAt:      started,
		RequestHeaders: flattenHeaders(e.Request.Headers),
		Classification: models.ClassNone,
		PageID:         pageID,
	}

	r.mu.Lock()
	r.requests[id] = &inflight{
		rec:         rec,
		startMono:   monoTime(e.Timestamp),
		seenAt:      time.Now(),
		interesting: r.filter.Interesting(info),
	}
	r.mu.Unlock()
}

func (r *Recorder) onResponse(ev cdp.Event) {
	var e network.EventResponseReceived
	if err := json.Unmarshal(ev.Params, &e); err != nil {
		log.Printf("⚠️  Failed to decode %s: %v", ev.Method, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[string(e.RequestID)]
	if !ok || e.Response == nil {
		return
	}
	applyResponse(req, e.Response, monoTime(e.Timestamp))
	if req.rec.ResourceType == "" {
		req.rec.ResourceType = e.Type.String()
	}
}

func (r *Recorder) onFinished(ctx context.Context, ev cdp.Event) {
	var e network.EventLoadingFinished
	if err := json.Unmarshal(ev.Params, &e); err != nil {
		log.Printf("⚠️  Failed to decode %s: %v", ev.Method, err)
		return
	}

	req, ok := r.take(string(e.RequestID))
	if !ok {
		return
	}

	finishedAt := monoTime(e.Timestamp)
	req.rec.Status = models.RequestCompleted
	if e.EncodedDataLength > 0 {
		req.rec.EncodedSize = int64(e.EncodedDataLength)
	}

	if !r.wantsBody(req) {
		r.complete(ctx, req, finishedAt, ParsedBody{})
		return
	}

	r.fetches.Add(1)
	go func() {
		defer r.fetches.Done()
		body := r.fetchBody(ctx, req.rec.RequestID)
		r.complete(ctx, req, finishedAt, body)
	}()
}

func (r *Recorder) onFailed(ctx context.Context, ev cdp.Event) {
	var e network.EventLoadingFailed
	if err := json.Unmarshal(ev.Params, &e); err != nil {
		log.Printf("⚠️  Failed to decode %s: %v", ev.Method, err)
		return
	}

	req, ok := r.take(string(e.RequestID))
	if !ok {
		return
	}

	req.rec.ErrorText = e.ErrorText
	if e.Canceled {
		req.rec.Status = models.RequestCanceled
	} else {
		req.rec.Status = models.RequestFailed
	}
	r.complete(ctx, req, monoTime(e.Timestamp), ParsedBody{})
}

func (r *Recorder) take(id string) (*inflight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if ok {
		delete(r.requests, id)
	}
	return req, ok
}

func (r *Recorder) wantsBody(req *inflight) bool {
	cfg := r.opts.Network
	if !cfg.CaptureBody || !req.interesting {
		return false
	}
	if !textualMime(req.rec.MimeType) {
		return false
	}
	if cfg.MaxBodySize > 0 && req.rec.EncodedSize >= cfg.MaxBodySize {
		return false
	}
	return true
}

// fetchBody returns an empty body on any failure
func (r *Recorder) fetchBody(ctx context.Context, id string) ParsedBody {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return ParsedBody{}
	}
	defer r.sem.Release(1)

	if err := r.limiter.Wait(ctx); err != nil {
		return ParsedBody{}
	}

	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()

	var res network.GetResponseBodyReturns
	if err := r.caller.Call(qctx, network.CommandGetResponseBody, network.GetResponseBody(network.RequestID(id)), &res); err != nil {
		return ParsedBody{}
	}

	raw := res.Body
	if res.Base64encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return ParsedBody{}
		}
		raw = string(decoded)
	}
	return ParseBody(raw)
}

// complete classifies, logs and emits a finalized record
func (r *Recorder) complete(ctx context.Context, req *inflight, finishedAt time.Time, body ParsedBody) {
	rec := req.rec

	if !req.startMono.IsZero() && !finishedAt.IsZero() {
		d := finishedAt.Sub(req.startMono)
		end := rec.StartedAt.Add(d)
		rec.FinishedAt = &end
		rec.DurationMs = float64(d) / float64(time.Millisecond)
	} else {
		end := time.Now()
		rec.FinishedAt = &end
		rec.DurationMs = float64(end.Sub(rec.StartedAt)) / float64(time.Millisecond)
	}

	switch rec.Status {
	case models.RequestFailed:
		rec.Classification = models.ClassNetworkError
		rec.Severity = models.SeverityCritical
		rec.Detail = rec.ErrorText
	case models.RequestCanceled:
		rec.Classification = models.ClassNone
	default:
		rec.ResponseBody = body.Value()
		rec.Classification, rec.Severity, rec.Detail = Classify(rec.StatusCode, body, r.opts.BodyRules)
	}

	final := *rec
	r.appendLog(final)

	if !req.interesting {
		return
	}

	select {
	case r.finalized <- final:
	case <-ctx.Done():
		return
	case <-r.stop:
		return
	}

	r.subsMu.RLock()
	for _, ch := range r.subs {
		select {
		case ch <- final:
		default:
			log.Printf("⚠️  Request subscriber buffer full, dropping %s", final.RequestID)
		}
	}
	r.subsMu.RUnlock()
}

func (r *Recorder) appendLog(rec models.NetworkRequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.all) < r.opts.LogSize {
		r.all = append(r.all, rec)
		return
	}
	r.all[r.next] = rec
	r.next = (r.next + 1) % r.opts.LogSize
}

func applyResponse(req *inflight, resp *network.Response, at time.Time) {
	rec := req.rec
	rec.StatusCode = int(resp.Status)
	rec.StatusText = resp.StatusText
	rec.ResponseHeaders = flattenHeaders(resp.Headers)
	rec.MimeType = resp.MimeType
	if resp.EncodedDataLength > 0 {
		rec.EncodedSize = int64(resp.EncodedDataLength)
	}
	responded := time.Now()
	if !at.IsZero() && !req.startMono.IsZero() {
		responded = rec.StartedAt.Add(at.Sub(req.startMono))
	}
	rec.RespondedAt = &responded
}

func monoTime(t *cdptypes.MonotonicTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time()
}

func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func textualMime(mime string) bool {
	mime = strings.ToLower(mime)
	return strings.Contains(mime, "json") ||
		strings.HasPrefix(mime, "text/") ||
		strings.Contains(mime, "xml")
}
