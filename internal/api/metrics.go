package api

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shehryarbajwa/pagepulse/internal/threshold"
	"github.com/shehryarbajwa/pagepulse/internal/tracker"
	"github.com/shehryarbajwa/pagepulse/pkg/models"
)

// Collector exports the run as Prometheus metrics
type Collector struct {
	monitor Monitor

	// Counters
	requests       *prometheus.CounterVec
	pageBoundaries *prometheus.CounterVec

	// Histograms
	requestDuration *prometheus.HistogramVec

	// Gauges
	lastPage *prometheus.GaugeVec

	violationsDesc *prometheus.Desc

	wg sync.WaitGroup
}

// NewCollector registers the run metrics on reg
func NewCollector(monitor Monitor, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		monitor: monitor,
		violationsDesc: prometheus.NewDesc(
			"pagepulse_violations",
			"Threshold violations recorded in this run",
			[]string{"metric", "level"}, nil,
		),
	}

	c.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pagepulse_requests_total",
		Help: "Finalized requests of interest by classification",
	}, []string{"classification"})

	c.pageBoundaries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "pagepulse_page_events_total",
		Help: "Page boundaries crossed",
	}, []string{"kind"})

	c.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagepulse_request_duration_seconds",
		Help:    "Duration of finalized requests of interest",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"resource_type"})

	c.lastPage = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagepulse_last_page_metric",
		Help: "Metric values of the most recently closed page",
	}, []string{"metric"})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pagepulse_pages",
		Help: "Page records in this run",
	}, func() float64 {
		return float64(len(monitor.GetPageRecords()))
	})

	reg.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector for the violation breakdown
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.violationsDesc
}

// Collect implements prometheus.Collector for the violation breakdown
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	type key struct {
		metric string
		level  models.Severity
	}
	counts := make(map[key]int)
	for _, v := range c.monitor.GetViolations() {
		counts[key{v.Metric, v.Level}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.violationsDesc, prometheus.GaugeValue, float64(n), k.metric, string(k.level))
	}
}

// Start follows the request and page feeds until ctx is done
func (c *Collector) Start(ctx context.Context) {
	requests, cancelRequests := c.monitor.SubscribeRequests(256)
	pages, cancelPages := c.monitor.SubscribePages(16)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelRequests()
		defer cancelPages()

		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-requests:
				if !ok {
					return
				}
				c.ObserveRequest(req)
			case ev, ok := <-pages:
				if !ok {
					return
				}
				c.ObservePage(ev)
			}
		}
	}()
}

// Wait blocks until the feed goroutine has exited
func (c *Collector) Wait() {
	c.wg.Wait()
}

// ObserveRequest counts one finalized request
func (c *Collector) ObserveRequest(req models.NetworkRequestRecord) {
	c.requests.WithLabelValues(string(req.Classification)).Inc()
	c.requestDuration.WithLabelValues(req.ResourceType).Observe(req.DurationMs / 1000)
}

// ObservePage counts a boundary and, on close, exports the page's metrics
func (c *Collector) ObservePage(ev tracker.PageEvent) {
	c.pageBoundaries.WithLabelValues(string(ev.Kind)).Inc()

	if ev.Kind != tracker.EventClosed || ev.Page.Snapshot == nil {
		return
	}
	c.lastPage.Reset()
	for name, v := range threshold.Values(*ev.Page.Snapshot) {
		if v != nil {
			c.lastPage.WithLabelValues(name).Set(*v)
		}
	}
}
