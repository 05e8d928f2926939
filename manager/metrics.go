package manager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

//Metrics 等高线服务指标. 空指针表示不采集
type Metrics struct {
	stages   *prometheus.HistogramVec
	requests *prometheus.CounterVec
	caches   *cacheCollector
}

// cacheCollector reports contour_cache_entries{tier} at scrape time, summed
// over every cache watched on the registry.
type cacheCollector struct {
	desc  *prometheus.Desc
	mu    sync.Mutex
	sizes map[string][]func() int
}

func newCacheCollector() *cacheCollector {
	return &cacheCollector{
		desc:  prometheus.NewDesc("contour_cache_entries", "Entries held by each cache tier.", []string{"tier"}, nil),
		sizes: map[string][]func() int{},
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tiers := make([]string, 0, len(c.sizes))
	for tier := range c.sizes {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		total := 0
		for _, size := range c.sizes[tier] {
			total += size()
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(total), tier)
	}
}

// NewMetrics registers the collectors with reg, or returns nil for a nil
// reg. Collectors registered before, for example by another manager on the
// same registry, are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contour_stage_seconds",
			Help:    "Time spent per contour tile stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contour_requests_total",
			Help: "Manager requests by operation and result.",
		}, []string{"op", "result"}),
		caches: newCacheCollector(),
	}
	m.stages = register(reg, m.stages)
	m.requests = register(reg, m.requests)
	m.caches = register(reg, m.caches)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) countRequest(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsCanceled(err):
		result = "canceled"
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	m.requests.WithLabelValues(op, result).Inc()
}

// watchCache adds size to the entries reported for tier.
func (m *Metrics) watchCache(tier string, size func() int) {
	if m == nil {
		return
	}
	m.caches.mu.Lock()
	m.caches.sizes[tier] = append(m.caches.sizes[tier], size)
	m.caches.mu.Unlock()
}
