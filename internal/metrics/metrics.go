// Package metrics exposes process counters and gauges in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediadash"

var allStatuses = []models.DownloadStatus{
	models.StatusQueued,
	models.StatusDownloading,
	models.StatusPaused,
	models.StatusCompleted,
	models.StatusError,
}

type Metrics struct {
	registry *prometheus.Registry

	providerErrors     *prometheus.CounterVec
	searches           *prometheus.CounterVec
	searchDuration     prometheus.Histogram
	searchResults      prometheus.Histogram
	droppedSubscribers prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Search provider failures, by provider.",
		}, []string{"provider"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Completed aggregate searches.",
		}, []string{"cached"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Wall time of aggregate searches.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Results returned per aggregate search.",
			Buckets:   prometheus.LinearBuckets(0, 10, 10),
		}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_subscribers_total",
			Help:      "Push subscribers dropped for falling behind.",
		}),
	}
	m.registry.MustRegister(
		m.providerErrors,
		m.searches,
		m.searchDuration,
		m.searchResults,
		m.droppedSubscribers,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ProviderError(provider string) {
	m.providerErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) SearchCompleted(elapsed time.Duration, results int, cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	m.searches.WithLabelValues(label).Inc()
	if !cached {
		m.searchDuration.Observe(elapsed.Seconds())
	}
	m.searchResults.Observe(float64(results))
}

func (m *Metrics) SubscriberDropped() {
	m.droppedSubscribers.Inc()
}

// WatchDownloads registers a gauge per download status, read from counts at scrape time.
func (m *Metrics) WatchDownloads(counts func() map[models.DownloadStatus]int) {
	m.registry.MustRegister(&downloadCollector{
		counts: counts,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "downloads"),
			"Downloads currently known, by status.",
			[]string{"status"}, nil,
		),
	})
}

// WatchSubscribers registers a gauge reading the live push subscriber count.
func (m *Metrics) WatchSubscribers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Connected push subscribers.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type downloadCollector struct {
	counts func() map[models.DownloadStatus]int
	desc   *prometheus.Desc
}

func (c *downloadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *downloadCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.counts()
	for _, status := range allStatuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
