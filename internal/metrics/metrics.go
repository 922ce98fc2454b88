// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlPagesTotal    *prometheus.CounterVec
	crawlBytesTotal    *prometheus.CounterVec
	crawlSessionsTotal *prometheus.CounterVec
	frontierSize       *prometheus.GaugeVec
	renderPromotions   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_pages_total",
				Help: "Total pages fetched, labeled by domain, mode and status.",
			},
			[]string{"domain", "mode", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_bytes_total",
				Help: "Total bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		crawlSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_sessions_total",
				Help: "Total crawl sessions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		frontierSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_frontier_size",
				Help: "Discovered-but-unfetched pages per domain after the last session.",
			},
			[]string{"domain"},
		)

		renderPromotions = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_render_promotions_total",
				Help: "Total probe fetches promoted to a headless render.",
			},
		)
	})
}

// SanitizeDomain sanitizes a URL or hostname to a lowercase hostname.
// It returns "unknown" if the input is invalid.
func SanitizeDomain(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counters for one fetch attempt.
func ObservePage(domain, mode string, statusCode int, bytesFetched int) {
	Init()
	d := SanitizeDomain(domain)
	crawlPagesTotal.WithLabelValues(d, mode, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(d).Add(float64(bytesFetched))
	}
}

// ObserveSession increments the session counter for the given outcome.
func ObserveSession(outcome string) {
	Init()
	crawlSessionsTotal.WithLabelValues(outcome).Inc()
}

// SetFrontierSize records the post-session backlog for a domain.
func SetFrontierSize(domain string, size int) {
	Init()
	frontierSize.WithLabelValues(SanitizeDomain(domain)).Set(float64(size))
}

// ObserveRenderPromotion counts one headless promotion.
func ObserveRenderPromotion() {
	Init()
	renderPromotions.Inc()
}
