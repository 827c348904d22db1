// Package metrics provides the gateway's Prometheus registry.
//
// All metrics live in a private registry (not the global default) so they
// never collide with host-level collectors when the gateway is embedded.
// The /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. All methods are nil-safe so callers
// can leave metrics unconfigured.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_rate_limit_denials_total
	rateLimitDenials prometheus.Counter

	// gateway_token_verifications_total{outcome}
	tokenVerifications *prometheus.CounterVec

	// gateway_ssrf_rejections_total
	ssrfRejections prometheus.Counter

	// gateway_upstream_calls_total{provider,outcome}
	upstreamCalls *prometheus.CounterVec

	// gateway_upstream_call_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// gateway_cache_hits_total / gateway_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently being handled.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end handler duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denials_total",
			Help: "Requests denied by admission control.",
		}),
		tokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Capability token verifications by outcome.",
		}, []string{"outcome"}),
		ssrfRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ssrf_rejections_total",
			Help: "Caller-supplied URLs rejected by the SSRF guard.",
		}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_calls_total",
			Help: "Model API calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_call_duration_seconds",
			Help:    "Model API call duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Result cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Result cache misses.",
		}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"provider"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build metadata; value is always 1.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.rateLimitDenials,
		r.tokenVerifications,
		r.ssrfRejections,
		r.upstreamCalls,
		r.upstreamDuration,
		r.cacheHits,
		r.cacheMisses,
		r.circuitBreakerState,
		r.buildInfo,
	)

	return r
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}),
	)
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight bracket one in-flight request.
func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records one finished request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRateLimitDenial counts one admission denial.
func (r *Registry) RecordRateLimitDenial() {
	if r != nil {
		r.rateLimitDenials.Inc()
	}
}

// RecordTokenVerification counts one verification by outcome label
// (e.g. "ok", "replayed", "expired", "bad_signature", "malformed").
func (r *Registry) RecordTokenVerification(outcome string) {
	if r != nil {
		r.tokenVerifications.WithLabelValues(outcome).Inc()
	}
}

// RecordSSRFRejection counts one blocked URL.
func (r *Registry) RecordSSRFRejection() {
	if r != nil {
		r.ssrfRejections.Inc()
	}
}

// ObserveUpstream records one model API call.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamCalls.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordCacheHit / RecordCacheMiss count result cache outcomes.
func (r *Registry) RecordCacheHit() {
	if r != nil {
		r.cacheHits.Inc()
	}
}

func (r *Registry) RecordCacheMiss() {
	if r != nil {
		r.cacheMisses.Inc()
	}
}

// SetCircuitBreaker publishes the breaker state for a provider.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r != nil {
		r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
	}
}
