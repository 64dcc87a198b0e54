// Package metrics exposes Prometheus collectors for the portal client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GatewayRequests counts completed gateway calls by outcome
	// (ok, business_error, parse_error, transport_error).
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_gateway_requests_total",
		Help: "Completed request gateway calls by outcome",
	}, []string{"outcome"})

	// GatewayDedupHits counts callers served from a shared in-flight request.
	GatewayDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_gateway_dedup_hits_total",
		Help: "Requests collapsed into an already in-flight identical call",
	})

	// BreakerTrips counts circuit breaker trips by operation name.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_breaker_trips_total",
		Help: "Circuit breaker trips by operation name",
	}, []string{"name"})

	// BreakerSkips counts calls skipped while a breaker was open.
	BreakerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_breaker_skips_total",
		Help: "Calls skipped while the circuit breaker was open",
	}, []string{"name"})

	// LedgerFallbacks counts operations recorded in the local degraded ledger.
	LedgerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_ledger_fallback_total",
		Help: "Ledger operations recorded locally because the backend was unreachable",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
