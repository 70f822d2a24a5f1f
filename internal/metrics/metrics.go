// Package metrics provides Prometheus instrumentation for the signaling
// server: connection and room gauges, match and relay counters, and the
// time candidates spend in the waiting pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingPool tracks the number of users waiting for a partner.
	WaitingPool = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_waiting_pool_size",
		Help: "Current number of users in the waiting pool",
	})

	// ActiveRooms tracks the number of rooms with two participants.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchesTotal counts formed rooms by match tier.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_matches_total",
		Help: "Total number of rooms formed",
	}, []string{"tier"})

	// SkipsTotal counts leave-room requests with the skip flag.
	SkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_skips_total",
		Help: "Total number of skipped partners",
	})

	// RelayedTotal counts room-scoped messages by type and outcome
	// ("relayed", "dropped", "blocked", "limited").
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_relayed_messages_total",
		Help: "Room-scoped messages processed",
	}, []string{"type", "result"})

	// MatchWait records how long the matched partner waited in the pool.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_match_wait_seconds",
		Help:    "Time the matched candidate spent in the waiting pool",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 180},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingPool,
		ActiveRooms,
		MatchesTotal,
		SkipsTotal,
		RelayedTotal,
		MatchWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
