package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "arena_queue_depth", Help: "Players waiting for an opponent"},
	)
	ActiveGames = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "arena_active_games", Help: "Sessions held by the matchmaking queue"},
	)
	GamesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arena_games_total", Help: "Finished sessions by outcome"},
		[]string{"outcome"},
	)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arena_intents_total", Help: "Gateway intents by event and result"},
		[]string{"event", "result"},
	)
	PriceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arena_price_fetches_total", Help: "Upstream price requests by source and result"},
		[]string{"source", "result"},
	)
	PriceFetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_price_fetch_seconds",
			Help:    "Upstream price request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, ActiveGames, GamesTotal, IntentsTotal, PriceFetches, PriceFetchSeconds)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
