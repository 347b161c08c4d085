package oauth

import "github.com/prometheus/client_golang/prometheus"

var (
	mintTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_auth_mint_total",
			Help: "Token mint attempts by result (ok, error)",
		},
		[]string{"provider", "result"},
	)
	invalidatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_auth_invalidated_total",
			Help: "Held tokens dropped after the provider rejected a request",
		},
		[]string{"provider"},
	)
	tokenHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gohome_auth_token_held",
			Help: "1 while a bearer token is held",
		},
		[]string{"provider"},
	)
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{mintTotal, invalidatedTotal, tokenHeld}
}
