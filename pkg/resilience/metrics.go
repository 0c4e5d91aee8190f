package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carpool_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"breaker"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_retry_attempts_total",
		Help: "Failed attempts that entered the retry loop, by operation.",
	}, []string{"operation"})
)

func recordBreakerState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}

func recordRetryAttempt(operation string) {
	retryAttempts.WithLabelValues(operation).Inc()
}
