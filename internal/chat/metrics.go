package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spit",
			Name:      "sessions_total",
			Help:      "Total number of finished streaming sessions by outcome",
		},
		[]string{"outcome"},
	)

	streamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spit",
			Name:      "stream_chunks_total",
			Help:      "Total number of stream chunks applied to the transcript",
		},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spit",
			Name:      "session_duration_seconds",
			Help:      "Duration of streaming sessions from acceptance to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	modelActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spit",
			Name:      "model_actions_total",
			Help:      "Total number of model list, add and delete calls by result",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal, streamChunksTotal, sessionDuration, modelActionsTotal)
}

func observeSession(outcome string, started time.Time) {
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func observeModelAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	modelActionsTotal.WithLabelValues(action, result).Inc()
}
