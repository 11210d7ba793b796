package middleware

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"rpcbridge/message"
)

var (
	metricCallsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "rpcbridge_calls_total",
		Help: "Outbound bridge calls by route and result code.",
	}, []string{"route", "code"})
	metricCallDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "rpcbridge_call_seconds",
		Help:    "Duration of outbound bridge calls.",
		Buckets: prom.DefBuckets,
	}, []string{"route"})
)

func init() {
	prom.MustRegister(metricCallsTotal, metricCallDuration)
}

// MetricsMiddleware counts calls of route by result code ("ok" on success)
// and observes their duration.
func MetricsMiddleware(route string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			code := "ok"
			if err != nil {
				code = string(message.CodeOf(err))
			}
			metricCallsTotal.WithLabelValues(route, code).Inc()
			metricCallDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}
