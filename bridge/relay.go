package bridge

import (
	"context"
	"errors"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rpcbridge/message"
	"rpcbridge/middleware"
	"rpcbridge/substrate"
)

var (
	metricLateReplies = prom.NewCounterVec(prom.CounterOpts{
		Name: "rpcbridge_late_replies_total",
		Help: "Replies that arrived after the caller timed out and were discarded.",
	}, []string{"route"})
	metricFeedbackDropped = prom.NewCounterVec(prom.CounterOpts{
		Name: "rpcbridge_feedback_dropped_total",
		Help: "Action feedback messages dropped because the queue was full.",
	}, []string{"route"})
	metricGoals = prom.NewGaugeVec(prom.GaugeOpts{
		Name: "rpcbridge_goals",
		Help: "Goal records held by an action route.",
	}, []string{"route"})
)

func init() {
	prom.MustRegister(metricLateReplies, metricFeedbackDropped, metricGoals)
}

type tagKey struct{}

func withTag(ctx context.Context, tag message.Correlation) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

func tagFrom(ctx context.Context) message.Correlation {
	if tag, ok := ctx.Value(tagKey{}).(message.Correlation); ok {
		return tag
	}
	return message.ServiceCorrelation()
}

// relay issues outbound calls for one route. Every attempt reserves its own
// correlation token. The substrate call is detached from the caller and
// gets twice the attempt timeout; replies arriving past the deadline are
// reported as late.
type relay struct {
	route   string
	out     substrate.Substrate
	corr    *Correlator
	attempt time.Duration
	handler middleware.HandlerFunc
	log     *zap.Logger
}

func newRelay(route string, out substrate.Substrate, corr *Correlator, attempt time.Duration, opts Options, log *zap.Logger) *relay {
	r := &relay{
		route:   route,
		out:     out,
		corr:    corr,
		attempt: attempt,
		log:     log,
	}
	r.handler = middleware.Chain(
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(route),
		middleware.RateLimitMiddleware(opts.Rate, opts.Burst),
		middleware.RetryMiddleware(opts.Retry, log),
	)(r.call)
	return r
}

// do sends payload to key and returns the reply payload.
func (r *relay) do(ctx context.Context, tag message.Correlation, key string, payload []byte) ([]byte, error) {
	resp, err := r.handler(withTag(ctx, tag), &message.Envelope{Key: key, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// call is one attempt. The ticket is retired before call returns, so a
// reply racing the deadline is either delivered or recognised as late.
func (r *relay) call(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, r.attempt)
	defer cancel()
	t, err := r.corr.Reserve(tagFrom(ctx))
	if err != nil {
		return nil, err
	}
	defer t.Retire()

	budget := 2 * r.attempt
	go func() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		payload, err := r.out.Call(callCtx, req.Key, req.Payload)
		r.resolve(t, payload, err)
	}()

	payload, err := t.Await(ctx)
	if err != nil {
		return nil, err
	}
	return &message.Envelope{Key: req.Key, Payload: payload}, nil
}

func (r *relay) resolve(t *Ticket, payload []byte, callErr error) {
	err := r.corr.Resolve(t.Tag.Token, payload, callErr)
	switch {
	case err == nil:
	case errors.Is(err, ErrLateReply) && callErr == nil:
		metricLateReplies.WithLabelValues(r.route).Inc()
		r.log.Warn("discarding late reply", zap.Stringer("correlation", t.Tag), zap.Int("bytes", len(payload)))
	default:
		r.log.Debug("dropping unmatched outcome", zap.Stringer("correlation", t.Tag), zap.NamedError("call_error", callErr), zap.Error(err))
	}
}
