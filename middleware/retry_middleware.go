package middleware

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"rpcbridge/message"
)

// RetryPolicy configures RetryMiddleware.
type RetryPolicy struct {
	Attempts int           // Total attempts, first one included
	Delay    time.Duration // Delay before the second attempt; doubles after
	MaxDelay time.Duration
	Clock    clock.Clock // nil means wall clock
}

// RetryMiddleware re-issues calls that failed with a TransportError. Other
// errors are returned at once, and no attempt starts after ctx is done, so
// retries always stay inside the caller's deadline.
func RetryMiddleware(p RetryPolicy, log *zap.Logger) Middleware {
	if p.Attempts <= 1 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Delay <= 0 {
		p.Delay = 50 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			var resp *message.Envelope
			err := retry.Call(retry.CallArgs{
				Func: func() error {
					var err error
					resp, err = next(ctx, req)
					return err
				},
				IsFatalError: func(err error) bool {
					return !message.IsRetryable(err)
				},
				NotifyFunc: func(err error, attempt int) {
					log.Debug("retrying call", zap.String("key", req.Key), zap.Int("attempt", attempt), zap.Error(err))
				},
				Attempts:    p.Attempts,
				Delay:       p.Delay,
				MaxDelay:    p.MaxDelay,
				BackoffFunc: retry.DoubleDelay,
				Clock:       p.Clock,
				Stop:        ctx.Done(),
			})
			if err == nil {
				return resp, nil
			}
			if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
				if last := retry.LastError(err); last != nil {
					return nil, last
				}
				return nil, message.FromContext(ctx.Err())
			}
			return nil, err
		}
	}
}
