package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"rpcbridge/message"
)

// RateLimitMiddleware paces outbound calls with a token bucket. Callers wait
// for a token while their deadline allows it; when it does not, the call
// fails with a Timeout without reaching the remote side.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: rate limit for %s: %v", message.ErrTimeout, req.Key, err)
			}
			return next(ctx, req)
		}
	}
}
