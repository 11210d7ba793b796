package middleware

import (
	"context"
	"fmt"
	"time"

	"rpcbridge/message"
)

// TimeoutMiddleware bounds everything below it to d. The call keeps running
// in the background after the deadline; its reply, if any, is dropped.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				env *message.Envelope
				err error
			}
			done := make(chan result, 1)
			go func() {
				env, err := next(ctx, req)
				done <- result{env, err}
			}()

			select {
			case r := <-done:
				return r.env, r.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: no reply for %s within %s", message.ErrTimeout, req.Key, d)
			}
		}
	}
}
