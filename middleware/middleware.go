// Package middleware wraps outbound bridge calls with cross-cutting
// behaviour. A bridge builds one chain per route at startup:
//
//	Logging → Metrics → RateLimit → Retry → substrate call
//
// and bounds each attempt itself. The client chain is
// Logging → Timeout → Retry, where Timeout bounds the whole call.
//
// Chain(A, B, C)(h) is A(B(C(h))): A runs first on the way in and last on
// the way out.
package middleware

import (
	"context"

	"rpcbridge/message"
)

// HandlerFunc performs one call. A nil error means the reply envelope
// carries a successful payload.
type HandlerFunc func(ctx context.Context, req *message.Envelope) (*message.Envelope, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
