package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rpcbridge/message"
)

// LoggingMiddleware logs every call at debug level and failures at warn.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				log.Warn("call failed",
					zap.String("key", req.Key),
					zap.Duration("duration", duration),
					zap.String("code", string(message.CodeOf(err))),
					zap.Error(err))
				return resp, err
			}
			log.Debug("call completed",
				zap.String("key", req.Key),
				zap.Duration("duration", duration),
				zap.Int("bytes", len(resp.Payload)))
			return resp, nil
		}
	}
}
