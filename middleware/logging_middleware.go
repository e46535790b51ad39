package middleware

import (
	"context"
	"time"

	"channel-rpc/message"

	"github.com/rs/zerolog"
)

func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)

			switch {
			case err != nil:
				log.Warn().Str("method", req.Method).Int64("id", req.ID).Dur("duration", duration).Err(err).Msg("call failed")
			case resp.Code != message.CodeSuccess:
				log.Info().Str("method", req.Method).Int64("id", req.ID).Dur("duration", duration).
					Int32("code", resp.Code).Str("reason", message.CodeText(resp.Code)).Msg("call rejected")
			default:
				log.Debug().Str("method", req.Method).Int64("id", req.ID).Dur("duration", duration).Int("bytes", len(resp.Payload)).Msg("call")
			}
			return resp, err
		}
	}
}
