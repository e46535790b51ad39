package middleware

import (
	"context"
	"strconv"
	"time"

	"channel-rpc/message"
	"channel-rpc/observability"
)

// MetricsMiddleware records every call by method and outcome. The outcome is
// the result code, or "error" when no response was produced.
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			outcome := "error"
			if err == nil {
				outcome = strconv.Itoa(int(resp.Code))
			}
			observability.RecordCall(req.Method, outcome, time.Since(start))
			return resp, err
		}
	}
}
