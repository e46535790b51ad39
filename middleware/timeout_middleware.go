package middleware

import (
	"context"
	"time"

	"channel-rpc/message"
)

// TimeOutMiddleware bounds next by timeout. next keeps running in the
// background if it ignores ctx; its late result is dropped. Expiry is reported
// as a CodeTimeout response with no payload. A caller whose own ctx ends first
// gets that ctx's error instead.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(parent context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			type result struct {
				resp *message.Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if err := parent.Err(); err != nil {
					return nil, err
				}
				return &message.Response{Code: message.CodeTimeout}, nil
			}
		}
	}
}
