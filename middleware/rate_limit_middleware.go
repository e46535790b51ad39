package middleware

import (
	"context"
	"errors"

	"channel-rpc/message"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Requests beyond the bucket fail fast with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
