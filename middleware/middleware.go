// Package middleware wraps RPC handlers in the onion model. The same chain
// type serves both ends of a connection: on the client the innermost handler
// performs the round trip over the wire, on the node it runs the method.
package middleware

import (
	"context"

	"channel-rpc/message"
)

// HandlerFunc handles one request. A nonzero Response.Code is a remote
// outcome, not a Go error; errors are reserved for calls that never produced
// a response.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
// Chain(A, B, C)(h) runs A first: A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
