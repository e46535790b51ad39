// Package registry is a directory of ledger node channel endpoints, grouped by
// ledger group. Clients discover endpoints here instead of hard-coding them.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("registry: no node instances")

// NodeInstance is one channel endpoint of a ledger node.
type NodeInstance struct {
	Addr    string `json:"addr"`              // host:port of the channel listener
	Group   string `json:"group"`             // ledger group served on this endpoint
	NodeID  string `json:"node_id,omitempty"` // node identity, informational
	Weight  int    `json:"weight"`            // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, instance NodeInstance, ttl int64) error
	Deregister(ctx context.Context, group string, addr string) error
	Discover(ctx context.Context, group string) ([]NodeInstance, error)
	Watch(ctx context.Context, group string) <-chan []NodeInstance
}
