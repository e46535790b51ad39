// Package loadbalance picks one node endpoint out of the instances a registry
// returned for a group.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity nodes
//   - WeightedRandom:  nodes with different Weight
//   - ConsistentHash:  the same key keeps landing on the same node
package loadbalance

import (
	"errors"
	"fmt"

	"channel-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() once per connect to select a target node.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.NodeInstance) (*registry.NodeInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by the
// consistent hash strategy.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash", "ConsistentHash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
