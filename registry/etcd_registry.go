// etcd layout:
//
//	Key:   /channel-rpc/nodes/{group}/{addr}
//	Value: JSON-encoded NodeInstance
//
// Registration uses TTL-based leases: if a node dies, its lease expires and
// the entry disappears without anyone deregistering it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/channel-rpc/nodes/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c}, nil
}

func groupPrefix(group string) string {
	return keyPrefix + group + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the lease
// alive until ctx is cancelled.
//
// leaseID stays a local variable: several nodes may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, instance NodeInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := groupPrefix(instance.Group) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. Nodes call it on graceful shutdown before
// closing their listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, group string, addr string) error {
	if _, err := r.client.Delete(ctx, groupPrefix(group)+addr); err != nil {
		return fmt.Errorf("registry: delete %s/%s: %w", group, addr, err)
	}
	return nil
}

// Watch emits the full instance list of group whenever anything under its
// prefix changes. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, group string) <-chan []NodeInstance {
	ch := make(chan []NodeInstance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, groupPrefix(group), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch rather than apply individual events.
			instances, err := r.Discover(ctx, group)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns every instance currently registered for group.
func (r *EtcdRegistry) Discover(ctx context.Context, group string) ([]NodeInstance, error) {
	resp, err := r.client.Get(ctx, groupPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", group, err)
	}

	instances := make([]NodeInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance NodeInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
