package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"channel-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances on a hash ring, so the same
// key (a group id, an account) sticks to one node until the ring changes.
//
// Each real instance is placed on the ring as replicas virtual nodes hashed
// from "{addr}#{i}"; with only a handful of nodes this keeps the split even.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // key hashed by Pick
	replicas int

	mu    sync.Mutex
	ring  []uint32                          // Sorted hash values on the ring
	nodes map[uint32]*registry.NodeInstance // Hash value → instance mapping
	built string                            // addr set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// instance. Pick routes key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: defaultReplicas,
		nodes:    make(map[uint32]*registry.NodeInstance),
	}
}

// Add places an instance onto the hash ring.
func (b *ConsistentHashBalancer) Add(instance *registry.NodeInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.NodeInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Get()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Get finds the instance responsible for key: the first ring node at or
// after the key's hash, wrapping around to the start.
func (b *ConsistentHashBalancer) Get(key string) (*registry.NodeInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(key)
}

func (b *ConsistentHashBalancer) getLocked(key string) (*registry.NodeInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring when the instance set differs from the last call,
// then routes the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.NodeInstance) (*registry.NodeInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if set != b.built {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.NodeInstance)
		for i := range instances {
			inst := instances[i]
			b.addLocked(&inst)
		}
		b.built = set
	}
	return b.getLocked(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
