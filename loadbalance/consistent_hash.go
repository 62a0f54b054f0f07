package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/bx-d/peer-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes), so a host that
// reconnects a plugin lands on the peer that already has its requirements installed.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
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
	replicas int // Virtual nodes per real instance

	mu        sync.Mutex
	signature string                           // Addresses the ring was built from
	ring      []uint32                         // Sorted hash values on the ring
	nodes     map[uint32]registry.PeerInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.PeerInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.PeerInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	b.signature = ""
}

func (b *ConsistentHashBalancer) addLocked(instance registry.PeerInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// rebuildLocked resets the ring when the instance set differs from the one it was built
// from.
func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.PeerInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.signature {
		return
	}
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.PeerInstance)
	for _, inst := range instances {
		b.addLocked(inst)
	}
	b.signature = sig
}

// Pick finds the instance responsible for key. It hashes the key, then binary-searches
// for the first node >= hash on the ring, wrapping around to the first node.
// A nil instances list picks from the instances added with Add.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.PeerInstance) (*registry.PeerInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		b.rebuildLocked(instances)
	}
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

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
