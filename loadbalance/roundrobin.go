package loadbalance

import (
	"sync/atomic"

	"github.com/bx-d/peer-rpc/registry"
)

// RoundRobinBalancer distributes connections evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64 // Incremented on each Pick()
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(_ string, instances []registry.PeerInstance) (*registry.PeerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
