// Package loadbalance picks the peer instance a host connects to among the instances
// advertised for a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Equal-capacity peers
//   - WeightedRandom:  Heterogeneous peers (different CPU/memory), by advertised weight
//   - ConsistentHash:  Affinity: the same key (e.g. plugin id) keeps landing on the same peer
package loadbalance

import (
	"errors"
	"fmt"

	"github.com/bx-d/peer-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key is used by affinity strategies and ignored by the
	// others. Must be goroutine-safe.
	Pick(key string, instances []registry.PeerInstance) (*registry.PeerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
