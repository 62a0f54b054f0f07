// Package registry is the directory through which peers find each other.
//
// A running peerd daemon advertises one PeerInstance per listener under its service name;
// hosts discover the instances of a service and pick one with a load balancer.
package registry

import "context"

// Networks an instance can be reached on.
const (
	NetworkTCP       = "tcp"
	NetworkWebSocket = "ws"
)

// PeerInstance describes one reachable peer endpoint.
type PeerInstance struct {
	Addr      string   `json:"addr"`    // host:port for tcp, full URL for ws
	Network   string   `json:"network"` // NetworkTCP or NetworkWebSocket
	PluginID  string   `json:"plugin_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Version   string   `json:"version,omitempty"`
	Encodings []string `json:"encodings,omitempty"` // Encodings the peer can decode
	Weight    int      `json:"weight"`              // Weight for load balancing
}

// Registry stores peer instances per service.
type Registry interface {
	Register(ctx context.Context, service string, instance PeerInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]PeerInstance, error)
	Watch(ctx context.Context, service string) <-chan []PeerInstance
	Close() error
}
