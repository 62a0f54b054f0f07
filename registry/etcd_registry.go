package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the root of every key written by EtcdRegistry.
//
//	Key:   /peer-rpc/{service}/{addr}
//	Value: JSON-encoded PeerInstance
const KeyPrefix = "/peer-rpc/"

// EtcdRegistry implements Registry on etcd v3.
//
// Registration uses TTL-based leases: if the daemon crashes, the lease expires and the
// entry disappears, so hosts never dial ghost instances.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // key → stops its lease renewal
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, keepAlives: make(map[string]context.CancelFunc)}, nil
}

func key(service, addr string) string {
	return KeyPrefix + service + "/" + addr
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance PeerInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	k := key(service, instance.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}

	// The renewal outlives ctx; it is stopped by Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.keepAlives[k]; ok {
		prev()
	}
	r.keepAlives[k] = cancel
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before the listener
// closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	k := key(service, addr)
	r.mu.Lock()
	if cancel, ok := r.keepAlives[k]; ok {
		cancel()
		delete(r.keepAlives, k)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, k)
	return err
}

// Discover returns every registered instance of service. Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]PeerInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]PeerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance PeerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list of service after every change until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, KeyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the whole list; simpler than applying individual events
			instances, err := r.Discover(ctx, service)
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

// Close stops every lease renewal and closes the etcd client. Leased keys expire on
// their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
