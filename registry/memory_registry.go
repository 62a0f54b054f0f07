package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests. TTLs are
// ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]PeerInstance
	watchers map[string][]chan []PeerInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]PeerInstance),
		watchers: make(map[string][]chan []PeerInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, instance PeerInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]PeerInstance)
	}
	r.services[service][instance.Addr] = instance
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notifyLocked(service)
	return nil
}

// Discover returns the instances sorted by address.
func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]PeerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) listLocked(service string) []PeerInstance {
	out := make([]PeerInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notifyLocked sends the latest list to every watcher, replacing a list it has not read yet.
func (r *MemoryRegistry) notifyLocked(service string) {
	list := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (r *MemoryRegistry) Close() error {
	return nil
}
