package realtime

import (
	"context"
	"sync"
)

// ConnectionRegistry tracks which users hold open connections on each hub.
// The Redis implementation makes presence visible across instances; frames
// are still delivered only to connections local to the instance.
type ConnectionRegistry interface {
	Add(ctx context.Context, hub, userID, connID string) error
	Remove(ctx context.Context, hub, userID, connID string) error
	Count(ctx context.Context, hub, userID string) (int, error)
}

// MemoryRegistry is a single-instance ConnectionRegistry.
type MemoryRegistry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]map[string]struct{})}
}

func registryKey(hub, userID string) string { return hub + ":" + userID }

func (r *MemoryRegistry) Add(_ context.Context, hub, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey(hub, userID)
	set, ok := r.conns[k]
	if !ok {
		set = make(map[string]struct{})
		r.conns[k] = set
	}
	set[connID] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, hub, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey(hub, userID)
	if set, ok := r.conns[k]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.conns, k)
		}
	}
	return nil
}

func (r *MemoryRegistry) Count(_ context.Context, hub, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[registryKey(hub, userID)]), nil
}
