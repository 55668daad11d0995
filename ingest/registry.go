package ingest

import (
	"sync"
)

// Streamer is a running stream connection.
type Streamer interface {
	Stop()
	Done() <-chan struct{}
}

// Registry maps account ids to their live stream connection. One registry is
// shared by every manager of a process.
type Registry struct {
	mu    sync.Mutex
	conns map[int64]Streamer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Streamer)}
}

// Replace installs conn for accountID and stops the connection it replaces.
func (r *Registry) Replace(accountID int64, conn Streamer) {
	r.mu.Lock()
	old := r.conns[accountID]
	r.conns[accountID] = conn
	r.mu.Unlock()
	if old != nil && old != conn {
		old.Stop()
	}
}

// Stop stops and forgets the connection of accountID, if any.
func (r *Registry) Stop(accountID int64) {
	r.mu.Lock()
	old := r.conns[accountID]
	delete(r.conns, accountID)
	r.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// Get returns the connection of accountID.
func (r *Registry) Get(accountID int64) (Streamer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[accountID]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// StopAll stops every registered connection.
func (r *Registry) StopAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int64]Streamer)
	r.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Streamer) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
}
