package storage

import "sync"

// opGuard is the per-position exclusive operation lock shared by backends.
// Held ids are runtime state only; a restart releases everything.
type opGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func newOpGuard() *opGuard {
	return &opGuard{held: make(map[string]bool)}
}

func (g *opGuard) acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[id] {
		return false
	}
	g.held[id] = true
	return true
}

func (g *opGuard) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, id)
}
