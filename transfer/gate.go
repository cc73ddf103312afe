package transfer

import "sync"

// Gate admits at most one active transfer, send or receive, per engine.
type Gate struct {
	mu    sync.Mutex
	owner string
}

// Acquire claims the gate for owner or fails immediately with ErrBusy.
// The returned release is idempotent.
func (g *Gate) Acquire(owner string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" {
		return nil, ErrBusy
	}
	g.owner = owner

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.owner == owner {
				g.owner = ""
			}
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether a transfer holds the gate.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner != ""
}

// Owner returns the current holder, or "".
func (g *Gate) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}
