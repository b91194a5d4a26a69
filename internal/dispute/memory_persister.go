package dispute

import "sync"

// MemoryPersister keeps the latest snapshot in memory. Used in dev mode and
// in tests, where it doubles as a recorder of persist requests.
type MemoryPersister struct {
	mu       sync.Mutex
	latest   []*Dispute
	requests int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (p *MemoryPersister) PersistAsync(snapshot []*Dispute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = snapshot
	p.requests++
}

// Latest returns the most recently persisted snapshot.
func (p *MemoryPersister) Latest() []*Dispute {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Requests returns how many persist requests were made.
func (p *MemoryPersister) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}
