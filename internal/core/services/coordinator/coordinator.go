package coordinator

import (
	"sync"

	"github.com/melih/vulndock/internal/core/domain"
)

// Coordinator guarantees at most one in-flight start/stop/pull sequence
// per environment id. A second caller for the same id is rejected
// immediately with domain.ErrBusy rather than queued; operations on
// distinct ids never block each other.
type Coordinator struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// New creates an empty coordinator. The lock table is keyed and bounded by
// the catalog: entries exist only while an operation is in flight.
func New() *Coordinator {
	return &Coordinator{busy: make(map[string]struct{})}
}

// Do runs op while holding the environment's exclusive slot. The slot is
// released unconditionally when op returns, success or failure.
func (c *Coordinator) Do(id string, op func() error) error {
	if !c.acquire(id) {
		return domain.ErrBusy
	}
	defer c.release(id)
	return op()
}

// Busy reports whether an operation is currently in flight for id.
func (c *Coordinator) Busy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.busy[id]
	return ok
}

func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.busy[id]; taken {
		return false
	}
	c.busy[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, id)
}
