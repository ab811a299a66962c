package update

import (
	"fmt"
	"sync"
)

// PortLocks serializes update jobs per physical port. At most one
// job may hold a port at a time; acquisition failures are reported
// immediately, never queued. The table is explicitly owned and
// injected into the supervisor at construction.
type PortLocks struct {
	lock sync.Mutex
	held map[string]string // port -> holding job ID
}

// NewPortLocks creates an empty lock table.
func NewPortLocks() *PortLocks {
	return &PortLocks{held: make(map[string]string)}
}

// Acquire takes the lock on a port for a job, or fails with
// ErrPortBusy naming the holder.
func (p *PortLocks) Acquire(port, jobID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if holder, ok := p.held[port]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrPortBusy, port, holder)
	}
	p.held[port] = jobID
	return nil
}

// Release frees the lock on a port.
func (p *PortLocks) Release(port string) {
	p.lock.Lock()
	delete(p.held, port)
	p.lock.Unlock()
}

// Holder reports which job holds a port, if any.
func (p *PortLocks) Holder(port string) (string, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	holder, ok := p.held[port]
	return holder, ok
}
