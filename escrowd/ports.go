// Package escrowd is the HTTP client for the per-trade local escrow daemons
// on the L2 side, plus the port allocator that maps trade keys onto daemon
// ports.
package escrowd

import (
	"sync"

	"github.com/pkg/errors"
)

// PortAllocator hands out daemon ports from a fixed range, one per trade
// key. Allocation is a monotonic counter; repeated allocation for the same
// key returns the same port.
type PortAllocator struct {
	mu    sync.Mutex
	base  int
	size  int
	next  int
	byKey map[string]int
}

// NewPortAllocator creates an allocator over [base, base+size).
func NewPortAllocator(base, size int) *PortAllocator {
	return &PortAllocator{
		base:  base,
		size:  size,
		byKey: make(map[string]int),
	}
}

// Allocate returns the port for key, assigning the next free one on first
// use. Errors once the range is exhausted.
func (a *PortAllocator) Allocate(key string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byKey[key]; ok {
		return port, nil
	}
	if a.next >= a.size {
		return 0, errors.Errorf("port range exhausted (%d ports)", a.size)
	}
	port := a.base + a.next
	a.next++
	a.byKey[key] = port
	return port, nil
}

// Get returns the port previously allocated for key, if any.
func (a *PortAllocator) Get(key string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byKey[key]
	return port, ok
}
