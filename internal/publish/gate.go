package publish

import (
	"sync"
	"sync/atomic"
)

// Gate lets the resolver stop every goroutine that is touching region memory.
// Accessors hold the shared side while they touch the memory; publishers that
// cannot replace a page atomically take the exclusive side.
type Gate struct {
	mu        sync.RWMutex
	consumers atomic.Int32
}

func (g *Gate) Enter() {
	g.mu.RLock()
}

func (g *Gate) Leave() {
	g.mu.RUnlock()
}

// Pause returns once no goroutine is inside the gate. New entries block until Resume.
func (g *Gate) Pause() {
	g.mu.Lock()
}

func (g *Gate) Resume() {
	g.mu.Unlock()
}

// Declare records one more goroutine that accesses the region concurrently.
func (g *Gate) Declare() int32 {
	return g.consumers.Add(1)
}

func (g *Gate) Undeclare() int32 {
	for {
		n := g.consumers.Load()
		if n == 0 {
			return 0
		}

		if g.consumers.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

func (g *Gate) Consumers() int32 {
	return g.consumers.Load()
}
