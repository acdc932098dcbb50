package metrics

import "sync"

// Collector captures operation counters.
type Collector interface {
	IncCounter(name string, delta uint64)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) IncCounter(string, uint64) {}

// Counters is an in-process Collector backed by a map.
type Counters struct {
	mu sync.RWMutex
	m  map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{m: make(map[string]uint64)}
}

func (c *Counters) IncCounter(name string, delta uint64) {
	c.mu.Lock()
	c.m[name] += delta
	c.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
