package llm

import "sync/atomic"

// atomicCounter is a lock-free round-robin cursor shared by a provider's
// key ring (spec §5 "Provider API-key rotation uses an atomic counter and
// is lock-free").
type atomicCounter struct{ v atomic.Uint64 }

func newAtomicCounter() *atomicCounter { return &atomicCounter{} }

func (c *atomicCounter) next() uint64 { return c.v.Add(1) - 1 }
