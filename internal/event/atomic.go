package event

import "sync/atomic"

// Go's atomics are sequentially consistent, strictly stronger than the
// acquire/release pairing the slot protocol requires: a subscriber's
// payload writes happen before its decrement, and the originator's reads
// happen after observing the final count or terminal event.

func storeEvent(word *uint32, v uint32) { atomic.StoreUint32(word, v) }
func loadEvent(word *uint32) uint32     { return atomic.LoadUint32(word) }
func decCount(word *uint32) uint32      { return atomic.AddUint32(word, ^uint32(0)) }
