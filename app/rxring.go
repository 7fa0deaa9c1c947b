package app

import (
	"sync"
	"sync/atomic"
)

// rxRing is the console receive FIFO: a fixed ring filled by the serial
// reader and the host input pump, drained by the serial interrupt handler.
// Producers serialize on mu; the single consumer never blocks. An rxRing
// must not be copied after first use.
type rxRing struct {
	mu   sync.Mutex
	head atomic.Uint32
	tail atomic.Uint32
	buf  [rxCapacity]byte
}

// put copies as much of p as fits and reports how many bytes it took.
func (r *rxRing) put(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.head.Load()
	tail := r.tail.Load()
	n := 0
	for _, b := range p {
		if head-tail >= rxCapacity {
			break
		}
		r.buf[head%rxCapacity] = b
		head++
		n++
	}
	r.head.Store(head)
	return n
}

// get takes one byte, returning false if the ring is empty.
func (r *rxRing) get() (byte, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return 0, false
	}
	b := r.buf[tail%rxCapacity]
	r.tail.Store(tail + 1)
	return b, true
}
