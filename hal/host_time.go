//go:build !tinygo

package hal

import "time"

const (
	tickDur = time.Millisecond

	// maxCatchUp bounds the ticks emitted by one step, so a window that
	// was paused does not replay seconds of timer interrupts at once.
	maxCatchUp = 250
)

// hostTime turns wall time observed at each host step into the 1 ms tick
// stream. Ticks the consumer has not taken are dropped.
type hostTime struct {
	ch  chan uint64
	seq uint64
	now func() time.Time

	last    time.Time
	acc     time.Duration
	dropped uint64
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), now: time.Now}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

func (t *hostTime) step() {
	now := t.now()
	if t.last.IsZero() {
		t.last = now
		t.emit(1)
		return
	}
	t.acc += now.Sub(t.last)
	t.last = now

	n := uint64(t.acc / tickDur)
	t.acc %= tickDur
	if n > maxCatchUp {
		t.dropped += n - maxCatchUp
		n = maxCatchUp
	}
	t.emit(n)
}

func (t *hostTime) emit(n uint64) {
	for ; n > 0; n-- {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
			t.dropped++
		}
	}
}
