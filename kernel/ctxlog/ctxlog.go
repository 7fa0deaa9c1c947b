// Package ctxlog records context switches reported by the kernel trace
// hook and streams them to the host.
package ctxlog

import (
	"sync"

	"ember/kernel"
)

// DefaultCapacity matches a 4 KiB log segment of 92-byte records.
const DefaultCapacity = 44

// Task is one side of a context switch.
type Task struct {
	ID       int32  `json:"id"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority"`
	State    string `json:"state"`
}

// Entry is one recorded context switch. Cause names the service call or
// interrupt that led to it.
type Entry struct {
	Seq   uint32 `json:"seq"`
	Cause string `json:"cause"`
	Prev  Task   `json:"prev"`
	Next  Task   `json:"next"`
}

// Recorder keeps the most recent switches in a fixed buffer.
//
// When the buffer is full the oldest entry is overwritten, unless an
// overflow hook was given, in which case the hook runs and new entries are
// discarded.
type Recorder struct {
	mu       sync.Mutex
	buf      []Entry
	start    int
	n        int
	seq      uint32
	dropped  int
	cause    string
	overflow func()
	tripped  bool
}

// New returns a recorder holding up to capacity entries.
func New(capacity int, overflow func()) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]Entry, capacity), overflow: overflow}
}

func snapshot(s kernel.TaskSnapshot) Task {
	t := Task{ID: int32(s.ID), Name: s.Name, Priority: s.Priority}
	if s.ID != kernel.NoTask {
		t.State = s.State.String()
	}
	return t
}

// Observe is a kernel.Config.Trace hook.
func (r *Recorder) Observe(ev kernel.Event) {
	r.mu.Lock()
	switch ev.Kind {
	case kernel.EventSyscall:
		r.cause = ev.Call.String()
	case kernel.EventInterrupt:
		r.cause = ev.Intr.String()
	case kernel.EventDispatch:
		if ev.Prev.ID == ev.Next.ID {
			// resumed the interrupted task
			break
		}
		r.seq++
		e := Entry{Seq: r.seq, Cause: r.cause, Prev: snapshot(ev.Prev), Next: snapshot(ev.Next)}
		if e.Cause == "" {
			e.Cause = "boot"
		}
		r.cause = ""
		if hook := r.push(e); hook != nil {
			r.mu.Unlock()
			hook()
			return
		}
	}
	r.mu.Unlock()
}

// push stores e and returns the overflow hook if it must run.
func (r *Recorder) push(e Entry) func() {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return nil
	}
	r.dropped++
	if r.overflow != nil {
		if r.tripped {
			return nil
		}
		r.tripped = true
		return r.overflow
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
	return nil
}

// Entries returns the recorded switches, oldest first.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len reports the number of recorded switches.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Dropped reports how many switches did not fit.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset empties the buffer. Sequence numbers keep counting.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.start, r.n, r.dropped = 0, 0, 0
	r.tripped = false
	r.mu.Unlock()
}
