// Package timerq implements soft timers on top of a single hardware
// one-shot timer.
//
// Pending requests form a delta list: each node stores its expiry relative
// to the node before it, so the sum of deltas from the head to any node is
// that node's remaining time. The hardware timer is always armed for the
// head's delta.
package timerq

import (
	"errors"

	"ember/kernel/mempool"
)

// Device is the hardware one-shot timer the queue drives.
type Device interface {
	// Start (re)arms the timer to fire after ticks and restarts its counter.
	Start(ticks uint32)
	// Cancel disarms the timer.
	Cancel()
	// Elapsed reports ticks counted since the last Start.
	Elapsed() uint32
}

// Owner tags who requested a timer.
type Owner uint8

const (
	OwnerScheduler Owner = iota
	OwnerGeneral
)

func (o Owner) String() string {
	switch o {
	case OwnerScheduler:
		return "scheduler"
	case OwnerGeneral:
		return "general"
	default:
		return "unknown"
	}
}

// Callback runs when a timer expires. It is called after the node has been
// retired, so it may schedule new timers.
type Callback func(arg any)

// Handle identifies a pending timer. Handles go stale once the timer fires
// or is cancelled.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether h was ever returned by Schedule.
func (h Handle) Valid() bool { return h.gen != 0 }

var (
	ErrNoCallback = errors.New("timerq: nil callback")
	ErrStale      = errors.New("timerq: stale timer handle")
)

// nodeBytes is the footprint each pending timer charges to the allocator.
const nodeBytes = 28

const nilNode = -1

type node struct {
	delta uint32
	owner Owner
	cb    Callback
	arg   any
	prev  int32
	next  int32
	gen   uint32
	live  bool
	blk   mempool.Block
}

// Queue is the delta list. It is not safe for concurrent use.
type Queue struct {
	dev   Device
	alloc *mempool.Allocator

	nodes []node
	free  []int32
	head  int32
	n     int
}

// New returns an empty queue. alloc may be nil, in which case nodes are not
// charged to any pool.
func New(dev Device, alloc *mempool.Allocator) *Queue {
	return &Queue{dev: dev, alloc: alloc, head: nilNode}
}

// Len reports the number of pending timers.
func (q *Queue) Len() int { return q.n }

func (q *Queue) newNode() (int32, error) {
	var blk mempool.Block
	if q.alloc != nil {
		b, err := q.alloc.Acquire(nodeBytes)
		if err != nil {
			return nilNode, err
		}
		blk = b
	}

	var i int32
	if n := len(q.free); n > 0 {
		i = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		q.nodes = append(q.nodes, node{})
		i = int32(len(q.nodes) - 1)
	}
	nd := &q.nodes[i]
	gen := nd.gen + 1
	if gen == 0 {
		gen = 1
	}
	*nd = node{prev: nilNode, next: nilNode, gen: gen, live: true, blk: blk}
	q.n++
	return i, nil
}

func (q *Queue) retire(i int32) {
	nd := &q.nodes[i]
	if q.alloc != nil && nd.blk != mempool.NoBlock {
		_ = q.alloc.Release(nd.blk)
	}
	nd.live = false
	nd.cb = nil
	nd.arg = nil
	nd.blk = mempool.NoBlock
	nd.prev, nd.next = nilNode, nilNode
	q.free = append(q.free, i)
	q.n--
}

// foldElapsed charges the time already counted by the device to the head so
// the stored deltas are relative to now.
func (q *Queue) foldElapsed() {
	if q.head == nilNode || q.dev == nil {
		return
	}
	h := &q.nodes[q.head]
	el := q.dev.Elapsed()
	if el > h.delta {
		el = h.delta
	}
	h.delta -= el
}

func (q *Queue) arm() {
	if q.dev == nil {
		return
	}
	if q.head == nilNode {
		q.dev.Cancel()
		return
	}
	q.dev.Start(q.nodes[q.head].delta)
}

// Schedule queues cb to run with arg after delay ticks.
func (q *Queue) Schedule(delay uint32, owner Owner, cb Callback, arg any) (Handle, error) {
	if cb == nil {
		return Handle{}, ErrNoCallback
	}
	i, err := q.newNode()
	if err != nil {
		return Handle{}, err
	}
	nd := &q.nodes[i]
	nd.owner = owner
	nd.cb = cb
	nd.arg = arg

	q.foldElapsed()

	prev, cur := int32(nilNode), q.head
	for cur != nilNode {
		c := &q.nodes[cur]
		if delay < c.delta {
			c.delta -= delay
			break
		}
		delay -= c.delta
		prev, cur = cur, c.next
	}
	nd.delta = delay

	switch {
	case prev == nilNode:
		nd.next = q.head
		if q.head != nilNode {
			q.nodes[q.head].prev = i
		}
		q.head = i
	case cur == nilNode:
		nd.prev = prev
		q.nodes[prev].next = i
	default:
		nd.prev = prev
		nd.next = cur
		q.nodes[prev].next = i
		q.nodes[cur].prev = i
	}

	q.arm()
	return Handle{idx: uint32(i), gen: nd.gen}, nil
}

func (q *Queue) lookup(h Handle) (int32, bool) {
	if !h.Valid() || int(h.idx) >= len(q.nodes) {
		return nilNode, false
	}
	nd := &q.nodes[h.idx]
	if !nd.live || nd.gen != h.gen {
		return nilNode, false
	}
	return int32(h.idx), true
}

// Cancel removes a pending timer without running its callback. The
// cancelled node's delta is folded into its successor.
func (q *Queue) Cancel(h Handle) error {
	i, ok := q.lookup(h)
	if !ok {
		return ErrStale
	}
	nd := &q.nodes[i]

	if i == q.head {
		q.foldElapsed()
		q.head = nd.next
		if q.head != nilNode {
			q.nodes[q.head].delta += nd.delta
			q.nodes[q.head].prev = nilNode
		}
		q.arm()
	} else {
		q.nodes[nd.prev].next = nd.next
		if nd.next != nilNode {
			q.nodes[nd.next].delta += nd.delta
			q.nodes[nd.next].prev = nd.prev
		}
	}
	q.retire(i)
	return nil
}

// Pending reports whether h still refers to a queued timer.
func (q *Queue) Pending(h Handle) bool {
	_, ok := q.lookup(h)
	return ok
}

// Owner reports the owner tag of a pending timer.
func (q *Queue) Owner(h Handle) (Owner, bool) {
	i, ok := q.lookup(h)
	if !ok {
		return 0, false
	}
	return q.nodes[i].owner, true
}

// Remaining reports the ticks left before h fires.
func (q *Queue) Remaining(h Handle) (uint32, bool) {
	i, ok := q.lookup(h)
	if !ok {
		return 0, false
	}
	var sum uint32
	for cur := q.head; cur != nilNode; cur = q.nodes[cur].next {
		sum += q.nodes[cur].delta
		if cur == i {
			break
		}
	}
	if q.dev != nil {
		el := q.dev.Elapsed()
		if el > q.nodes[q.head].delta {
			el = q.nodes[q.head].delta
		}
		sum -= el
	}
	return sum, true
}

// Deltas returns the stored per-node deltas from head to tail.
func (q *Queue) Deltas() []uint32 {
	out := make([]uint32, 0, q.n)
	for cur := q.head; cur != nilNode; cur = q.nodes[cur].next {
		out = append(out, q.nodes[cur].delta)
	}
	return out
}

type fired struct {
	cb  Callback
	arg any
}

// Expire handles the hardware one-shot interrupt: the head and every node
// due at the same instant are retired, the device is rearmed for the new
// head, and the callbacks run in queue order.
func (q *Queue) Expire() {
	if q.head == nilNode {
		return
	}

	var due []fired
	for {
		i := q.head
		nd := &q.nodes[i]
		due = append(due, fired{cb: nd.cb, arg: nd.arg})
		q.head = nd.next
		q.retire(i)
		if q.head == nilNode {
			break
		}
		q.nodes[q.head].prev = nilNode
		if q.nodes[q.head].delta != 0 {
			break
		}
	}
	if q.head != nilNode {
		q.arm()
	}

	for _, f := range due {
		f.cb(f.arg)
	}
}
