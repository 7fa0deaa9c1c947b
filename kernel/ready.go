package kernel

// readyQueue is the runnable-task structure. The two implementations are
// selected by scheduling policy: FCFS uses fifoQueue, every other policy
// uses priorityQueue. The init task never enters either; it lives in
// Kernel.initSlot.
type readyQueue interface {
	link(k *Kernel, i int32)
	unlink(k *Kernel, i int32)
	// first returns the task the policy would run next, or nilSlot.
	first(k *Kernel) int32
}

type queue struct {
	head int32
	tail int32
}

func newQueue() queue { return queue{head: nilSlot, tail: nilSlot} }

func (q *queue) push(k *Kernel, i int32) {
	t := &k.tasks.slots[i]
	t.ready = link{prev: q.tail, next: nilSlot}
	if q.tail != nilSlot {
		k.tasks.slots[q.tail].ready.next = i
	} else {
		q.head = i
	}
	q.tail = i
}

func (q *queue) remove(k *Kernel, i int32) {
	t := &k.tasks.slots[i]
	if t.ready.prev != nilSlot {
		k.tasks.slots[t.ready.prev].ready.next = t.ready.next
	} else {
		q.head = t.ready.next
	}
	if t.ready.next != nilSlot {
		k.tasks.slots[t.ready.next].ready.prev = t.ready.prev
	} else {
		q.tail = t.ready.prev
	}
	t.ready = link{nilSlot, nilSlot}
}

func (q *queue) empty() bool { return q.head == nilSlot }

type fifoQueue struct {
	q queue
}

func newFIFOQueue() *fifoQueue { return &fifoQueue{q: newQueue()} }

func (f *fifoQueue) link(k *Kernel, i int32)   { f.q.push(k, i) }
func (f *fifoQueue) unlink(k *Kernel, i int32) { f.q.remove(k, i) }
func (f *fifoQueue) first(*Kernel) int32       { return f.q.head }

type priorityQueue struct {
	levels [PriorityLevels]queue
	bitmap uint32
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	for i := range pq.levels {
		pq.levels[i] = newQueue()
	}
	return pq
}

func (pq *priorityQueue) level(k *Kernel, i int32) int {
	p := k.tasks.slots[i].priority
	if p < 0 {
		return 0
	}
	if p >= PriorityLevels {
		return PriorityLevels - 1
	}
	return p
}

func (pq *priorityQueue) link(k *Kernel, i int32) {
	p := pq.level(k, i)
	pq.levels[p].push(k, i)
	pq.bitmap |= 1 << uint(p)
}

func (pq *priorityQueue) unlink(k *Kernel, i int32) {
	p := pq.level(k, i)
	pq.levels[p].remove(k, i)
	if pq.levels[p].empty() {
		pq.bitmap &^= 1 << uint(p)
	}
}

func (pq *priorityQueue) first(*Kernel) int32 {
	p := lowestSet(pq.bitmap)
	if p < 0 {
		return nilSlot
	}
	return pq.levels[p].head
}

// linkReady puts slot i on the ready structure and marks it READY. It does
// not check call context.
func (k *Kernel) linkReady(i int32) {
	t := &k.tasks.slots[i]
	if t.id == InitTaskID {
		k.initSlot = i
	} else {
		k.ready.link(k, i)
	}
	t.state = StateReady
}

// unlinkReady takes slot i off the ready structure and clears READY.
func (k *Kernel) unlinkReady(i int32) {
	t := &k.tasks.slots[i]
	if t.state&StateReady == 0 {
		return
	}
	if t.id == InitTaskID {
		if k.initSlot == i {
			k.initSlot = nilSlot
		}
	} else {
		k.ready.unlink(k, i)
	}
	t.state &^= StateReady
}

// enqueue is the context-checked insertion used for the task a call acts
// on: only a task with no call in flight or a task-context call in flight
// may have its ready linkage touched.
func (k *Kernel) enqueue(i int32) Code {
	t := &k.tasks.slots[i]
	if t.callFlag == CallNonTask {
		return ErrIlUse
	}
	if t.state&StateReady != 0 {
		return ErrObj
	}
	k.linkReady(i)
	return OK
}

// dequeue is the context-checked counterpart of enqueue.
func (k *Kernel) dequeue(i int32) Code {
	t := &k.tasks.slots[i]
	if t.callFlag == CallNonTask {
		return ErrIlUse
	}
	if t.state&StateReady == 0 {
		return ErrObj
	}
	k.unlinkReady(i)
	return OK
}

// EnqueueCurrent puts the running task back on the ready structure.
func (k *Kernel) EnqueueCurrent() error {
	defer k.mask()()
	if k.current == nilSlot {
		return ErrCtx
	}
	return k.enqueue(k.current).Err()
}

// DequeueCurrent takes the running task off the ready structure.
func (k *Kernel) DequeueCurrent() error {
	defer k.mask()()
	if k.current == nilSlot {
		return ErrCtx
	}
	return k.dequeue(k.current).Err()
}

// Remove takes a task off the ready structure regardless of call context.
// A task that is not READY is left alone.
func (k *Kernel) Remove(id TaskID) error {
	defer k.mask()()
	i, code := k.slotOf(id)
	if code != OK {
		return code
	}
	k.unlinkReady(i)
	return nil
}

// ReadyOrder lists READY task IDs in the order the scheduler would consider
// them, init last.
func (k *Kernel) ReadyOrder() []TaskID {
	defer k.mask()()
	var out []TaskID
	walk := func(q queue) {
		for i := q.head; i != nilSlot; i = k.tasks.slots[i].ready.next {
			out = append(out, k.tasks.slots[i].id)
		}
	}
	switch rq := k.ready.(type) {
	case *fifoQueue:
		walk(rq.q)
	case *priorityQueue:
		for p := range rq.levels {
			walk(rq.levels[p])
		}
	}
	if k.initSlot != nilSlot {
		out = append(out, InitTaskID)
	}
	return out
}

// ReadyBitmap returns the priority occupancy bitmap, or 0 under FCFS.
func (k *Kernel) ReadyBitmap() uint32 {
	defer k.mask()()
	if pq, ok := k.ready.(*priorityQueue); ok {
		return pq.bitmap
	}
	return 0
}
