package kernel

import (
	"fmt"

	"ember/kernel/mempool"
)

// tcbBytes is what each TCB slot charges to the allocator.
const tcbBytes = 120

// taskTable owns the TCB arena and the ID translation table.
//
// Every slot sits on exactly one of two chains threaded through tcb.chain:
// the free chain or the allocated chain.
type taskTable struct {
	slots []tcb
	ids   []int32

	freeHead  int32
	allocHead int32

	base   int
	grows  int
	idsBlk mempool.Block
}

func (k *Kernel) initTasks(capacity int) error {
	tt := &k.tasks
	tt.base = capacity
	tt.freeHead, tt.allocHead = nilSlot, nilSlot

	blk, err := k.alloc.Acquire(capacity * 4)
	if err != nil {
		return err
	}
	tt.idsBlk = blk
	tt.ids = make([]int32, capacity)
	for i := range tt.ids {
		tt.ids[i] = nilSlot
	}
	return k.addSlots(capacity)
}

// addSlots extends the arena by n free TCBs.
func (k *Kernel) addSlots(n int) error {
	tt := &k.tasks
	for j := 0; j < n; j++ {
		blk, err := k.alloc.Acquire(tcbBytes)
		if err != nil {
			return err
		}
		tt.slots = append(tt.slots, tcb{blk: blk, ready: link{nilSlot, nilSlot}})
		i := int32(len(tt.slots) - 1)
		k.pushFree(i)
	}
	return nil
}

func (k *Kernel) pushFree(i int32) {
	tt := &k.tasks
	t := &tt.slots[i]
	t.chain = link{prev: nilSlot, next: tt.freeHead}
	if tt.freeHead != nilSlot {
		tt.slots[tt.freeHead].chain.prev = i
	}
	tt.freeHead = i
}

func (k *Kernel) popFree() int32 {
	tt := &k.tasks
	i := tt.freeHead
	if i == nilSlot {
		return nilSlot
	}
	tt.freeHead = tt.slots[i].chain.next
	if tt.freeHead != nilSlot {
		tt.slots[tt.freeHead].chain.prev = nilSlot
	}
	return i
}

func (k *Kernel) pushAlloc(i int32) {
	tt := &k.tasks
	t := &tt.slots[i]
	t.chain = link{prev: nilSlot, next: tt.allocHead}
	if tt.allocHead != nilSlot {
		tt.slots[tt.allocHead].chain.prev = i
	}
	tt.allocHead = i
}

func (k *Kernel) unlinkAlloc(i int32) {
	tt := &k.tasks
	t := &tt.slots[i]
	if t.chain.prev != nilSlot {
		tt.slots[t.chain.prev].chain.next = t.chain.next
	} else {
		tt.allocHead = t.chain.next
	}
	if t.chain.next != nilSlot {
		tt.slots[t.chain.next].chain.prev = t.chain.prev
	}
	t.chain = link{nilSlot, nilSlot}
}

// grow doubles the ID table. Existing mappings and slot contents are kept
// as they are; the new slots join the free chain.
func (k *Kernel) grow() error {
	tt := &k.tasks
	old := len(tt.ids)
	next := tt.base << (tt.grows + 1)

	blk, err := k.alloc.Acquire(next * 4)
	if err != nil {
		return err
	}
	ids := make([]int32, next)
	copy(ids, tt.ids)
	for i := old; i < next; i++ {
		ids[i] = nilSlot
	}
	if err := k.addSlots(next - len(tt.slots)); err != nil {
		_ = k.alloc.Release(blk)
		return err
	}
	_ = k.alloc.Release(tt.idsBlk)
	tt.idsBlk = blk
	tt.ids = ids
	tt.grows++
	k.debugf("task id table grown to %d", next)
	return nil
}

// freeID returns the lowest unassigned ID above the init task's, growing
// the table when every ID is taken.
func (k *Kernel) freeID() (TaskID, error) {
	tt := &k.tasks
	for id := int(InitTaskID) + 1; id < len(tt.ids); id++ {
		if tt.ids[id] == nilSlot {
			return TaskID(id), nil
		}
	}
	old := len(tt.ids)
	if err := k.grow(); err != nil {
		return NoTask, err
	}
	return TaskID(old), nil
}

// slotOf validates id and resolves it to an arena slot.
func (k *Kernel) slotOf(id TaskID) (int32, Code) {
	tt := &k.tasks
	if id < 0 || int(id) >= len(tt.ids) {
		return nilSlot, ErrID
	}
	i := tt.ids[id]
	if i == nilSlot {
		return nilSlot, ErrNoExs
	}
	return i, OK
}

func (k *Kernel) slot(i int32) *tcb {
	if i == nilSlot {
		return nil
	}
	return &k.tasks.slots[i]
}

// allocTask takes a free slot, binds it to id and initializes it DORMANT.
func (k *Kernel) allocTask(id TaskID, spec TaskSpec) (int32, Code) {
	size := uint32(spec.StackSize)
	if uint64(k.stackNext)+uint64(size) > uint64(k.cfg.StackBase)+uint64(k.cfg.StackSize) {
		return nilSlot, ErrNoMem
	}

	i := k.popFree()
	if i == nilSlot {
		return nilSlot, ErrNoID
	}
	k.pushAlloc(i)

	k.seq++
	t := &k.tasks.slots[i]
	*t = tcb{
		id:        id,
		name:      spec.Name,
		entry:     spec.Entry,
		args:      spec.Args,
		state:     StateDormant,
		timing:    spec.Timing,
		seq:       k.seq,
		ready:     link{nilSlot, nilSlot},
		chain:     t.chain,
		blk:       t.blk,
		used:      true,
		stackSize: size,
	}
	if t.name == "" {
		t.name = fmt.Sprintf("task%d", id)
	}
	k.initPriority(t, spec.Priority)

	k.stackNext += size
	t.stackTop = k.stackNext
	k.initFrame(t)

	k.tasks.ids[id] = i
	return i, OK
}

// freeTask returns a DORMANT slot to the free chain and clears its ID.
// Its stack region is not reclaimed.
func (k *Kernel) freeTask(i int32) {
	t := &k.tasks.slots[i]
	id := t.id
	k.unlinkAlloc(i)
	*t = tcb{blk: t.blk, ready: link{nilSlot, nilSlot}}
	k.pushFree(i)
	if id >= 0 && int(id) < len(k.tasks.ids) && k.tasks.ids[id] == i {
		k.tasks.ids[id] = nilSlot
	}
}

func (k *Kernel) initPriority(t *tcb, pri int) {
	if k.policy.kind() == PolicyFCFS {
		pri = NoPriority
	}
	t.priority = pri
	t.initPriority = pri
}

// liveTasks counts allocated tasks other than init.
func (k *Kernel) liveTasks() int {
	n := 0
	for i := k.tasks.allocHead; i != nilSlot; i = k.tasks.slots[i].chain.next {
		if k.tasks.slots[i].id != InitTaskID {
			n++
		}
	}
	return n
}

// Task returns a snapshot of the task registered under id.
func (k *Kernel) Task(id TaskID) (TaskInfo, error) {
	defer k.mask()()
	i, code := k.slotOf(id)
	if code != OK {
		return TaskInfo{}, code
	}
	return k.info(k.slot(i)), nil
}

// Tasks returns snapshots of every registered task ordered by ID.
func (k *Kernel) Tasks() []TaskInfo {
	defer k.mask()()
	var out []TaskInfo
	for _, i := range k.tasks.ids {
		if i != nilSlot {
			out = append(out, k.info(k.slot(i)))
		}
	}
	return out
}

// Entry returns what a fresh frame of id starts executing: the entry point
// and its argument vector.
func (k *Kernel) Entry(id TaskID) (TaskFunc, []string, error) {
	defer k.mask()()
	i, code := k.slotOf(id)
	if code != OK {
		return nil, nil, code
	}
	t := k.slot(i)
	return t.entry, t.args, nil
}

// Capacity reports the current size of the ID table.
func (k *Kernel) Capacity() int {
	defer k.mask()()
	return len(k.tasks.ids)
}
