// Package kernel is the core of a preemptible single-core real-time
// kernel: task management, ready queues, scheduling policies, the service
// call gateway and interrupt routing.
//
// The kernel is a state machine. Context switches are requested from the
// configured Dispatcher; interrupts arrive through Interrupt. All state is
// guarded by the InterruptMask, which on hardware disables interrupts and
// on the host serializes callers.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ember/kernel/mempool"
	"ember/kernel/timerq"
)

// Kernel is one kernel instance.
type Kernel struct {
	cfg Config

	alloc  *mempool.Allocator
	timers *timerq.Queue

	tasks    taskTable
	ready    readyQueue
	policy   scheduler
	current  int32
	initSlot int32

	stackNext uint32
	seq       uint64
	frameGen  uint32

	policySelected bool
	dispatchOff    bool

	handlers [intrCount]InterruptHandler

	halted   atomic.Bool
	haltOnce sync.Once
}

// New builds a kernel from cfg. The kernel holds no tasks until Boot.
func New(cfg Config) *Kernel {
	cfg = cfg.withDefaults()
	k := &Kernel{
		cfg:       cfg,
		current:   nilSlot,
		initSlot:  nilSlot,
		stackNext: cfg.StackBase,
	}
	k.alloc = mempool.New(cfg.Pools, k.allocFatal)
	k.timers = timerq.New(cfg.Timer, k.alloc)
	k.policy = newScheduler(cfg.Policy)
	k.ready = k.policy.newReady()

	if err := k.initTasks(cfg.TaskIDs); err != nil {
		k.fatalf("task", "task table: %v", err)
		return k
	}
	k.handlers[IntrTimer] = k.timers.Expire
	return k
}

// Boot creates and starts the init task under ID 0, enables every routed
// interrupt line and dispatches the first task. Init runs only when no other
// task is ready.
func (k *Kernel) Boot(init TaskSpec) error {
	defer k.mask()()
	if k.Halted() {
		return ErrCtx
	}
	if k.tasks.ids[InitTaskID] != nilSlot {
		return ErrObj
	}
	if init.Entry == nil {
		return ErrPar
	}
	if init.StackSize <= 0 {
		init.StackSize = defaultInitStack
	}
	if init.Name == "" {
		init.Name = "init"
	}
	init.Priority = 0
	init.Timing = nil

	i, code := k.allocTask(InitTaskID, init)
	if code != OK {
		return code
	}
	k.linkReady(i)
	k.enableLines()
	k.logf("booted, %s scheduling, %d task ids", k.policy.kind(), len(k.tasks.ids))
	k.switchContext()
	return nil
}

// Current reports the ID of the running task, or NoTask before boot.
func (k *Kernel) Current() TaskID {
	defer k.mask()()
	if t := k.slot(k.current); t != nil {
		return t.id
	}
	return NoTask
}

// Allocator exposes the kernel's fixed-block pools.
func (k *Kernel) Allocator() *mempool.Allocator { return k.alloc }

// Timers exposes the soft-timer queue.
func (k *Kernel) Timers() *timerq.Queue { return k.timers }

func (k *Kernel) mask() (restore func()) {
	if k.cfg.Mask == nil {
		return func() {}
	}
	return k.cfg.Mask.Mask()
}

func (k *Kernel) logf(format string, args ...any) {
	if k.cfg.Log == nil {
		return
	}
	k.cfg.Log.WriteLineString("kernel: " + fmt.Sprintf(format, args...))
}

func (k *Kernel) debugf(format string, args ...any) {
	if !k.cfg.Debug {
		return
	}
	k.logf(format, args...)
}

// EventKind classifies trace events.
type EventKind uint8

const (
	EventSyscall EventKind = iota
	EventInterrupt
	EventDispatch
)

func (e EventKind) String() string {
	switch e {
	case EventSyscall:
		return "syscall"
	case EventInterrupt:
		return "interrupt"
	case EventDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// TaskSnapshot is the part of a task recorded in trace events.
type TaskSnapshot struct {
	ID       TaskID
	Name     string
	Priority int
	State    State
}

// Event is one kernel trace record. Prev and Next are only set for
// EventDispatch.
type Event struct {
	Kind EventKind
	Call CallID
	Intr IntrType
	Task TaskID
	Prev TaskSnapshot
	Next TaskSnapshot
}

func (k *Kernel) snapshot(t *tcb) TaskSnapshot {
	return TaskSnapshot{ID: t.id, Name: t.name, Priority: t.priority, State: t.state}
}

func (k *Kernel) trace(ev Event) {
	if k.cfg.Trace == nil {
		return
	}
	ev.Task = NoTask
	if t := k.slot(k.current); t != nil {
		ev.Task = t.id
	}
	k.cfg.Trace(ev)
}
