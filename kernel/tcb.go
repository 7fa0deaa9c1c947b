package kernel

import (
	"strings"

	"ember/kernel/mempool"
	"ember/kernel/timerq"
)

// TaskID names a task. IDs index the kernel's ID table.
type TaskID int32

const (
	// InitTaskID is reserved for the privileged init task.
	InitTaskID TaskID = 0
	// NoTask is returned alongside errors.
	NoTask TaskID = -1
)

// PriorityLevels is the number of fixed priority levels; 0 is highest.
const PriorityLevels = 32

// NoPriority is the priority carried by tasks under FCFS scheduling.
const NoPriority = -1

// State is the task state word. READY and DORMANT are exclusive; any wait
// bit without READY or DORMANT means the task is blocked.
type State uint16

const (
	StateReady   State = 1 << 0
	StateDormant State = 1 << 1

	WaitSleep State = 1 << 3
	WaitDelay State = 1 << 4

	waitMask = WaitSleep | WaitDelay
)

// Waiting reports whether s describes a blocked task.
func (s State) Waiting() bool { return s&waitMask != 0 }

func (s State) String() string {
	switch {
	case s&StateReady != 0:
		return "ready"
	case s&StateDormant != 0:
		return "dormant"
	case s == 0:
		return "unused"
	}
	var parts []string
	if s&WaitSleep != 0 {
		parts = append(parts, "sleep")
	}
	if s&WaitDelay != 0 {
		parts = append(parts, "delay")
	}
	return "wait(" + strings.Join(parts, "|") + ")"
}

// TaskFunc is a task's entry point. Returning from it exits the task.
type TaskFunc func(argc int, argv []string) int

// Timing holds the policy-dependent scheduling parameters of a task.
type Timing interface {
	timing()
}

// Slice is a round-robin time slice in ticks.
type Slice struct {
	Ticks int
}

// Periodic describes a real-time task: it runs for at most Exec ticks every
// Period ticks and must finish within Deadline ticks of release.
type Periodic struct {
	Period   int
	Exec     int
	Deadline int
	Slack    int
}

func (Slice) timing()    {}
func (Periodic) timing() {}

// TaskSpec is the creation request for a task.
type TaskSpec struct {
	Name      string
	Entry     TaskFunc
	Priority  int
	StackSize int
	Args      []string
	Timing    Timing
}

// Frame is the saved execution context handed to the dispatcher. Gen
// changes every time the frame is rebuilt from the entry point.
type Frame struct {
	SP        uint32
	Gen       uint32
	IRQMasked bool
}

// frameWords is the size of the initial register frame: r0-r12, pc, lr and
// the status word.
const frameWords = 17

// CallFlag records what kind of service call a task has in flight.
type CallFlag uint8

const (
	CallNone CallFlag = iota
	CallTask
	CallNonTask
)

func (f CallFlag) String() string {
	switch f {
	case CallNone:
		return "none"
	case CallTask:
		return "task"
	case CallNonTask:
		return "non-task"
	default:
		return "unknown"
	}
}

const nilSlot int32 = -1

type link struct {
	prev int32
	next int32
}

type tcb struct {
	id           TaskID
	name         string
	entry        TaskFunc
	args         []string
	priority     int
	initPriority int
	state        State
	timing       Timing
	seq          uint64

	stackTop  uint32
	stackSize uint32

	ready link
	chain link
	timer timerq.Handle

	intrType IntrType
	frame    Frame

	callFlag   CallFlag
	callID     CallID
	callParams Params

	blk  mempool.Block
	used bool
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	ID           TaskID
	Name         string
	Priority     int
	InitPriority int
	State        State
	Timing       Timing
	StackTop     uint32
	StackSize    uint32
	Frame        Frame
	CallFlag     CallFlag
	TimerPending bool
}

func (k *Kernel) info(t *tcb) TaskInfo {
	return TaskInfo{
		ID:           t.id,
		Name:         t.name,
		Priority:     t.priority,
		InitPriority: t.initPriority,
		State:        t.state,
		Timing:       t.timing,
		StackTop:     t.stackTop,
		StackSize:    t.stackSize,
		Frame:        t.frame,
		CallFlag:     t.callFlag,
		TimerPending: k.timers.Pending(t.timer),
	}
}

// initFrame rebuilds t's register frame so the next dispatch starts it from
// its entry point.
func (k *Kernel) initFrame(t *tcb) {
	k.frameGen++
	t.frame = Frame{
		SP:        t.stackTop - frameWords*4,
		Gen:       k.frameGen,
		IRQMasked: t.priority == 0,
	}
}
