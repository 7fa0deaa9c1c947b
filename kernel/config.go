package kernel

import (
	"fmt"
	"strings"

	"ember/kernel/mempool"
	"ember/kernel/timerq"
)

// Policy selects the scheduling algorithm.
type Policy uint8

const (
	PolicyFCFS Policy = iota + 1
	PolicyPriority
	PolicyRM
	PolicyDM
)

func (p Policy) String() string {
	switch p {
	case PolicyFCFS:
		return "fcfs"
	case PolicyPriority:
		return "pri"
	case PolicyRM:
		return "rm"
	case PolicyDM:
		return "dm"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fcfs":
		return PolicyFCFS, nil
	case "pri", "priority", "":
		return PolicyPriority, nil
	case "rm":
		return PolicyRM, nil
	case "dm":
		return PolicyDM, nil
	}
	return 0, fmt.Errorf("unknown scheduling policy %q", s)
}

func (p Policy) realtime() bool { return p == PolicyRM || p == PolicyDM }

// Dispatcher switches the processor to a task's saved frame.
type Dispatcher interface {
	Dispatch(id TaskID, f Frame)
}

// IRQController enables and disables interrupt lines.
type IRQController interface {
	Enable(line int)
	Disable(line int)
}

// InterruptMask masks machine interrupts. The returned func restores the
// previous mask.
type InterruptMask interface {
	Mask() (restore func())
}

// Logger writes one diagnostic line.
type Logger interface {
	WriteLineString(s string)
}

const (
	defaultTaskIDs   = 8
	defaultStackBase = 0x90000000
	defaultStackSize = 0x2000
	defaultMinStack  = 0x48
	defaultInitStack = 0x100
)

// Config is the boot-time configuration of a kernel.
type Config struct {
	Policy Policy

	// TaskIDs is the initial ID table capacity; it doubles on demand.
	TaskIDs int

	// StackBase and StackSize bound the task stack arena.
	StackBase uint32
	StackSize uint32
	MinStack  int

	Pools []mempool.Class

	Dispatcher Dispatcher
	IRQ        IRQController
	Mask       InterruptMask
	Timer      timerq.Device

	Log   Logger
	Halt  func(Fatal)
	Trace func(Event)
	Debug bool
}

func (c Config) withDefaults() Config {
	if c.Policy == 0 {
		c.Policy = PolicyPriority
	}
	if c.TaskIDs <= 0 {
		c.TaskIDs = defaultTaskIDs
	}
	if c.StackSize == 0 {
		c.StackBase = defaultStackBase
		c.StackSize = defaultStackSize
	}
	if c.MinStack <= 0 {
		c.MinStack = defaultMinStack
	}
	if len(c.Pools) == 0 {
		c.Pools = mempool.DefaultClasses
	}
	return c
}
