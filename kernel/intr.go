package kernel

// IntrType enumerates the interrupt sources the kernel routes.
type IntrType uint8

const (
	// IntrSyscall is the software trap used by task-context calls.
	IntrSyscall IntrType = iota
	// IntrSerial is the console UART.
	IntrSerial
	// IntrTimer is the one-shot timer behind the soft-timer queue.
	IntrTimer
	// IntrCyclic is the periodic system tick.
	IntrCyclic

	intrCount
)

func (t IntrType) String() string {
	switch t {
	case IntrSyscall:
		return "syscall"
	case IntrSerial:
		return "serial"
	case IntrTimer:
		return "timer"
	case IntrCyclic:
		return "cyclic"
	default:
		return "unknown"
	}
}

// IRQ returns the interrupt controller line of t, or -1 for the software
// trap.
func (t IntrType) IRQ() int {
	switch t {
	case IntrSerial:
		return 74
	case IntrTimer:
		return 38
	case IntrCyclic:
		return 37
	default:
		return -1
	}
}

// InterruptHandler services one external interrupt. It runs with
// interrupts masked and may only use non-task-context calls.
type InterruptHandler func()

// defineHandler registers h for line. Before the init task exists any line
// may be set; afterwards only the serial line can be replaced.
func (k *Kernel) defineHandler(line IntrType, h InterruptHandler) Code {
	if line <= IntrSyscall || line >= intrCount || h == nil {
		return ErrPar
	}
	if k.tasks.ids[InitTaskID] != nilSlot && line != IntrSerial {
		return ErrIlUse
	}
	k.handlers[line] = h
	return OK
}

// DefineHandler registers an interrupt handler from boot code.
func (k *Kernel) DefineHandler(line IntrType, h InterruptHandler) error {
	defer k.mask()()
	return k.defineHandler(line, h).Err()
}

func (k *Kernel) enableLines() {
	if k.cfg.IRQ == nil {
		return
	}
	for line := IntrSerial; line < intrCount; line++ {
		if k.handlers[line] != nil {
			k.cfg.IRQ.Enable(line.IRQ())
		}
	}
}

// Interrupt is the external interrupt entry: it records the interruption
// on the running task, runs the registered handler and reschedules.
func (k *Kernel) Interrupt(line IntrType) error {
	defer k.mask()()
	if k.Halted() {
		return ErrCtx
	}
	if line <= IntrSyscall || line >= intrCount {
		return ErrPar
	}
	if t := k.slot(k.current); t != nil {
		t.intrType = line
	}
	k.trace(Event{Kind: EventInterrupt, Intr: line})

	var err error
	if h := k.handlers[line]; h != nil {
		h()
	} else {
		k.debugf("no handler for %s interrupt", line)
		err = ErrNoRoute
	}
	k.switchContext()
	return err
}
