package app

import (
	"runtime"
	"sync"
	"sync/atomic"

	"ember/kernel"
	"ember/kernel/timerq"
)

// Machine is the host model of the single CPU the kernel runs on.
//
// Every task runs on its own goroutine, but only the goroutine holding the
// baton executes; Dispatch hands the baton to the target task and parks the
// caller. External interrupts are latched by other goroutines and taken by
// the baton holder when its mask depth drops to zero, or when it polls.
//
// Machine implements kernel.Dispatcher, kernel.IRQController and
// kernel.InterruptMask. Kernel entry points may only be called by the
// baton holder, or by boot code before Boot.
type Machine struct {
	k *kernel.Kernel

	// Owned by the baton holder.
	running *thread
	threads map[kernel.TaskID]*thread
	depth   int
	booted  bool

	mu      sync.Mutex
	enabled map[int]bool

	pending  atomic.Uint32
	doorbell chan struct{}
	timer    oneShot

	bootc    chan struct{}
	bootOnce sync.Once
	done     chan struct{}
	haltOnce sync.Once
	fatal    kernel.Fatal
}

type thread struct {
	id    kernel.TaskID
	gen   uint32
	wake  chan bool
	depth int

	stale      bool
	delivering bool
}

// NewMachine returns a powered-on CPU executing boot code.
func NewMachine() *Machine {
	m := &Machine{
		running:  &thread{id: kernel.NoTask},
		threads:  make(map[kernel.TaskID]*thread),
		enabled:  make(map[int]bool),
		doorbell: make(chan struct{}, 1),
		bootc:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.timer.raise = func() { m.latch(kernel.IntrTimer) }
	m.timer.clear = func() { m.unlatch(kernel.IntrTimer) }
	return m
}

// Attach binds the kernel whose tasks the machine executes.
func (m *Machine) Attach(k *kernel.Kernel) { m.k = k }

// Timer returns the one-shot timer device.
func (m *Machine) Timer() timerq.Device { return &m.timer }

// Boot starts k on a boot goroutine and returns once the init task has
// been dispatched. Boot code never resumes after the first dispatch.
func (m *Machine) Boot(init kernel.TaskSpec) error {
	errc := make(chan error, 1)
	go func() { errc <- m.k.Boot(init) }()
	select {
	case err := <-errc:
		return err
	case <-m.bootc:
		return nil
	}
}

// Dispatch switches the CPU to the frame of task id.
func (m *Machine) Dispatch(id kernel.TaskID, f kernel.Frame) {
	m.booted = true
	m.bootOnce.Do(func() { close(m.bootc) })

	prev := m.running
	if prev.id == id && prev.gen == f.Gen {
		return
	}
	m.reap()

	next := m.threads[id]
	if next == nil || next.gen != f.Gen {
		if next != nil {
			m.retire(next)
		}
		next = m.spawn(id, f.Gen)
	}

	prev.depth = m.depth
	exit := prev.stale
	m.running = next
	m.depth = next.depth
	next.wake <- true

	if exit {
		runtime.Goexit()
	}
	if !<-prev.wake {
		runtime.Goexit()
	}
}

// live reports whether t still runs the current frame of its task.
func (m *Machine) live(t *thread) bool {
	if t.id == kernel.NoTask {
		return false
	}
	info, err := m.k.Task(t.id)
	return err == nil && info.Frame.Gen == t.gen
}

// reap retires threads whose task was deleted or had its frame rebuilt.
func (m *Machine) reap() {
	for _, t := range m.threads {
		if !m.live(t) {
			m.retire(t)
		}
	}
	if r := m.running; !r.stale && !m.live(r) {
		r.stale = true
	}
}

// retire marks t stale. A parked thread is woken so its goroutine can exit;
// the running one exits after handing off the baton.
func (m *Machine) retire(t *thread) {
	t.stale = true
	if m.threads[t.id] == t {
		delete(m.threads, t.id)
	}
	if t != m.running {
		t.wake <- false
	}
}

func (m *Machine) spawn(id kernel.TaskID, gen uint32) *thread {
	t := &thread{id: id, gen: gen, wake: make(chan bool, 1)}
	m.threads[id] = t
	entry, args, _ := m.k.Entry(id)
	go m.run(t, entry, args)
	return t
}

// run is the body of a task goroutine. Returning from the entry point exits
// the task; only init survives that, and it idles.
func (m *Machine) run(t *thread, entry kernel.TaskFunc, args []string) {
	if !<-t.wake {
		return
	}
	m.Poll()
	if entry != nil {
		entry(len(args), args)
	}
	m.k.Exit()
	m.Idle()
}

// Mask raises the mask depth. The restore func lowers it again and takes
// pending interrupts once it reaches zero.
func (m *Machine) Mask() (restore func()) {
	t := m.running
	m.depth++
	return func() {
		if t.stale {
			return
		}
		m.depth--
		if m.depth == 0 {
			m.deliver(t)
		}
	}
}

// Enable unmasks an interrupt controller line.
func (m *Machine) Enable(line int) {
	m.mu.Lock()
	m.enabled[line] = true
	m.mu.Unlock()
}

// Disable masks an interrupt controller line.
func (m *Machine) Disable(line int) {
	m.mu.Lock()
	delete(m.enabled, line)
	m.mu.Unlock()
}

// Enabled reports whether line is unmasked at the controller.
func (m *Machine) Enabled(line int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[line]
}

// Raise latches an external interrupt. It may be called from any
// goroutine.
func (m *Machine) Raise(line kernel.IntrType) {
	m.latch(line)
}

func (m *Machine) latch(line kernel.IntrType) {
	bit := uint32(1) << line
	for {
		old := m.pending.Load()
		if old&bit != 0 || m.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case m.doorbell <- struct{}{}:
	default:
	}
}

func (m *Machine) unlatch(line kernel.IntrType) {
	bit := uint32(1) << line
	for {
		old := m.pending.Load()
		if old&bit == 0 || m.pending.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// take claims the highest priority pending interrupt whose line is
// enabled.
func (m *Machine) take() (kernel.IntrType, bool) {
	for _, line := range []kernel.IntrType{kernel.IntrTimer, kernel.IntrCyclic, kernel.IntrSerial} {
		bit := uint32(1) << line
		for {
			old := m.pending.Load()
			if old&bit == 0 || !m.Enabled(line.IRQ()) {
				break
			}
			if m.pending.CompareAndSwap(old, old&^bit) {
				return line, true
			}
		}
	}
	return 0, false
}

func (m *Machine) deliver(t *thread) {
	if t.delivering || !m.booted || m.k == nil {
		return
	}
	t.delivering = true
	for m.depth == 0 && !m.k.Halted() {
		line, ok := m.take()
		if !ok {
			break
		}
		m.k.Interrupt(line)
	}
	t.delivering = false
}

// Poll is a preemption point: pending interrupts are taken if the caller
// runs unmasked.
func (m *Machine) Poll() {
	if m.depth == 0 {
		m.deliver(m.running)
	}
}

// Idle waits for interrupts forever. It is the body of the init task.
func (m *Machine) Idle() {
	for {
		m.Poll()
		select {
		case <-m.doorbell:
		case <-m.done:
			select {}
		}
	}
}

// Tick advances the machine by one millisecond: the cyclic tick fires and
// the one-shot timer counts.
func (m *Machine) Tick() {
	m.timer.tick()
	m.latch(kernel.IntrCyclic)
}

// Halt records the fatal condition and releases Done waiters. It does not
// stop the caller.
func (m *Machine) Halt(f kernel.Fatal) {
	m.haltOnce.Do(func() {
		m.fatal = f
		close(m.done)
	})
}

// Done is closed once the kernel has frozen.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Fatal returns the condition that froze the kernel. Valid after Done.
func (m *Machine) Fatal() kernel.Fatal { return m.fatal }

// oneShot is the hardware one-shot timer. It counts Tick calls while armed
// and latches the timer interrupt when the count is reached; rearming or
// cancelling clears a latched interrupt.
type oneShot struct {
	mu    sync.Mutex
	armed bool
	ticks uint32
	count uint32
	raise func()
	clear func()
}

func (o *oneShot) Start(ticks uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed = true
	o.ticks = ticks
	o.count = 0
	o.clear()
	if ticks == 0 {
		o.armed = false
		o.raise()
	}
}

func (o *oneShot) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed = false
	o.clear()
}

func (o *oneShot) Elapsed() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

func (o *oneShot) tick() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.armed {
		return
	}
	o.count++
	if o.count >= o.ticks {
		o.armed = false
		o.raise()
	}
}
