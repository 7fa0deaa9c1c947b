package kernel

import (
	"errors"
	"strings"
	"testing"
)

type recDispatcher struct {
	ids    []TaskID
	frames []Frame
}

func (d *recDispatcher) Dispatch(id TaskID, f Frame) {
	d.ids = append(d.ids, id)
	d.frames = append(d.frames, f)
}

type fakeTimer struct {
	armed   bool
	ticks   uint32
	elapsed uint32
}

func (f *fakeTimer) Start(ticks uint32) { f.armed, f.ticks, f.elapsed = true, ticks, 0 }
func (f *fakeTimer) Cancel()            { f.armed = false }
func (f *fakeTimer) Elapsed() uint32    { return f.elapsed }

type recIRQ struct {
	enabled []int
}

func (r *recIRQ) Enable(line int)  { r.enabled = append(r.enabled, line) }
func (r *recIRQ) Disable(line int) {}

type recLog struct {
	lines []string
}

func (l *recLog) WriteLineString(s string) { l.lines = append(l.lines, s) }

type rig struct {
	disp   *recDispatcher
	timer  *fakeTimer
	irq    *recIRQ
	log    *recLog
	fatals []Fatal
}

func newRig(cfg *Config) *rig {
	r := &rig{disp: &recDispatcher{}, timer: &fakeTimer{}, irq: &recIRQ{}, log: &recLog{}}
	cfg.Dispatcher = r.disp
	cfg.Timer = r.timer
	cfg.IRQ = r.irq
	cfg.Log = r.log
	cfg.Halt = func(f Fatal) { r.fatals = append(r.fatals, f) }
	return r
}

// fire elapses the armed timer and takes its interrupt.
func (r *rig) fire(t *testing.T, k *Kernel) {
	t.Helper()
	if !r.timer.armed {
		t.Fatalf("timer not armed")
	}
	r.timer.elapsed = r.timer.ticks
	if err := k.Interrupt(IntrTimer); err != nil {
		t.Fatalf("Interrupt(timer) = %v, want nil", err)
	}
}

func idle(int, []string) int { return 0 }

func booted(t *testing.T, cfg Config) (*Kernel, *rig) {
	t.Helper()
	r := newRig(&cfg)
	k := New(cfg)
	if err := k.Boot(TaskSpec{Name: "init", Entry: idle}); err != nil {
		t.Fatalf("Boot() = %v, want nil", err)
	}
	if got := k.Current(); got != InitTaskID {
		t.Fatalf("Current() = %d after boot, want %d", got, InitTaskID)
	}
	return k, r
}

func spec(name string, pri int) TaskSpec {
	return TaskSpec{Name: name, Entry: idle, Priority: pri, StackSize: 0x80}
}

func mustCreate(t *testing.T, k *Kernel, s TaskSpec) TaskID {
	t.Helper()
	id, err := k.Create(s)
	if err != nil {
		t.Fatalf("Create(%s) = %v, want nil", s.Name, err)
	}
	return id
}

func mustState(t *testing.T, k *Kernel, id TaskID, want State) {
	t.Helper()
	ti, err := k.Task(id)
	if err != nil {
		t.Fatalf("Task(%d) = %v", id, err)
	}
	if ti.State != want {
		t.Fatalf("Task(%d).State = %v, want %v", id, ti.State, want)
	}
}

func sameIDs(a, b []TaskID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBootDispatchesInit(t *testing.T) {
	k, r := booted(t, Config{})

	if len(r.disp.ids) != 1 || r.disp.ids[0] != InitTaskID {
		t.Fatalf("dispatched %v, want [0]", r.disp.ids)
	}
	f := r.disp.frames[0]
	if f.SP != defaultStackBase+defaultInitStack-frameWords*4 {
		t.Fatalf("init frame SP = %#x", f.SP)
	}
	if !f.IRQMasked {
		t.Fatalf("init frame IRQMasked = false, want true")
	}
	if err := k.Boot(TaskSpec{Entry: idle}); !errors.Is(err, ErrObj) {
		t.Fatalf("second Boot() = %v, want %v", err, ErrObj)
	}
	found := false
	for _, l := range r.log.lines {
		if strings.HasPrefix(l, "kernel: booted") {
			found = true
		}
	}
	if !found {
		t.Fatalf("log %q has no boot line", r.log.lines)
	}
}

func TestBootEnablesRoutedLines(t *testing.T) {
	cfg := Config{}
	r := newRig(&cfg)
	k := New(cfg)
	if err := k.DefineHandler(IntrCyclic, func() {}); err != nil {
		t.Fatalf("DefineHandler(cyclic) = %v", err)
	}
	if err := k.Boot(TaskSpec{Entry: idle}); err != nil {
		t.Fatalf("Boot() = %v", err)
	}
	want := []int{IntrTimer.IRQ(), IntrCyclic.IRQ()}
	if len(r.irq.enabled) != len(want) || r.irq.enabled[0] != want[0] || r.irq.enabled[1] != want[1] {
		t.Fatalf("enabled lines = %v, want %v", r.irq.enabled, want)
	}
}

func TestCreateBeforeBootSkipsInitID(t *testing.T) {
	cfg := Config{}
	newRig(&cfg)
	k := New(cfg)

	id, err := k.ICreate(spec("early", 3))
	if err != nil || id != 1 {
		t.Fatalf("ICreate() before boot = %d, %v, want 1, nil", id, err)
	}
	if err := k.Boot(TaskSpec{Name: "init", Entry: idle}); err != nil {
		t.Fatalf("Boot() = %v, want nil", err)
	}
	if got := k.Current(); got != InitTaskID {
		t.Fatalf("Current() = %d after boot, want %d", got, InitTaskID)
	}
	ti, err := k.Task(InitTaskID)
	if err != nil || ti.Name != "init" {
		t.Fatalf("Task(0) = %+v, %v, want init", ti, err)
	}
	if err := k.Start(id); err != nil {
		t.Fatalf("Start(%d) = %v", id, err)
	}
	if got := k.Current(); got != id {
		t.Fatalf("Current() = %d, want %d", got, id)
	}
}

func TestCreateReusesLowestID(t *testing.T) {
	k, _ := booted(t, Config{})

	a := mustCreate(t, k, spec("a", 4))
	b := mustCreate(t, k, spec("b", 4))
	c := mustCreate(t, k, spec("c", 4))
	if a != 1 || b != 2 || c != 3 {
		t.Fatalf("ids = %d,%d,%d, want 1,2,3", a, b, c)
	}
	if err := k.Delete(b); err != nil {
		t.Fatalf("Delete(%d) = %v", b, err)
	}
	if got := mustCreate(t, k, spec("d", 4)); got != b {
		t.Fatalf("Create() after delete = %d, want %d", got, b)
	}
	if got := mustCreate(t, k, spec("e", 4)); got != 4 {
		t.Fatalf("Create() = %d, want 4", got)
	}
}

func TestIDTableGrowthKeepsMappings(t *testing.T) {
	k, _ := booted(t, Config{TaskIDs: 4})

	for _, n := range []string{"a", "b", "c"} {
		mustCreate(t, k, spec(n, 4))
	}
	before := k.Tasks()

	if got := mustCreate(t, k, spec("d", 4)); got != 4 {
		t.Fatalf("Create() at capacity = %d, want 4", got)
	}
	if got := k.Capacity(); got != 8 {
		t.Fatalf("Capacity() = %d, want 8", got)
	}
	for _, old := range before {
		now, err := k.Task(old.ID)
		if err != nil {
			t.Fatalf("Task(%d) = %v after growth", old.ID, err)
		}
		if now.Name != old.Name || now.StackTop != old.StackTop || now.Frame != old.Frame {
			t.Fatalf("Task(%d) = %+v after growth, want %+v", old.ID, now, old)
		}
	}
	if _, err := k.Task(8); !errors.Is(err, ErrID) {
		t.Fatalf("Task(8) = %v, want %v", err, ErrID)
	}
	if _, err := k.Task(5); !errors.Is(err, ErrNoExs) {
		t.Fatalf("Task(5) = %v, want %v", err, ErrNoExs)
	}
}

func TestCreateValidation(t *testing.T) {
	k, _ := booted(t, Config{})

	tests := []struct {
		name string
		spec TaskSpec
	}{
		{"nil entry", TaskSpec{Priority: 1, StackSize: 0x80}},
		{"priority too high", spec("p", PriorityLevels)},
		{"priority too low", spec("p", -2)},
		{"small stack", TaskSpec{Entry: idle, Priority: 1, StackSize: defaultMinStack - 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := k.Create(tt.spec)
			if !errors.Is(err, ErrPar) || id != NoTask {
				t.Fatalf("Create() = %d, %v, want %d, %v", id, err, NoTask, ErrPar)
			}
		})
	}
}

func TestCreateStackArenaExhausted(t *testing.T) {
	k, _ := booted(t, Config{StackBase: 0x1000, StackSize: 0x200})

	s := spec("big", 3)
	s.StackSize = 0x100
	mustCreate(t, k, s)
	if _, err := k.Create(spec("more", 3)); !errors.Is(err, ErrNoMem) {
		t.Fatalf("Create() past arena = %v, want %v", err, ErrNoMem)
	}
	if got := k.Capacity(); got != defaultTaskIDs {
		t.Fatalf("Capacity() = %d, want %d", got, defaultTaskIDs)
	}
}

func TestDeleteTwice(t *testing.T) {
	k, _ := booted(t, Config{})

	id := mustCreate(t, k, spec("a", 3))
	if err := k.Delete(id); err != nil {
		t.Fatalf("Delete() = %v, want nil", err)
	}
	if err := k.Delete(id); !errors.Is(err, ErrNoExs) {
		t.Fatalf("second Delete() = %v, want %v", err, ErrNoExs)
	}
	if err := k.Delete(-1); !errors.Is(err, ErrID) {
		t.Fatalf("Delete(-1) = %v, want %v", err, ErrID)
	}
}

func TestDeleteReadyTask(t *testing.T) {
	k, _ := booted(t, Config{})

	id := mustCreate(t, k, spec("a", 3))
	if err := k.Start(id); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := k.Delete(id); !errors.Is(err, ErrObj) {
		t.Fatalf("Delete(ready) = %v, want %v", err, ErrObj)
	}
}

func TestExitAndRestart(t *testing.T) {
	k, r := booted(t, Config{})

	id := mustCreate(t, k, spec("a", 3))
	if err := k.Start(id); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if got := k.Current(); got != id {
		t.Fatalf("Current() = %d, want %d", got, id)
	}
	first := r.disp.frames[len(r.disp.frames)-1]

	if err := k.Exit(); err != nil {
		t.Fatalf("Exit() = %v", err)
	}
	mustState(t, k, id, StateDormant)
	if got := k.Current(); got != InitTaskID {
		t.Fatalf("Current() after exit = %d, want 0", got)
	}

	if err := k.Start(id); err != nil {
		t.Fatalf("Start() again = %v", err)
	}
	again := r.disp.frames[len(r.disp.frames)-1]
	if again.SP != first.SP || again.Gen == first.Gen {
		t.Fatalf("restarted frame = %+v, first %+v: want same SP, new Gen", again, first)
	}
}

func TestExitDeleteFreesID(t *testing.T) {
	k, _ := booted(t, Config{})

	id := mustCreate(t, k, spec("a", 3))
	if err := k.Start(id); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := k.ExitDelete(); err != nil {
		t.Fatalf("ExitDelete() = %v", err)
	}
	if _, err := k.Task(id); !errors.Is(err, ErrNoExs) {
		t.Fatalf("Task() after ExitDelete = %v, want %v", err, ErrNoExs)
	}
	if got := mustCreate(t, k, spec("b", 3)); got != id {
		t.Fatalf("Create() = %d, want reused %d", got, id)
	}
}

func TestInitCannotExit(t *testing.T) {
	k, _ := booted(t, Config{})

	if err := k.Exit(); !errors.Is(err, ErrIlUse) {
		t.Fatalf("Exit() from init = %v, want %v", err, ErrIlUse)
	}
	if err := k.Delay(3); !errors.Is(err, ErrIlUse) {
		t.Fatalf("Delay() from init = %v, want %v", err, ErrIlUse)
	}
	mustState(t, k, InitTaskID, StateReady)
}

func TestTerminate(t *testing.T) {
	k, _ := booted(t, Config{})

	a := mustCreate(t, k, spec("a", 2))
	b := mustCreate(t, k, spec("b", 5))
	if err := k.Terminate(b); !errors.Is(err, ErrObj) {
		t.Fatalf("Terminate(dormant) = %v, want %v", err, ErrObj)
	}
	if err := k.Start(b); err != nil {
		t.Fatalf("Start(b) = %v", err)
	}
	if err := k.Start(a); err != nil {
		t.Fatalf("Start(a) = %v", err)
	}
	if got := k.Current(); got != a {
		t.Fatalf("Current() = %d, want %d", got, a)
	}
	if err := k.Terminate(a); !errors.Is(err, ErrIlUse) {
		t.Fatalf("Terminate(self) = %v, want %v", err, ErrIlUse)
	}
	if err := k.Terminate(b); err != nil {
		t.Fatalf("Terminate(b) = %v", err)
	}
	mustState(t, k, b, StateDormant)
	if got := k.ReadyBitmap(); got != 1<<2 {
		t.Fatalf("ReadyBitmap() = %#x, want %#x", got, 1<<2)
	}
}

func TestTerminateDelayedTaskCancelsTimer(t *testing.T) {
	k, r := booted(t, Config{})

	id := mustCreate(t, k, spec("a", 2))
	if err := k.Start(id); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := k.Delay(10); err != nil {
		t.Fatalf("Delay() = %v", err)
	}
	mustState(t, k, id, WaitDelay)
	if !r.timer.armed || k.Timers().Len() != 1 {
		t.Fatalf("timer armed = %v, pending = %d, want true, 1", r.timer.armed, k.Timers().Len())
	}

	if err := k.Terminate(id); err != nil {
		t.Fatalf("Terminate() = %v", err)
	}
	ti, _ := k.Task(id)
	if ti.State != StateDormant || ti.TimerPending {
		t.Fatalf("Task() = %+v, want dormant without timer", ti)
	}
	if r.timer.armed || k.Timers().Len() != 0 {
		t.Fatalf("timer armed = %v, pending = %d, want false, 0", r.timer.armed, k.Timers().Len())
	}
	if err := k.Interrupt(IntrTimer); err != nil {
		t.Fatalf("Interrupt(timer) = %v", err)
	}
	mustState(t, k, id, StateDormant)
}

func TestHaltFreezesKernel(t *testing.T) {
	k, r := booted(t, Config{})

	if _, err := k.Acquire(4096); !errors.Is(err, ErrNoMem) {
		t.Fatalf("Acquire(4096) = %v, want %v", err, ErrNoMem)
	}
	if len(r.fatals) != 1 || r.fatals[0].Module != "memory" {
		t.Fatalf("fatals = %+v, want one memory fatal", r.fatals)
	}
	if r.fatals[0].TaskID != InitTaskID {
		t.Fatalf("Fatal.TaskID = %d, want %d", r.fatals[0].TaskID, InitTaskID)
	}
	if !k.Halted() {
		t.Fatalf("Halted() = false, want true")
	}
	var froze bool
	for _, l := range r.log.lines {
		if l == "kernel: system error! kernel freeze!" {
			froze = true
		}
	}
	if !froze {
		t.Fatalf("log %q has no freeze line", r.log.lines)
	}
	if _, err := k.Create(spec("late", 3)); !errors.Is(err, ErrCtx) {
		t.Fatalf("Create() after halt = %v, want %v", err, ErrCtx)
	}
	if err := k.Interrupt(IntrTimer); !errors.Is(err, ErrCtx) {
		t.Fatalf("Interrupt() after halt = %v, want %v", err, ErrCtx)
	}
	if len(r.fatals) != 1 {
		t.Fatalf("halt handler ran %d times, want 1", len(r.fatals))
	}
}

func TestEntry(t *testing.T) {
	k, _ := booted(t, Config{})
	s := spec("worker", 3)
	s.Args = []string{"a", "b"}
	id := mustCreate(t, k, s)

	entry, args, err := k.Entry(id)
	if err != nil {
		t.Fatalf("Entry(%d) = %v", id, err)
	}
	if entry == nil || !sameStrings(args, s.Args) {
		t.Fatalf("Entry(%d) = %v, %q, want idle, %q", id, entry != nil, args, s.Args)
	}
	if _, _, err := k.Entry(42); !errors.Is(err, ErrID) {
		t.Fatalf("Entry(42) = %v, want %v", err, ErrID)
	}
}

func sameStrings(a, b []string) bool {
	return strings.Join(a, "\x00") == strings.Join(b, "\x00")
}

func TestFreeze(t *testing.T) {
	k, r := booted(t, Config{})
	k.Freeze("ctxlog", "context log overflow")
	k.Freeze("other", "ignored")

	if len(r.fatals) != 1 {
		t.Fatalf("halt handler ran %d times, want 1", len(r.fatals))
	}
	f := r.fatals[0]
	if f.Module != "ctxlog" || f.Message != "context log overflow" || f.TaskID != InitTaskID {
		t.Fatalf("Fatal = %+v", f)
	}
	if got, want := f.Error(), "[ctxlog] context log overflow"; got != want {
		t.Fatalf("Fatal.Error() = %q, want %q", got, want)
	}
}

func TestTrimHaltFrames(t *testing.T) {
	stack := []byte(`goroutine 7 [running]:
ember/kernel.captureStack()
	/src/kernel/stack_std.go:11 +0x2c
ember/kernel.(*Kernel).fatalf.func1()
	/src/kernel/halt.go:31 +0x40
sync.(*Once).doSlow(0x0?, 0x0?)
	/go/src/sync/once.go:74 +0xc2
ember/kernel.(*Kernel).fatalf(0xc000100000, {0x5a1b2c, 0x6}, {0x5a3d4e, 0x2}, {0xc0000a1f20, 0x1, 0x1})
	/src/kernel/halt.go:25 +0x85
ember/kernel.(*Kernel).Freeze(0xc000100000, {0x5a1b2c, 0x6}, {0x5a9f00, 0x14})
	/src/kernel/halt.go:58 +0x7d
`)
	want := `goroutine 7 [running]:
ember/kernel.(*Kernel).Freeze(0xc000100000, {0x5a1b2c, 0x6}, {0x5a9f00, 0x14})
	/src/kernel/halt.go:58 +0x7d
`
	if got := string(trimHaltFrames(stack)); got != want {
		t.Fatalf("trimHaltFrames() = %q, want %q", got, want)
	}

	plain := []byte("goroutine 1 [running]:\nmain.main()\n\tmain.go:3\n")
	if got := trimHaltFrames(plain); string(got) != string(plain) {
		t.Fatalf("trimHaltFrames() without fatalf = %q, want unchanged", got)
	}
}
