package kernel

import "ember/kernel/mempool"

// CallID names a kernel service.
type CallID uint8

const (
	CallCreate CallID = iota
	CallDelete
	CallStart
	CallRun
	CallExit
	CallExitDelete
	CallTerminate
	CallGetPriority
	CallChangePriority
	CallSleep
	CallWake
	CallReleaseWait
	CallAcquire
	CallRelease
	CallDefineHandler
	CallSelectScheduler
	CallDelay
	CallEnableDispatch
	CallDisableDispatch

	callCount
)

var callNames = [callCount]string{
	CallCreate:          "create",
	CallDelete:          "delete",
	CallStart:           "start",
	CallRun:             "run",
	CallExit:            "exit",
	CallExitDelete:      "exit-delete",
	CallTerminate:       "terminate",
	CallGetPriority:     "get-priority",
	CallChangePriority:  "change-priority",
	CallSleep:           "sleep",
	CallWake:            "wake",
	CallReleaseWait:     "release-wait",
	CallAcquire:         "acquire",
	CallRelease:         "release",
	CallDefineHandler:   "define-handler",
	CallSelectScheduler: "select-scheduler",
	CallDelay:           "delay",
	CallEnableDispatch:  "enable-dispatch",
	CallDisableDispatch: "disable-dispatch",
}

func (c CallID) String() string {
	if c < callCount {
		return callNames[c]
	}
	return "unknown"
}

// Params is the parameter and result block of one call. Handlers write the
// outcome into the block's Ret field.
type Params interface {
	result() *Code
}

// CreateParams serves create and run.
type CreateParams struct {
	Spec TaskSpec
	ID   TaskID
	Ret  Code
}

// TaskParams serves calls that act on one task by ID.
type TaskParams struct {
	ID  TaskID
	Ret Code
}

// ExitParams serves exit and exit-delete; Ret is only set on failure.
type ExitParams struct {
	Ret Code
}

// PriorityParams serves get-priority (Priority out) and change-priority
// (Priority in).
type PriorityParams struct {
	ID       TaskID
	Priority int
	Ret      Code
}

// Forever is the sleep timeout that never expires.
const Forever = -1

// SleepParams serves sleep. Timeout is in ticks.
type SleepParams struct {
	Timeout int
	Ret     Code
}

// DelayParams serves delay.
type DelayParams struct {
	Ticks int
	Ret   Code
}

// AcquireParams serves acquire.
type AcquireParams struct {
	Size  int
	Block mempool.Block
	Ret   Code
}

// ReleaseParams serves release.
type ReleaseParams struct {
	Block mempool.Block
	Ret   Code
}

// HandlerParams serves define-handler.
type HandlerParams struct {
	Line    IntrType
	Handler InterruptHandler
	Ret     Code
}

// SchedulerParams serves select-scheduler.
type SchedulerParams struct {
	Policy Policy
	Ret    Code
}

// DispatchParams serves enable-dispatch and disable-dispatch.
type DispatchParams struct {
	Ret Code
}

func (p *CreateParams) result() *Code    { return &p.Ret }
func (p *TaskParams) result() *Code      { return &p.Ret }
func (p *ExitParams) result() *Code      { return &p.Ret }
func (p *PriorityParams) result() *Code  { return &p.Ret }
func (p *SleepParams) result() *Code     { return &p.Ret }
func (p *DelayParams) result() *Code     { return &p.Ret }
func (p *AcquireParams) result() *Code   { return &p.Ret }
func (p *ReleaseParams) result() *Code   { return &p.Ret }
func (p *HandlerParams) result() *Code   { return &p.Ret }
func (p *SchedulerParams) result() *Code { return &p.Ret }
func (p *DispatchParams) result() *Code  { return &p.Ret }

type handler func(k *Kernel, p Params)

// route adapts a typed handler; a block of the wrong type is a parameter
// error.
func route[P Params](fn func(*Kernel, P)) handler {
	return func(k *Kernel, p Params) {
		tp, ok := p.(P)
		if !ok {
			*p.result() = ErrPar
			return
		}
		fn(k, tp)
	}
}

var taskCalls = [callCount]handler{
	CallCreate:          route((*Kernel).rteCreate),
	CallDelete:          route((*Kernel).rteDelete),
	CallStart:           route((*Kernel).rteStart),
	CallRun:             route((*Kernel).rteRun),
	CallExit:            route((*Kernel).rteExit),
	CallExitDelete:      route((*Kernel).rteExitDelete),
	CallTerminate:       route((*Kernel).rteTerminate),
	CallGetPriority:     route((*Kernel).rteGetPriority),
	CallChangePriority:  route((*Kernel).rteChangePriority),
	CallSleep:           route((*Kernel).rteSleep),
	CallWake:            route((*Kernel).rteWake),
	CallReleaseWait:     route((*Kernel).rteReleaseWait),
	CallAcquire:         route((*Kernel).rteAcquire),
	CallRelease:         route((*Kernel).rteRelease),
	CallDefineHandler:   route((*Kernel).rteDefineHandler),
	CallSelectScheduler: route((*Kernel).rteSelectScheduler),
	CallDelay:           route((*Kernel).rteDelay),
	CallEnableDispatch:  route((*Kernel).rteEnableDispatch),
	CallDisableDispatch: route((*Kernel).rteDisableDispatch),
}

var nonTaskCalls = [callCount]handler{
	CallCreate:         route((*Kernel).rteCreate),
	CallStart:          route((*Kernel).rteStart),
	CallChangePriority: route((*Kernel).rteChangePriority),
	CallWake:           route((*Kernel).rteWake),
}

func (k *Kernel) invoke(table *[callCount]handler, call CallID, p Params) {
	if p == nil {
		return
	}
	if call >= callCount || table[call] == nil {
		*p.result() = ErrNoRoute
		return
	}
	*p.result() = OK
	table[call](k, p)
}

// Syscall is the software-trap entry for a task-context call issued by the
// running task. The call completes, the scheduler runs and the dispatcher
// is handed the next task. The result is in p once the caller is
// dispatched again.
func (k *Kernel) Syscall(call CallID, p Params) {
	defer k.mask()()
	if k.Halted() || k.current == nilSlot {
		if p != nil {
			*p.result() = ErrCtx
		}
		return
	}
	t := k.slot(k.current)
	t.callFlag = CallTask
	t.callID = call
	t.callParams = p
	t.intrType = IntrSyscall
	k.trace(Event{Kind: EventSyscall, Call: call})

	if k.dispatchOff && call != CallEnableDispatch {
		if p != nil {
			*p.result() = ErrCtx
		}
	} else {
		k.invoke(&taskCalls, call, p)
	}
	k.switchContext()
}

// ISyscall runs a non-task-context call from an interrupt handler. It
// never switches tasks; the running task and its call flag are restored
// before it returns.
func (k *Kernel) ISyscall(call CallID, p Params) {
	defer k.mask()()
	if k.Halted() {
		if p != nil {
			*p.result() = ErrCtx
		}
		return
	}
	saved := k.current
	var flag CallFlag
	if t := k.slot(saved); t != nil {
		flag = t.callFlag
		t.callFlag = CallNonTask
	}

	k.invoke(&nonTaskCalls, call, p)

	k.current = saved
	if t := k.slot(saved); t != nil {
		t.callFlag = flag
	}
}

// switchContext runs the scheduler and hands the chosen task to the
// dispatcher.
func (k *Kernel) switchContext() {
	prev := k.current
	if t := k.slot(prev); !k.dispatchOff || t == nil || t.state&StateReady == 0 {
		k.schedule()
	}
	if k.Halted() {
		return
	}
	t := k.slot(k.current)
	ev := Event{Kind: EventDispatch, Next: k.snapshot(t)}
	if p := k.slot(prev); p != nil && p.used {
		ev.Prev = k.snapshot(p)
	} else {
		ev.Prev.ID = NoTask
	}
	k.trace(ev)
	if k.cfg.Dispatcher != nil {
		k.cfg.Dispatcher.Dispatch(t.id, t.frame)
	}
}
