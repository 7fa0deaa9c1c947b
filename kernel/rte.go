package kernel

import (
	"ember/kernel/mempool"
	"ember/kernel/timerq"
)

// Service handlers. Each runs masked, with k.current set to the caller (or
// to the interrupted task for non-task-context calls), and writes its
// result into the parameter block.

func (k *Kernel) checkSpec(spec *TaskSpec) Code {
	if spec.Entry == nil {
		return ErrPar
	}
	if spec.StackSize < k.cfg.MinStack {
		return ErrPar
	}
	if !k.policy.kind().realtime() {
		if spec.Priority < NoPriority || spec.Priority >= PriorityLevels {
			return ErrPar
		}
		return OK
	}
	pt, ok := spec.Timing.(Periodic)
	if !ok {
		return ErrPar
	}
	if pt.Exec <= 0 || pt.Exec > pt.Period {
		return ErrPar
	}
	if pt.Exec > pt.Deadline || pt.Deadline <= 0 || pt.Deadline > pt.Period {
		return ErrPar
	}
	return OK
}

func (k *Kernel) rteCreate(p *CreateParams) {
	p.ID = NoTask
	if c := k.checkSpec(&p.Spec); c != OK {
		p.Ret = c
		return
	}
	id, err := k.freeID()
	if err != nil {
		p.Ret = ErrNoID
		return
	}
	i, code := k.allocTask(id, p.Spec)
	if code != OK {
		p.Ret = code
		return
	}
	if k.policy.kind().realtime() {
		k.admitRealtime(i)
	}
	p.ID = id
	k.debugf("created task %d (%s)", id, k.tasks.slots[i].name)
}

func (k *Kernel) rteDelete(p *TaskParams) {
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	if k.tasks.slots[i].state&StateDormant == 0 {
		p.Ret = ErrObj
		return
	}
	k.freeTask(i)
}

func (k *Kernel) rteStart(p *TaskParams) {
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	t := &k.tasks.slots[i]
	if t.state&StateDormant == 0 {
		p.Ret = ErrObj
		return
	}
	t.callFlag = CallNone
	p.Ret = k.enqueue(i)
}

func (k *Kernel) rteRun(p *CreateParams) {
	k.rteCreate(p)
	if p.Ret != OK {
		return
	}
	sp := TaskParams{ID: p.ID}
	k.rteStart(&sp)
	p.Ret = sp.Ret
}

// retire makes the running task DORMANT again.
func (k *Kernel) retire(i int32) Code {
	t := &k.tasks.slots[i]
	if t.id == InitTaskID {
		return ErrIlUse
	}
	if c := k.dequeue(i); c != OK {
		return c
	}
	k.reset(t)
	return OK
}

// reset returns an unlinked task to its freshly created condition.
func (k *Kernel) reset(t *tcb) {
	k.cancelTimer(t)
	t.state = StateDormant
	if !k.ranked(t) {
		t.priority = t.initPriority
	}
	t.callFlag = CallNone
	t.callParams = nil
	k.initFrame(t)
}

func (k *Kernel) rteExit(p *ExitParams) {
	p.Ret = k.retire(k.current)
}

func (k *Kernel) rteExitDelete(p *ExitParams) {
	if p.Ret = k.retire(k.current); p.Ret != OK {
		return
	}
	k.freeTask(k.current)
}

func (k *Kernel) rteTerminate(p *TaskParams) {
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	if i == k.current {
		p.Ret = ErrIlUse
		return
	}
	t := &k.tasks.slots[i]
	if t.state&StateDormant != 0 {
		p.Ret = ErrObj
		return
	}
	if t.id == InitTaskID {
		p.Ret = ErrIlUse
		return
	}
	k.unlinkReady(i)
	k.reset(t)
	k.debugf("terminated task %d", t.id)
}

func (k *Kernel) rteGetPriority(p *PriorityParams) {
	if k.policy.kind() == PolicyFCFS {
		p.Ret = ErrNoSpt
		return
	}
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	t := &k.tasks.slots[i]
	if t.state&StateDormant != 0 {
		p.Ret = ErrObj
		return
	}
	p.Priority = t.priority
}

func (k *Kernel) rteChangePriority(p *PriorityParams) {
	if pol := k.policy.kind(); pol == PolicyFCFS || pol.realtime() {
		p.Ret = ErrNoSpt
		return
	}
	if p.Priority < 0 || p.Priority >= PriorityLevels {
		p.Ret = ErrPar
		return
	}
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	t := &k.tasks.slots[i]
	if t.state&StateDormant != 0 {
		p.Ret = ErrObj
		return
	}

	if i == k.current && t.callFlag == CallTask {
		if c := k.dequeue(i); c != OK {
			p.Ret = c
			return
		}
		t.priority = p.Priority
		p.Ret = k.enqueue(i)
		return
	}
	if t.state&StateReady != 0 {
		k.unlinkReady(i)
		t.priority = p.Priority
		k.linkReady(i)
		return
	}
	t.priority = p.Priority
}

// block takes the caller off the ready structure into the wait state w,
// optionally arming a timer that releases it after ticks.
func (k *Kernel) block(w State, ticks int) Code {
	i := k.current
	t := &k.tasks.slots[i]
	if t.id == InitTaskID {
		return ErrIlUse
	}
	if c := k.dequeue(i); c != OK {
		return c
	}
	t.state = w
	if ticks > 0 {
		h, err := k.timers.Schedule(uint32(ticks), timerq.OwnerGeneral, k.waitTimeout, i)
		if err != nil {
			k.linkReady(i)
			return ErrNoMem
		}
		t.timer = h
	}
	return OK
}

func (k *Kernel) rteSleep(p *SleepParams) {
	if k.policy.kind().realtime() {
		p.Ret = ErrNoSpt
		return
	}
	switch {
	case p.Timeout == 0:
		p.Ret = ErrTmout
		return
	case p.Timeout < Forever:
		p.Ret = ErrPar
		return
	}
	p.Ret = k.block(WaitSleep, p.Timeout)
}

func (k *Kernel) rteDelay(p *DelayParams) {
	if p.Ticks < 0 {
		p.Ret = ErrPar
		return
	}
	if p.Ticks == 0 {
		return
	}
	p.Ret = k.block(WaitDelay, p.Ticks)
}

// waitTimeout is the timer callback of a blocked task.
func (k *Kernel) waitTimeout(arg any) {
	i, ok := arg.(int32)
	if !ok || i < 0 || int(i) >= len(k.tasks.slots) {
		return
	}
	t := &k.tasks.slots[i]
	if !t.used || !t.state.Waiting() {
		return
	}
	t.timer = timerq.Handle{}
	if t.state&WaitSleep != 0 {
		k.release(i, ErrTmout)
		return
	}
	k.release(i, OK)
}

func (k *Kernel) cancelTimer(t *tcb) {
	if t.timer.Valid() {
		_ = k.timers.Cancel(t.timer)
		t.timer = timerq.Handle{}
	}
}

// release readies a blocked task and completes its pending call with code.
func (k *Kernel) release(i int32, code Code) {
	t := &k.tasks.slots[i]
	k.cancelTimer(t)
	t.state &^= waitMask
	if t.callParams != nil {
		*t.callParams.result() = code
	}
	k.linkReady(i)
}

func (k *Kernel) rteWake(p *TaskParams) {
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	t := &k.tasks.slots[i]
	if t.state&StateDormant != 0 {
		p.Ret = ErrObj
		return
	}
	if t.state&WaitSleep == 0 {
		p.Ret = ErrIlUse
		return
	}
	k.release(i, OK)
}

func (k *Kernel) rteReleaseWait(p *TaskParams) {
	i, code := k.slotOf(p.ID)
	if code != OK {
		p.Ret = code
		return
	}
	t := &k.tasks.slots[i]
	if t.state&(StateReady|StateDormant) != 0 || !t.state.Waiting() {
		p.Ret = ErrObj
		return
	}
	k.release(i, ErrRlWai)
}

func (k *Kernel) rteAcquire(p *AcquireParams) {
	p.Block = mempool.NoBlock
	if p.Size <= 0 {
		p.Ret = ErrPar
		return
	}
	b, err := k.alloc.Acquire(p.Size)
	if err != nil {
		p.Ret = ErrNoMem
		return
	}
	p.Block = b
}

func (k *Kernel) rteRelease(p *ReleaseParams) {
	if p.Block == mempool.NoBlock {
		p.Ret = ErrPar
		return
	}
	if err := k.alloc.Release(p.Block); err != nil {
		p.Ret = ErrPar
	}
}

func (k *Kernel) rteDefineHandler(p *HandlerParams) {
	p.Ret = k.defineHandler(p.Line, p.Handler)
}

func (k *Kernel) rteSelectScheduler(p *SchedulerParams) {
	p.Ret = k.selectPolicy(p.Policy)
}

func (k *Kernel) rteEnableDispatch(p *DispatchParams) {
	k.dispatchOff = false
}

func (k *Kernel) rteDisableDispatch(p *DispatchParams) {
	k.dispatchOff = true
}
