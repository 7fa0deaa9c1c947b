package kernel

import "ember/kernel/mempool"

// Task-side wrappers around Syscall. Each one traps into the kernel and
// returns the call's result once the caller is dispatched again.

// Create registers a new DORMANT task.
func (k *Kernel) Create(spec TaskSpec) (TaskID, error) {
	p := CreateParams{Spec: spec}
	k.Syscall(CallCreate, &p)
	return p.ID, p.Ret.Err()
}

// Delete removes a DORMANT task and frees its ID.
func (k *Kernel) Delete(id TaskID) error {
	p := TaskParams{ID: id}
	k.Syscall(CallDelete, &p)
	return p.Ret.Err()
}

// Start makes a DORMANT task READY.
func (k *Kernel) Start(id TaskID) error {
	p := TaskParams{ID: id}
	k.Syscall(CallStart, &p)
	return p.Ret.Err()
}

// Run creates and starts a task.
func (k *Kernel) Run(spec TaskSpec) (TaskID, error) {
	p := CreateParams{Spec: spec}
	k.Syscall(CallRun, &p)
	return p.ID, p.Ret.Err()
}

// Exit makes the caller DORMANT. It only returns on failure.
func (k *Kernel) Exit() error {
	var p ExitParams
	k.Syscall(CallExit, &p)
	return p.Ret.Err()
}

// ExitDelete makes the caller DORMANT and deletes it. It only returns on
// failure.
func (k *Kernel) ExitDelete() error {
	var p ExitParams
	k.Syscall(CallExitDelete, &p)
	return p.Ret.Err()
}

// Terminate forces another task back to DORMANT.
func (k *Kernel) Terminate(id TaskID) error {
	p := TaskParams{ID: id}
	k.Syscall(CallTerminate, &p)
	return p.Ret.Err()
}

func (k *Kernel) GetPriority(id TaskID) (int, error) {
	p := PriorityParams{ID: id}
	k.Syscall(CallGetPriority, &p)
	return p.Priority, p.Ret.Err()
}

func (k *Kernel) ChangePriority(id TaskID, pri int) error {
	p := PriorityParams{ID: id, Priority: pri}
	k.Syscall(CallChangePriority, &p)
	return p.Ret.Err()
}

// Sleep blocks the caller until Wake, ReleaseWait or timeout ticks pass.
// Use Forever for no timeout.
func (k *Kernel) Sleep(timeout int) error {
	p := SleepParams{Timeout: timeout}
	k.Syscall(CallSleep, &p)
	return p.Ret.Err()
}

// Delay blocks the caller for ticks.
func (k *Kernel) Delay(ticks int) error {
	p := DelayParams{Ticks: ticks}
	k.Syscall(CallDelay, &p)
	return p.Ret.Err()
}

func (k *Kernel) Wake(id TaskID) error {
	p := TaskParams{ID: id}
	k.Syscall(CallWake, &p)
	return p.Ret.Err()
}

func (k *Kernel) ReleaseWait(id TaskID) error {
	p := TaskParams{ID: id}
	k.Syscall(CallReleaseWait, &p)
	return p.Ret.Err()
}

// Acquire takes a block of at least size bytes from the kernel pools.
func (k *Kernel) Acquire(size int) (mempool.Block, error) {
	p := AcquireParams{Size: size}
	k.Syscall(CallAcquire, &p)
	return p.Block, p.Ret.Err()
}

func (k *Kernel) ReleaseMem(b mempool.Block) error {
	p := ReleaseParams{Block: b}
	k.Syscall(CallRelease, &p)
	return p.Ret.Err()
}

// SetHandler is the task-context form of DefineHandler.
func (k *Kernel) SetHandler(line IntrType, h InterruptHandler) error {
	p := HandlerParams{Line: line, Handler: h}
	k.Syscall(CallDefineHandler, &p)
	return p.Ret.Err()
}

func (k *Kernel) SelectScheduler(pol Policy) error {
	p := SchedulerParams{Policy: pol}
	k.Syscall(CallSelectScheduler, &p)
	return p.Ret.Err()
}

func (k *Kernel) EnableDispatch() error {
	var p DispatchParams
	k.Syscall(CallEnableDispatch, &p)
	return p.Ret.Err()
}

func (k *Kernel) DisableDispatch() error {
	var p DispatchParams
	k.Syscall(CallDisableDispatch, &p)
	return p.Ret.Err()
}

// Non-task-context wrappers for interrupt handlers.

func (k *Kernel) ICreate(spec TaskSpec) (TaskID, error) {
	p := CreateParams{Spec: spec}
	k.ISyscall(CallCreate, &p)
	return p.ID, p.Ret.Err()
}

func (k *Kernel) IStart(id TaskID) error {
	p := TaskParams{ID: id}
	k.ISyscall(CallStart, &p)
	return p.Ret.Err()
}

func (k *Kernel) IChangePriority(id TaskID, pri int) error {
	p := PriorityParams{ID: id, Priority: pri}
	k.ISyscall(CallChangePriority, &p)
	return p.Ret.Err()
}

func (k *Kernel) IWake(id TaskID) error {
	p := TaskParams{ID: id}
	k.ISyscall(CallWake, &p)
	return p.Ret.Err()
}
