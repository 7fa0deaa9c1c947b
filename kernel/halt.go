package kernel

import (
	"bytes"
	"fmt"
)

// Fatal describes the condition that froze the kernel.
type Fatal struct {
	Module  string
	Message string
	TaskID  TaskID
	Stack   []byte
}

func (f Fatal) Error() string {
	return fmt.Sprintf("[%s] %s", f.Module, f.Message)
}

// Halted reports whether the kernel has frozen.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// fatalf freezes the kernel. The halt handler runs at most once; after it
// returns (only test handlers do) every entry point refuses service.
func (k *Kernel) fatalf(module, format string, args ...any) {
	k.haltOnce.Do(func() {
		k.halted.Store(true)
		f := Fatal{
			Module:  module,
			Message: fmt.Sprintf(format, args...),
			TaskID:  NoTask,
			Stack:   captureStack(),
		}
		if t := k.slot(k.current); t != nil {
			f.TaskID = t.id
		}
		k.logf("system error! kernel freeze!")
		k.logf("%s", f.Error())
		if k.cfg.Halt != nil {
			k.cfg.Halt(f)
			return
		}
		select {}
	})
}

// allocFatal is the allocator's fatal hook.
func (k *Kernel) allocFatal(err error) {
	k.fatalf("memory", "%v", err)
}

// Freeze halts the kernel on behalf of a subsystem that detected an
// unrecoverable condition.
func (k *Kernel) Freeze(module, reason string) {
	defer k.mask()()
	k.fatalf(module, "%s", reason)
}

// trimHaltFrames drops the frames of the halt path itself from a goroutine
// dump, keeping the header and everything below fatalf's caller.
func trimHaltFrames(stack []byte) []byte {
	lines := bytes.Split(bytes.TrimRight(stack, "\n"), []byte("\n"))
	if len(lines) < 2 {
		return stack
	}
	cut := -1
	for i := 1; i < len(lines); i++ {
		if bytes.Contains(lines[i], []byte(").fatalf(")) {
			cut = i
		}
	}
	if cut < 0 || cut+2 > len(lines) {
		return stack
	}
	out := append([][]byte{lines[0]}, lines[cut+2:]...)
	return append(bytes.Join(out, []byte("\n")), '\n')
}
