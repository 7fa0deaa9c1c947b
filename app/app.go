package app

import (
	"errors"
	"io"

	"ember/hal"
	"ember/kernel"
	"ember/kernel/ctxlog"
)

// ErrHalted is returned by the step function once the kernel has frozen
// and Config.ExitOnHalt is set.
var ErrHalted = errors.New("kernel halted")

type Config struct {
	Policy kernel.Policy
	Debug  bool

	// Autorun starts the demo tasks from the init task at boot.
	Autorun bool
	// Rounds bounds how long each demo task runs.
	Rounds int

	// LogEntries is the context log capacity. LogFailStop freezes the
	// kernel when the log fills up instead of overwriting old entries.
	LogEntries  int
	LogFailStop bool

	// EchoSerial echoes console input back over the serial line, for
	// targets whose terminal does not echo locally.
	EchoSerial bool

	ExitOnHalt bool
}

type system struct {
	h       hal.HAL
	cfg     Config
	k       *kernel.Kernel
	m       *Machine
	rec     *ctxlog.Recorder
	console *console
	demo    *demo
	term    *terminal
	out     io.Writer
	uptime  uint64
}

// New initializes and boots the OS with default config.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, Config{})
}

// RunWithConfig boots the OS and blocks forever (TinyGo/native entrypoint).
func RunWithConfig(h hal.HAL, cfg Config) {
	_ = NewWithConfig(h, cfg)
	select {}
}

// NewWithConfig boots the OS and returns the host step function: it
// forwards keyboard input to the console.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	s, err := newSystem(h, cfg)
	if err != nil {
		return func() error { return err }
	}
	return s.step
}

func newSystem(h hal.HAL, cfg Config) (*system, error) {
	if cfg.Rounds <= 0 {
		cfg.Rounds = 10
	}
	s := &system{h: h, cfg: cfg, m: NewMachine()}

	var overflow func()
	if cfg.LogFailStop {
		overflow = func() { s.k.Freeze("ctxlog", "context log overflow") }
	}
	s.rec = ctxlog.New(cfg.LogEntries, overflow)

	s.k = kernel.New(kernel.Config{
		Policy:     cfg.Policy,
		Dispatcher: s.m,
		IRQ:        s.m,
		Mask:       s.m,
		Timer:      s.m.Timer(),
		Log:        h.Logger(),
		Halt:       s.halt,
		Trace:      s.rec.Observe,
		Debug:      cfg.Debug,
	})
	s.m.Attach(s.k)

	var serial io.Writer = io.Discard
	if sp := h.Serial(); sp != nil {
		serial = sp
	}
	s.term = newTerminal(h)
	s.out = consoleOut(serial, s.term)

	var echo io.Writer
	switch {
	case cfg.EchoSerial:
		echo = s.out
	case s.term != nil:
		echo = s.term
	}

	s.demo = &demo{k: s.k, m: s.m, led: h.LED(), out: s.out, rounds: cfg.Rounds}
	s.console = newConsole(s.k, s.rec, s.out, serial, echo, s.demo.specs)

	if err := s.k.DefineHandler(kernel.IntrSerial, s.console.interrupt); err != nil {
		return nil, err
	}
	if err := s.k.DefineHandler(kernel.IntrCyclic, s.cyclic); err != nil {
		return nil, err
	}

	s.startTicks()
	s.startSerial()

	if err := s.m.Boot(kernel.TaskSpec{Name: "init", Entry: s.init}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *system) startTicks() {
	ht := s.h.Time()
	if ht == nil {
		return
	}
	ch := ht.Ticks()
	if ch == nil {
		return
	}
	go func() {
		for range ch {
			s.m.Tick()
		}
	}()
}

func (s *system) startSerial() {
	sp := s.h.Serial()
	if sp == nil {
		return
	}
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := sp.Read(buf)
			if n > 0 {
				s.console.feed(buf[:n])
				s.m.Raise(kernel.IntrSerial)
			}
			if err != nil {
				return
			}
		}
	}()
}

// init is the body of the init task.
func (s *system) init(argc int, argv []string) int {
	io.WriteString(s.out, "ember ready. type help.\n")
	if s.cfg.Autorun {
		for _, spec := range s.demo.specs() {
			if _, err := s.k.Run(spec); err != nil {
				if l := s.h.Logger(); l != nil {
					l.WriteLineString("init: run " + spec.Name + ": " + err.Error())
				}
			}
		}
	}
	io.WriteString(s.out, prompt)
	s.m.Idle()
	return 0
}

// cyclic is the system tick handler: it keeps uptime and a heartbeat LED.
func (s *system) cyclic() {
	s.uptime++
	if s.uptime%1000 == 0 && s.h.LED() != nil {
		if s.uptime/1000%2 == 0 {
			s.h.LED().Low()
		} else {
			s.h.LED().High()
		}
	}
}

// halt is the kernel halt handler. The CPU stops for good.
func (s *system) halt(f kernel.Fatal) {
	drawHaltScreen(s.h, f)
	s.m.Halt(f)
	select {}
}

// step runs on the host runner goroutine. It only feeds input to the
// machine; it never calls into the kernel.
func (s *system) step() error {
	select {
	case <-s.m.Done():
		if s.cfg.ExitOnHalt {
			return ErrHalted
		}
		return nil
	default:
	}

	in := s.h.Input()
	if in == nil {
		return nil
	}
	kbd := in.Keyboard()
	if kbd == nil {
		return nil
	}
	ch := kbd.Events()
	if ch == nil {
		return nil
	}
	var buf []byte
	for {
		select {
		case ev := <-ch:
			buf = appendKey(buf, ev)
		default:
			if len(buf) > 0 {
				s.console.feed(buf)
				s.m.Raise(kernel.IntrSerial)
			}
			return nil
		}
	}
}

// appendKey translates a key press into console input bytes.
func appendKey(buf []byte, ev hal.KeyEvent) []byte {
	if !ev.Press {
		return buf
	}
	if ev.Rune != 0 {
		if ev.Rune < 0x80 {
			return append(buf, byte(ev.Rune))
		}
		return buf
	}
	switch ev.Code {
	case hal.KeyEnter:
		return append(buf, '\r')
	case hal.KeyBackspace:
		return append(buf, 0x7f)
	case hal.KeyEscape:
		return append(buf, 0x15)
	}
	return buf
}
