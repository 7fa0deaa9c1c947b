package app

import (
	"bytes"
	"errors"
	"image/color"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ember/hal"
	"ember/kernel"
	"ember/kernel/ctxlog"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fakeLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *fakeLog) WriteLineString(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *fakeLog) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *fakeLog) has(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line == s {
			return true
		}
	}
	return false
}

type fakeLED struct {
	highs atomic.Int32
	lows  atomic.Int32
}

func (l *fakeLED) High() { l.highs.Add(1) }
func (l *fakeLED) Low()  { l.lows.Add(1) }

type memFB struct {
	w, h     int
	buf      []byte
	presents atomic.Int32
}

func newMemFB(w, h int) *memFB {
	return &memFB{w: w, h: h, buf: make([]byte, w*h*2)}
}

func (f *memFB) Width() int              { return f.w }
func (f *memFB) Height() int             { return f.h }
func (f *memFB) Format() hal.PixelFormat { return hal.PixelFormatRGB565 }
func (f *memFB) StrideBytes() int        { return f.w * 2 }
func (f *memFB) Buffer() []byte          { return f.buf }
func (f *memFB) Present() error          { f.presents.Add(1); return nil }

func (f *memFB) ClearRGB(r, g, b uint8) {
	px := rgb565(color.RGBA{R: r, G: g, B: b, A: 255})
	for i := 0; i+1 < len(f.buf); i += 2 {
		f.buf[i], f.buf[i+1] = byte(px), byte(px>>8)
	}
}

// count reports how many pixels hold px.
func (f *memFB) count(px uint16) int {
	n := 0
	for i := 0; i+1 < len(f.buf); i += 2 {
		if uint16(f.buf[i])|uint16(f.buf[i+1])<<8 == px {
			n++
		}
	}
	return n
}

type memDisplay struct{ fb *memFB }

func (d memDisplay) Framebuffer() hal.Framebuffer { return d.fb }

type tickSource struct{ ch chan uint64 }

func (s tickSource) Ticks() <-chan uint64 { return s.ch }

type fakeSerial struct {
	io.Reader
	io.Writer
}

type fakeHAL struct {
	log    *fakeLog
	led    *fakeLED
	fb     *memFB
	ticks  tickSource
	serial fakeSerial

	in  *io.PipeWriter
	out *syncBuffer
}

func (h *fakeHAL) Logger() hal.Logger { return h.log }
func (h *fakeHAL) LED() hal.LED       { return h.led }
func (h *fakeHAL) Input() hal.Input   { return nil }
func (h *fakeHAL) Time() hal.Time     { return h.ticks }
func (h *fakeHAL) Serial() hal.Serial { return h.serial }

func (h *fakeHAL) Display() hal.Display {
	if h.fb == nil {
		return nil
	}
	return memDisplay{fb: h.fb}
}

func (h *fakeHAL) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(h.in, s); err != nil {
		t.Fatalf("serial write: %v", err)
	}
}

// newFakeHAL returns a board with a piped serial line and a 1 ms tick.
func newFakeHAL(t *testing.T, fb *memFB) *fakeHAL {
	t.Helper()
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	h := &fakeHAL{
		log:    &fakeLog{},
		led:    &fakeLED{},
		fb:     fb,
		ticks:  tickSource{ch: make(chan uint64)},
		serial: fakeSerial{Reader: pr, Writer: out},
		in:     pw,
		out:    out,
	}

	stop := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		pw.Close()
	})
	go func() {
		tk := time.NewTicker(time.Millisecond)
		defer tk.Stop()
		var n uint64
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				n++
				select {
				case h.ticks.ch <- n:
				case <-stop:
					return
				}
			}
		}
	}()
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitOutput(t *testing.T, h *fakeHAL, want string) {
	t.Helper()
	waitFor(t, want, func() bool { return strings.Contains(h.out.String(), want) })
}

func TestSystemEchoOverSerial(t *testing.T) {
	h := newFakeHAL(t, nil)
	if _, err := newSystem(h, Config{}); err != nil {
		t.Fatalf("newSystem() = %v", err)
	}
	waitOutput(t, h, "ember ready. type help.\n> ")

	h.send(t, "echo hi there\r")
	waitOutput(t, h, "hi there\n> ")
}

func TestSystemRunsDemo(t *testing.T) {
	h := newFakeHAL(t, nil)
	if _, err := newSystem(h, Config{Rounds: 2}); err != nil {
		t.Fatalf("newSystem() = %v", err)
	}
	waitOutput(t, h, "> ")

	h.send(t, "run\n")
	waitOutput(t, h, "run: sleeper is task 3\n")
	waitOutput(t, h, "blink: done\n")
	waitOutput(t, h, "worker: done, sum 999000\n")
	waitFor(t, "two sleeper timeouts", func() bool {
		return strings.Count(h.out.String(), "sleeper: timeout\n") == 2
	})

	if h.led.highs.Load() == 0 {
		t.Fatalf("LED never switched on")
	}
}

func TestSystemRealtimeDemo(t *testing.T) {
	h := newFakeHAL(t, nil)
	if _, err := newSystem(h, Config{Policy: kernel.PolicyRM, Rounds: 1}); err != nil {
		t.Fatalf("newSystem() = %v", err)
	}
	waitOutput(t, h, "> ")

	h.send(t, "run\n")
	waitOutput(t, h, "rt-fast: done, pri 1\n")
	waitOutput(t, h, "rt-slow: done, pri 2\n")
}

func TestSystemSendlog(t *testing.T) {
	h := newFakeHAL(t, nil)
	if _, err := newSystem(h, Config{}); err != nil {
		t.Fatalf("newSystem() = %v", err)
	}
	waitOutput(t, h, "> ")
	h.send(t, "run\n")
	waitOutput(t, h, "run: sleeper is task 3\n")

	h.send(t, "sendlog\n")
	waitOutput(t, h, `{"end":`)

	entries, _, err := ctxlog.Decode(strings.NewReader(h.out.String()))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	var sawBlink bool
	for _, e := range entries {
		if e.Next.Name == "blink" {
			sawBlink = true
		}
	}
	if !sawBlink {
		t.Fatalf("entries %+v never switch to blink", entries)
	}
}

func TestSystemHaltsOnLogOverflow(t *testing.T) {
	fb := newMemFB(160, 120)
	h := newFakeHAL(t, fb)
	s, err := newSystem(h, Config{LogEntries: 1, LogFailStop: true, ExitOnHalt: true})
	if err != nil {
		t.Fatalf("newSystem() = %v", err)
	}
	waitOutput(t, h, "> ")
	if err := s.step(); err != nil {
		t.Fatalf("step() before halt = %v", err)
	}
	if fb.presents.Load() == 0 {
		t.Fatalf("terminal never presented the framebuffer")
	}

	h.send(t, "run\n")
	select {
	case <-s.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("kernel did not halt")
	}

	if f := s.m.Fatal(); f.Module != "ctxlog" || f.Message != "context log overflow" {
		t.Fatalf("Fatal() = %+v, want ctxlog overflow", f)
	}
	if err := s.step(); !errors.Is(err, ErrHalted) {
		t.Fatalf("step() after halt = %v, want %v", err, ErrHalted)
	}
	if !h.log.has("module: ctxlog") {
		t.Fatalf("halt screen lines were not logged")
	}
	if fb.count(0xffff) == 0 || fb.count(0x0000) == 0 {
		t.Fatalf("halt screen is not black text on white")
	}
}

func TestHaltLines(t *testing.T) {
	got := haltLines(kernel.Fatal{Module: "scheduler", Message: "no runnable task", TaskID: kernel.NoTask})
	want := []string{
		"ember: kernel freeze",
		"module: scheduler",
		"reason: no runnable task",
		"task: none",
		"stack: unavailable",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("haltLines() = %q, want %q", got, want)
	}

	got = haltLines(kernel.Fatal{Module: "memory", TaskID: 3, Stack: []byte("main.f()\n\n\tf.go:1\n")})
	if got[3] != "task: 3" || got[4] != "stack:" || len(got) != 7 {
		t.Fatalf("haltLines() = %q", got)
	}
}

func TestTakeRunes(t *testing.T) {
	tests := []struct {
		in         string
		n          int16
		head, rest string
	}{
		{"abcdef", 4, "abcd", "ef"},
		{"abc", 4, "abc", ""},
		{"äöüß", 2, "äö", "üß"},
		{"abc", 0, "", "abc"},
	}
	for _, tt := range tests {
		head, rest := takeRunes(tt.in, tt.n)
		if head != tt.head || rest != tt.rest {
			t.Fatalf("takeRunes(%q, %d) = %q, %q, want %q, %q", tt.in, tt.n, head, rest, tt.head, tt.rest)
		}
	}
}

func TestAppendKey(t *testing.T) {
	events := []hal.KeyEvent{
		{Rune: 'l', Press: true},
		{Rune: 's', Press: true},
		{Rune: 's', Press: false},
		{Rune: 'é', Press: true},
		{Code: hal.KeyBackspace, Press: true},
		{Code: hal.KeyEscape, Press: true},
		{Code: hal.KeyUp, Press: true},
		{Code: hal.KeyEnter, Press: true},
	}
	var buf []byte
	for _, ev := range events {
		buf = appendKey(buf, ev)
	}
	if got, want := string(buf), "ls\x7f\x15\r"; got != want {
		t.Fatalf("appendKey() = %q, want %q", got, want)
	}
}
