package app

import (
	"io"
	"sync"

	"tinygo.org/x/tinyterm"

	"ember/hal"
)

// terminal mirrors console output onto the framebuffer.
type terminal struct {
	mu sync.Mutex
	t  *tinyterm.Terminal
	fb hal.Framebuffer
}

// newTerminal returns nil when there is nothing to draw on.
func newTerminal(h hal.HAL) *terminal {
	disp := h.Display()
	if disp == nil {
		return nil
	}
	fb := disp.Framebuffer()
	if fb == nil || fb.Buffer() == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	fb.ClearRGB(0, 0, 0)

	height, offset := fontMetrics(haltFont)
	t := tinyterm.NewTerminal(fbDisplay{fb: fb})
	t.Configure(&tinyterm.Config{
		Font:       haltFont,
		FontHeight: height,
		FontOffset: offset,
	})
	return &terminal{t: t, fb: fb}
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.t.Write(p)
	if err == nil {
		err = t.fb.Present()
	}
	return n, err
}

// consoleOut fans console output out to the serial line and, if present,
// the framebuffer terminal.
func consoleOut(serial io.Writer, term *terminal) io.Writer {
	if term == nil {
		return serial
	}
	return io.MultiWriter(serial, term)
}
