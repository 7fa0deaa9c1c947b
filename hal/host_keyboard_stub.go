//go:build !tinygo && !cgo

package hal

// hostKeyboard without cgo has no window to read keys from; console input
// arrives over the serial line only.
type hostKeyboard struct{}

func newHostKeyboard() *hostKeyboard { return &hostKeyboard{} }

func (k *hostKeyboard) Events() <-chan KeyEvent { return nil }
