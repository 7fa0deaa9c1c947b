//go:build !tinygo && !cgo

package hal

// RunWindow is unavailable without cgo.
func RunWindow(func(HAL) func() error) error {
	return ErrNoWindow
}
