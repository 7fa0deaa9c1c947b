//go:build !tinygo

package kernel

import "runtime"

const maxStack = 8 << 10

func captureStack() []byte {
	buf := make([]byte, maxStack)
	n := runtime.Stack(buf, false)
	return trimHaltFrames(buf[:n])
}
