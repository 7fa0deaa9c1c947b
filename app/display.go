package app

import (
	"image/color"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"

	"ember/hal"
)

// fbDisplay draws into an RGB565 framebuffer. It satisfies the tinyfont and
// tinyterm display contracts.
type fbDisplay struct {
	fb hal.Framebuffer
}

func (d fbDisplay) Size() (x, y int16) {
	if d.fb == nil {
		return 0, 0
	}
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	buf := d.fb.Buffer()
	if buf == nil {
		return
	}

	w := d.fb.Width()
	h := d.fb.Height()
	ix := int(x)
	iy := int(y)
	if ix < 0 || ix >= w || iy < 0 || iy >= h {
		return
	}

	off := iy*d.fb.StrideBytes() + ix*2
	if off < 0 || off+1 >= len(buf) {
		return
	}
	pixel := rgb565(c)
	buf[off] = byte(pixel)
	buf[off+1] = byte(pixel >> 8)
}

func (d fbDisplay) Display() error {
	if d.fb == nil {
		return nil
	}
	return d.fb.Present()
}

func (d fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	if d.fb == nil {
		return nil
	}
	buf := d.fb.Buffer()
	w, h := int16(d.fb.Width()), int16(d.fb.Height())
	if x < 0 {
		width += x
		x = 0
	}
	if y < 0 {
		height += y
		y = 0
	}
	if x+width > w {
		width = w - x
	}
	if y+height > h {
		height = h - y
	}
	if width <= 0 || height <= 0 || buf == nil {
		return nil
	}
	pixel := rgb565(c)
	lo, hi := byte(pixel), byte(pixel>>8)
	stride := d.fb.StrideBytes()
	for row := int(y); row < int(y+height); row++ {
		off := row*stride + int(x)*2
		for i := 0; i < int(width); i++ {
			buf[off+i*2] = lo
			buf[off+i*2+1] = hi
		}
	}
	return nil
}

// SetScroll is a no-op; the terminal scrolls in software.
func (d fbDisplay) SetScroll(line int16) {}

func (d fbDisplay) SetRotation(rotation drivers.Rotation) error {
	if rotation != drivers.Rotation0 {
		return hal.ErrNotImplemented
	}
	return nil
}

func rgb565(c color.RGBA) uint16 {
	return uint16((uint16(c.R>>3)&0x1F)<<11 | (uint16(c.G>>2)&0x3F)<<5 | (uint16(c.B>>3) & 0x1F))
}

// fontMetrics returns the line height of f and the baseline offset from the
// top of a line.
func fontMetrics(f *tinyfont.Font) (height, offset int16) {
	height = int16(f.YAdvance)
	offset = -int16(f.BBox[3])
	if offset <= 0 || offset > height {
		offset = height * 3 / 4
	}
	return height, offset
}
