package panel

import (
	"image"
	"image/color"
)

// Gray4 is a 4-bit grayscale level (0-15). Only the low nibble of Y is used.
type Gray4 struct {
	Y uint8
}

// RGBA implements color.Color. The 4-bit level is scaled to 16 bits, so
// 0xF maps to 0xFFFF.
func (c Gray4) RGBA() (r, g, b, a uint32) {
	y := uint32(c.Y&0x0F) * 0x1111
	return y, y, y, 0xFFFF
}

// Gray4Model converts colors to Gray4 using Rec. 601 luma.
var Gray4Model = color.ModelFunc(func(c color.Color) color.Color {
	if g, ok := c.(Gray4); ok {
		return g
	}
	r, g, b, _ := c.RGBA()
	y := (299*r + 587*g + 114*b + 500) / 1000
	return Gray4{Y: uint8(y >> 12)}
})

// Frame is a draw.Image in the controller's RAM layout: two pixels per byte,
// left pixel in the high nibble. Pix can be passed to Dev.Write as is.
type Frame struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewFrame returns a blank frame of w×h pixels. w must be even.
func NewFrame(w, h int) *Frame {
	if w%2 != 0 {
		panic("panel: frame width must be even")
	}
	return &Frame{
		Pix:    make([]byte, w/2*h),
		Stride: w / 2,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// ColorModel implements image.Image. It is always Gray4Model.
func (f *Frame) ColorModel() color.Model { return Gray4Model }

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle { return f.Rect }

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color { return f.Gray4At(x, y) }

// Gray4At returns the level of the pixel at (x, y), or black outside the
// frame.
func (f *Frame) Gray4At(x, y int) Gray4 {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return Gray4{}
	}
	i, shift := f.offset(x, y)
	return Gray4{Y: (f.Pix[i] >> shift) & 0x0F}
}

// Set implements draw.Image. c is converted with Gray4Model.
func (f *Frame) Set(x, y int, c color.Color) {
	f.SetGray4(x, y, Gray4Model.Convert(c).(Gray4))
}

// SetGray4 sets the pixel at (x, y) without a color conversion. Points
// outside the frame are ignored.
func (f *Frame) SetGray4(x, y int, c Gray4) {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return
	}
	i, shift := f.offset(x, y)
	f.Pix[i] = f.Pix[i]&^(0x0F<<shift) | (c.Y&0x0F)<<shift
}

// offset returns the byte index and bit shift of (x, y). Even columns sit in
// the high nibble.
func (f *Frame) offset(x, y int) (int, uint) {
	x, y = x-f.Rect.Min.X, y-f.Rect.Min.Y
	return y*f.Stride + x/2, uint(4 * (1 - x&1))
}

// DrawTestPattern fills f with a horizontal gradient and a one pixel border,
// so a panel restored after a reset is easy to tell from a blank one.
func DrawTestPattern(f *Frame) {
	b := f.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			level := uint8((x - b.Min.X) * 16 / b.Dx())
			if x == b.Min.X || x == b.Max.X-1 || y == b.Min.Y || y == b.Max.Y-1 {
				level = 0x0F
			}
			f.SetGray4(x, y, Gray4{Y: level})
		}
	}
}
