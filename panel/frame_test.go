package panel

import (
	"image"
	"image/color"
	"image/draw"
	"testing"
)

func TestGray4Model(t *testing.T) {
	tests := []struct {
		name  string
		input color.Color
		want  uint8
	}{
		{"gray4 passthrough", Gray4{Y: 7}, 7},
		{"black", color.Black, 0},
		{"white", color.White, 15},
		{"gray rgb", color.RGBA{0x88, 0x88, 0x88, 0xFF}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Gray4Model.Convert(tt.input).(Gray4); got.Y != tt.want {
				t.Errorf("Convert(%v).Y = %d, want %d", tt.input, got.Y, tt.want)
			}
		})
	}

	r, _, _, a := Gray4{Y: 0x5F}.RGBA()
	if r != 0xFFFF || a != 0xFFFF {
		t.Errorf("RGBA() of masked value = %x/%x", r, a)
	}
}

func TestFrameNibblePacking(t *testing.T) {
	f := NewFrame(4, 1)
	f.SetGray4(0, 0, Gray4{Y: 5})
	f.SetGray4(1, 0, Gray4{Y: 10})
	f.SetGray4(2, 0, Gray4{Y: 3})
	f.SetGray4(3, 0, Gray4{Y: 12})

	if f.Pix[0] != 0x5A || f.Pix[1] != 0x3C {
		t.Fatalf("Pix = %X, want 5A3C", f.Pix)
	}
	if got := f.Gray4At(1, 0); got.Y != 10 {
		t.Errorf("Gray4At(1, 0) = %d, want 10", got.Y)
	}

	// Out of bounds is ignored.
	f.SetGray4(4, 0, Gray4{Y: 1})
	if got := f.Gray4At(-1, 0); got.Y != 0 {
		t.Errorf("Gray4At(-1, 0) = %d, want 0", got.Y)
	}
}

func TestFrameDraw(t *testing.T) {
	f := NewFrame(4, 2)
	draw.Draw(f, f.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for i, b := range f.Pix {
		if b != 0xFF {
			t.Fatalf("Pix[%d] = %02X after white fill", i, b)
		}
	}
}

func TestNewFrameOddWidthPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewFrame with odd width should panic")
		}
	}()
	NewFrame(5, 2)
}

func TestDrawTestPattern(t *testing.T) {
	d, c := newTestDev(t, &Opts{W: 16, H: 4})
	f := NewFrame(16, 4)
	DrawTestPattern(f)

	if got := f.Gray4At(0, 0); got.Y != 0x0F {
		t.Errorf("border = %d, want 15", got.Y)
	}
	if got := f.Gray4At(8, 2); got.Y != 8 {
		t.Errorf("gradient at x=8 = %d, want 8", got.Y)
	}
	if _, err := d.Write(f.Pix); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := c.lastData(); len(got) != len(f.Pix) {
		t.Errorf("sent %d bytes, want %d", len(got), len(f.Pix))
	}
}
