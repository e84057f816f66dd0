package panel

import (
	"bytes"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// tx is one SPI transfer with the D/C level it was sent with.
type tx struct {
	data bool
	b    []byte
}

type fakeConn struct {
	mu  sync.Mutex
	dc  *gpiotest.Pin
	txs []tx
	err error
}

func (c *fakeConn) String() string      { return "fake" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (c *fakeConn) Tx(w, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.txs = append(c.txs, tx{data: c.dc.Read() == gpio.High, b: append([]byte(nil), w...)})
	return nil
}

func (c *fakeConn) commands() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, t := range c.txs {
		if !t.data {
			out = append(out, t.b...)
		}
	}
	return out
}

func (c *fakeConn) lastData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.txs) - 1; i >= 0; i-- {
		if c.txs[i].data {
			return c.txs[i].b
		}
	}
	return nil
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.txs = nil
	c.mu.Unlock()
}

type recordPin struct {
	*gpiotest.Pin
	levels []gpio.Level
}

func (p *recordPin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return p.Pin.Out(l)
}

func newTestDev(t *testing.T, opts *Opts) (*Dev, *fakeConn) {
	t.Helper()
	dc := &gpiotest.Pin{N: "DC", Num: 25}
	c := &fakeConn{dc: dc}
	d, err := newDev(c, dc, opts)
	if err != nil {
		t.Fatalf("newDev() error = %v", err)
	}
	return d, c
}

func TestOptsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Opts
		wantErr bool
	}{
		{"valid 256x64", &Opts{W: 256, H: 64}, false},
		{"valid 128x64", &Opts{W: 128, H: 64}, false},
		{"valid 2x1 (minimum)", &Opts{W: 2, H: 1}, false},
		{"odd width", &Opts{W: 255, H: 64}, true},
		{"width zero", &Opts{W: 0, H: 64}, true},
		{"width > 480", &Opts{W: 512, H: 64}, true},
		{"height zero", &Opts{W: 256, H: 0}, true},
		{"height > 128", &Opts{W: 256, H: 200}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSPIRejectsInvalidOpts(t *testing.T) {
	if _, err := NewSPI(nil, nil, &Opts{W: 3, H: 64}); err == nil {
		t.Error("NewSPI should fail before connecting when width is odd")
	}
}

func TestNewDevRunsInitTable(t *testing.T) {
	opts := &Opts{W: 256, H: 64}
	d, c := newTestDev(t, opts)

	cmds := c.commands()
	want := SSD1322(opts).Bytes()
	if !bytes.HasPrefix(cmds, want) {
		t.Fatalf("commands do not start with the init table:\n got %X\nwant %X", cmds, want)
	}
	if cmds[len(cmds)-1] != opDisplayOn {
		t.Errorf("last command = 0x%02X, want display on", cmds[len(cmds)-1])
	}
	if !d.IsActive() {
		t.Error("panel should be active after init")
	}
	if got := len(c.lastData()); got != 256*64/2 {
		t.Errorf("cleared frame size = %d, want %d", got, 256*64/2)
	}
}

func TestSSD1322Remap(t *testing.T) {
	tests := []struct {
		name   string
		opts   Opts
		remap1 byte
		remap2 byte
	}{
		{"default", Opts{W: 256, H: 64}, 0x14, 0x11},
		{"rotated", Opts{W: 256, H: 64, Rotated: true}, 0x06, 0x11},
		{"sequential", Opts{W: 256, H: 64, Sequential: true}, 0x14, 0x11},
		{"swap", Opts{W: 256, H: 64, SwapTopBottom: true}, 0x14, 0x13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, c := range SSD1322(&tt.opts) {
				if c.Op != 0xA0 {
					continue
				}
				if c.Args[0] != tt.remap1 || c.Args[1] != tt.remap2 {
					t.Errorf("remap = %02X %02X, want %02X %02X", c.Args[0], c.Args[1], tt.remap1, tt.remap2)
				}
				return
			}
			t.Error("remap command missing")
		})
	}
}

func TestRecoverRestoresLastFrame(t *testing.T) {
	d, c := newTestDev(t, &Opts{W: 4, H: 2})

	frame := []byte{0x12, 0x34, 0x56, 0x78}
	if _, err := d.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	c.reset()

	if err := d.Recover(); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got := c.lastData(); !bytes.Equal(got, frame) {
		t.Errorf("restored frame = %X, want %X", got, frame)
	}
	if !d.IsActive() {
		t.Error("panel should be active after recovery")
	}
}

func TestRecoverPulsesReset(t *testing.T) {
	rst := &recordPin{Pin: &gpiotest.Pin{N: "RST", Num: 24}}
	d, _ := newTestDev(t, &Opts{W: 4, H: 2, RST: rst, ResetPulse: time.Millisecond})
	rst.levels = nil

	if err := d.Recover(); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	want := []gpio.Level{gpio.Low, gpio.High}
	if len(rst.levels) != len(want) || rst.levels[0] != want[0] || rst.levels[1] != want[1] {
		t.Errorf("RST levels = %v, want %v", rst.levels, want)
	}
}

func TestRecoverFailureMarksInactive(t *testing.T) {
	d, c := newTestDev(t, &Opts{W: 4, H: 2})
	c.err = errors.New("bus stuck")

	if err := d.Recover(); err == nil {
		t.Fatal("Recover() should report the bus error")
	}
	if d.IsActive() {
		t.Error("panel should be inactive after a failed recovery")
	}
}

func TestSleepWake(t *testing.T) {
	d, c := newTestDev(t, &Opts{W: 4, H: 2})

	c.reset()
	if err := d.Sleep(); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if d.IsActive() {
		t.Error("asleep panel should not be active")
	}

	// Recovering an asleep panel must not turn the display on.
	if err := d.Recover(); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	cmds := c.commands()
	if cmds[len(cmds)-1] == opDisplayOn {
		t.Error("Recover turned on an asleep panel")
	}

	if err := d.Wake(); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}
	if !d.IsActive() {
		t.Error("woken panel should be active")
	}
}

func TestHalt(t *testing.T) {
	d, _ := newTestDev(t, &Opts{W: 4, H: 2})

	if err := d.Halt(); err != nil {
		t.Fatalf("Halt() error = %v", err)
	}
	if d.IsActive() {
		t.Error("halted panel should not be active")
	}
	if err := d.Recover(); err == nil {
		t.Error("Recover should fail when halted")
	}
	if err := d.Sleep(); err == nil {
		t.Error("Sleep should fail when halted")
	}
	if err := d.Wake(); err == nil {
		t.Error("Wake should fail when halted")
	}
	if _, err := d.Write(make([]byte, 4)); err == nil {
		t.Error("Write should fail when halted")
	}
}

func TestWriteBufferSizeValidation(t *testing.T) {
	tests := []struct {
		name       string
		width      int
		height     int
		bufferSize int
	}{
		{"256x64 too small", 256, 64, 256*64/2 - 1},
		{"256x64 too large", 256, 64, 256*64/2 + 1},
		{"128x64 too small", 128, 64, 128*64/2 - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDev(t, &Opts{W: tt.width, H: tt.height})
			_, err := d.Write(make([]byte, tt.bufferSize))
			if err == nil || err.Error() != "panel: invalid buffer size" {
				t.Errorf("Write error = %v, want 'panel: invalid buffer size'", err)
			}
		})
	}
}

func TestSendTableSplitsOnDelay(t *testing.T) {
	table := Table{
		{Op: 0x01},
		{Op: 0x11, Delay: time.Millisecond},
		{Op: 0x29, Args: []byte{0x00}},
	}
	d, c := newTestDev(t, &Opts{W: 4, H: 2, Init: table})
	c.reset()

	d.mu.Lock()
	err := d.sendTable(table)
	d.mu.Unlock()
	if err != nil {
		t.Fatalf("sendTable() error = %v", err)
	}

	if len(c.txs) != 2 {
		t.Fatalf("transfers = %d, want 2", len(c.txs))
	}
	if !bytes.Equal(c.txs[0].b, []byte{0x01, 0x11}) || !bytes.Equal(c.txs[1].b, []byte{0x29, 0x00}) {
		t.Errorf("transfers = %X, %X", c.txs[0].b, c.txs[1].b)
	}
}

func TestDevBoundsAndString(t *testing.T) {
	d := &Dev{rect: image.Rect(0, 0, 256, 64)}
	if got := d.Bounds(); got != image.Rect(0, 0, 256, 64) {
		t.Errorf("Bounds() = %v", got)
	}
	if got := d.String(); got != "panel.Dev{256x64}" {
		t.Errorf("String() = %q", got)
	}
}

func TestColumnOffset(t *testing.T) {
	tests := []struct {
		width      int
		wantOffset int
	}{
		{256, 112},
		{128, 176},
		{480, 0},
		{64, 208},
	}

	for _, tt := range tests {
		d, _ := newTestDev(t, &Opts{W: tt.width, H: 2})
		if d.columnOffset != tt.wantOffset {
			t.Errorf("column offset for width %d = %d, want %d", tt.width, d.columnOffset, tt.wantOffset)
		}
	}
}
