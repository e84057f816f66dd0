// Package panel drives a SPI display panel from a command table and exposes
// the hooks an ESD detector needs: Recover, IsActive, Sleep and Wake.
//
// Tables use the same shape as vendor LCD init tables: an opcode, its
// arguments, and an optional delay to wait after sending it. SSD1322 builds
// the table for the SSD1322 4-bit grayscale OLED controller.
package panel

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/flavioheleno/esd/internal/syncutil"
	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Cmd is one command table entry.
type Cmd struct {
	Op    byte
	Args  []byte
	Delay time.Duration // Wait after the command is sent
}

// Table is a command sequence sent verbatim to the controller.
type Table []Cmd

// Bytes flattens the table into the command stream, ignoring delays.
func (t Table) Bytes() []byte {
	var b []byte
	for _, c := range t {
		b = append(b, c.Op)
		b = append(b, c.Args...)
	}
	return b
}

// Controller opcodes shared by the SSD1322 family.
const (
	opColumnAddr  = 0x15
	opWriteRAM    = 0x5C
	opRowAddr     = 0x75
	opDisplayOff  = 0xAE
	opDisplayOn   = 0xAF
	maxRAMColumns = 480
)

// Opts is the configuration for a panel.
type Opts struct {
	// Display dimensions in pixels
	W int // Width (default: 256, must be even and ≤480)
	H int // Height (default: 64, must be ≤128)

	// Rotation and mirroring
	Rotated       bool
	Sequential    bool // Sequential COM pin configuration
	SwapTopBottom bool // Swap top/bottom display halves

	// Optional hardware reset pin. Without it Recover relies on the init
	// table alone.
	RST        gpio.PinOut
	ResetPulse time.Duration // Low and settle time of the reset pulse (default: 200ms)

	// Init overrides the command table built by SSD1322.
	Init Table

	Clock clockwork.Clock
}

// Dev is the handle of an initialized panel.
type Dev struct {
	c          conn.Conn
	dc         gpio.PinOut
	rst        gpio.PinOut
	resetPulse time.Duration
	initTable  Table
	clock      clockwork.Clock

	rect         image.Rectangle
	columnOffset int // Centering offset in the 480-column RAM

	mu     syncutil.Mutex
	buffer []byte // Last frame written, replayed after a reset
	ready  bool   // Last init sequence completed
	asleep bool
	halted bool
}

// NewSPI connects to the panel over SPI and runs the init sequence.
//
// The port is configured for 10MHz, Mode0, 8-bit words. dc selects between
// command (low) and data (high) transfers.
func NewSPI(p spi.Port, dc gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &Opts{W: 256, H: 64}
	}
	if err := validate(opts); err != nil {
		return nil, err
	}
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("panel: connect: %w", err)
	}
	return newDev(c, dc, opts)
}

func validate(opts *Opts) error {
	if opts.W <= 0 || opts.W%2 != 0 || opts.W > maxRAMColumns {
		return errors.New("panel: width must be even and between 2 and 480")
	}
	if opts.H <= 0 || opts.H > 128 {
		return errors.New("panel: height must be between 1 and 128")
	}
	return nil
}

func newDev(c conn.Conn, dc gpio.PinOut, opts *Opts) (*Dev, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	d := &Dev{
		c:            c,
		dc:           dc,
		rst:          opts.RST,
		resetPulse:   opts.ResetPulse,
		initTable:    opts.Init,
		clock:        opts.Clock,
		rect:         image.Rect(0, 0, opts.W, opts.H),
		columnOffset: (maxRAMColumns - opts.W) / 2,
		buffer:       make([]byte, opts.W*opts.H/2),
	}
	if d.resetPulse == 0 {
		d.resetPulse = 200 * time.Millisecond
	}
	if d.initTable == nil {
		d.initTable = SSD1322(opts)
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.powerOn(); err != nil {
		return nil, err
	}
	return d, nil
}

// SSD1322 returns the init table for an SSD1322 controller with the given
// geometry and orientation.
func SSD1322(opts *Opts) Table {
	remap1, remap2 := byte(0x14), byte(0x11)
	if opts.Rotated {
		remap1 = 0x06
	}
	if opts.Sequential {
		remap2 |= 0x01
	}
	if opts.SwapTopBottom {
		remap2 |= 0x02
	}

	return Table{
		{Op: 0xFD, Args: []byte{0x12}}, // Unlock
		{Op: opDisplayOff},
		{Op: 0xB3, Args: []byte{0xF2}},             // Clock divider
		{Op: 0xCA, Args: []byte{byte(opts.H - 1)}}, // MUX ratio
		{Op: 0xA2, Args: []byte{0x00}},             // Display offset
		{Op: 0xA1, Args: []byte{0x00}},             // Start line
		{Op: 0xA0, Args: []byte{remap1, remap2}},
		{Op: 0xAB, Args: []byte{0x01}},       // Internal VDD
		{Op: 0xB4, Args: []byte{0xA0, 0xFD}}, // VSL
		{Op: 0xC1, Args: []byte{0xFF}},       // Contrast
		{Op: 0xC7, Args: []byte{0x0F}},       // Master contrast
		{Op: 0xB9},                           // Default grayscale table
		{Op: 0xB1, Args: []byte{0xE2}},       // Phase length
		{Op: 0xD1, Args: []byte{0x82, 0x20}}, // Display enhancement B
		{Op: 0xBB, Args: []byte{0x1F}},       // Pre-charge voltage
		{Op: 0xB6, Args: []byte{0x08}},       // Second pre-charge period
		{Op: 0xBE, Args: []byte{0x07}},       // VCOMH
		{Op: 0xA6},                           // Normal display
		{Op: 0xA9},                           // Exit partial display
	}
}

// Recover resets the controller, replays the init table and restores the
// last frame. The display stays off if the panel is asleep.
func (d *Dev) Recover() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errors.New("panel: halted")
	}
	return d.powerOn()
}

// IsActive reports whether the panel is initialized and displaying.
func (d *Dev) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready && !d.asleep && !d.halted
}

// Sleep turns the display off, keeping RAM contents.
func (d *Dev) Sleep() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errors.New("panel: halted")
	}
	if err := d.sendCommands(opDisplayOff); err != nil {
		return err
	}
	d.asleep = true
	return nil
}

// Wake turns the display back on.
func (d *Dev) Wake() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errors.New("panel: halted")
	}
	if err := d.sendCommands(opDisplayOn); err != nil {
		return err
	}
	d.asleep = false
	return nil
}

// Write writes a full frame of packed 4-bit pixels, two per byte. The data
// must be exactly Dx*Dy/2 bytes.
func (d *Dev) Write(pixels []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return 0, errors.New("panel: halted")
	}
	if len(pixels) != len(d.buffer) {
		return 0, errors.New("panel: invalid buffer size")
	}
	if err := d.writeFrame(pixels); err != nil {
		return 0, err
	}
	copy(d.buffer, pixels)
	return len(pixels), nil
}

// Bounds returns the display bounds.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Halt turns the display off. The panel cannot be used afterwards.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	d.ready = false
	return d.sendCommands(opDisplayOff)
}

// String returns a string representation of the device.
func (d *Dev) String() string {
	return fmt.Sprintf("panel.Dev{%dx%d}", d.rect.Dx(), d.rect.Dy())
}

// powerOn runs the full bring-up sequence. mu must be held.
func (d *Dev) powerOn() error {
	d.ready = false
	if d.rst != nil {
		if err := d.rst.Out(gpio.Low); err != nil {
			return fmt.Errorf("panel: failed to pull RST low: %w", err)
		}
		d.clock.Sleep(d.resetPulse)
		if err := d.rst.Out(gpio.High); err != nil {
			return fmt.Errorf("panel: failed to pull RST high: %w", err)
		}
		d.clock.Sleep(d.resetPulse)
	}
	if err := d.sendTable(d.initTable); err != nil {
		return err
	}
	if err := d.writeFrame(d.buffer); err != nil {
		return err
	}
	if !d.asleep {
		if err := d.sendCommands(opDisplayOn); err != nil {
			return err
		}
	}
	d.ready = true
	return nil
}

// sendTable sends consecutive commands in one transfer, splitting only where
// an entry asks for a delay.
func (d *Dev) sendTable(t Table) error {
	var pending []byte
	for _, c := range t {
		pending = append(pending, c.Op)
		pending = append(pending, c.Args...)
		if c.Delay > 0 {
			if err := d.sendCommands(pending...); err != nil {
				return err
			}
			pending = pending[:0]
			d.clock.Sleep(c.Delay)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return d.sendCommands(pending...)
}

func (d *Dev) writeFrame(pixels []byte) error {
	colStart := byte(d.columnOffset / 2)
	colEnd := byte((d.columnOffset + d.rect.Dx() - 1) / 2)
	if err := d.sendCommands(
		opColumnAddr, colStart, colEnd,
		opRowAddr, 0, byte(d.rect.Dy()-1),
		opWriteRAM,
	); err != nil {
		return err
	}
	return d.sendData(pixels)
}

func (d *Dev) sendCommands(cmds ...byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	return d.c.Tx(cmds, nil)
}

func (d *Dev) sendData(data []byte) error {
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	return d.c.Tx(data, nil)
}
