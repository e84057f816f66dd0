// Package fbdev binds a display panel to an ESD detector and drives the
// detector from the display lifecycle: probe, blank, unblank and remove.
//
// Detection can be held back after probe with Opts.BootDelay. The detector is
// then built and armed by a one-shot task once the delay expires, so power-up
// transients are not reported as faults.
package fbdev

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flavioheleno/esd"
	"github.com/flavioheleno/esd/internal/syncutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRemoved is returned by lifecycle calls after Remove.
var ErrRemoved = errors.New("fbdev: device removed")

// Panel is the display the device drives.
type Panel interface {
	io.Writer
	IsActive() bool
	Recover() error
	Sleep() error
	Wake() error
	Halt() error
}

// FaultChecker is implemented by panels that can be probed for a fault. It
// is used as esd.Opts.CheckFault when polling.
type FaultChecker interface {
	CheckFault() bool
}

// Opts is the configuration for a display device.
type Opts struct {
	// ESD configures fault detection. IsActive, Recover and CheckFault are
	// taken from the panel. nil disables ESD protection.
	ESD *esd.Opts

	// BootDelay postpones building and arming the detector after probe.
	BootDelay time.Duration

	// Required makes Probe fail when the detector cannot be built. It has no
	// effect with a BootDelay, where failures are only logged.
	Required bool

	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// Dev is a display device with optional ESD protection.
type Dev struct {
	panel Panel
	esd   *esd.Opts
	clock clockwork.Clock
	log   zerolog.Logger

	mu      syncutil.Mutex
	det     *esd.Detector
	boot    clockwork.Timer
	blanked bool
	removed bool

	bootOnce sync.Once
	bootDone chan struct{}
}

// Probe takes ownership of p and sets up ESD detection, immediately or after
// Opts.BootDelay.
func Probe(p Panel, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("fbdev: nil panel")
	}
	if opts == nil {
		opts = &Opts{}
	}

	d := &Dev{
		panel:    p,
		clock:    opts.Clock,
		bootDone: make(chan struct{}),
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	d.log = base.With().Str("fbdev", fmt.Sprint(p)).Logger()

	if opts.ESD == nil {
		d.finishBoot()
		return d, nil
	}

	eo := *opts.ESD
	eo.IsActive = p.IsActive
	eo.Recover = p.Recover
	if fc, ok := p.(FaultChecker); ok && eo.Mode == esd.Polling {
		eo.CheckFault = fc.CheckFault
	}
	if eo.Clock == nil {
		eo.Clock = d.clock
	}
	if eo.Logger == nil {
		eo.Logger = opts.Logger
	}
	d.esd = &eo

	if opts.BootDelay > 0 {
		d.mu.Lock()
		d.boot = d.clock.AfterFunc(opts.BootDelay, d.bootEnable)
		d.mu.Unlock()
		d.log.Info().Dur("delay", opts.BootDelay).Msg("fbdev: ESD detection scheduled")
		return d, nil
	}

	d.mu.Lock()
	err := d.startDetector()
	d.mu.Unlock()
	d.finishBoot()
	if err != nil {
		if opts.Required {
			return nil, fmt.Errorf("fbdev: %w", err)
		}
		d.log.Warn().Err(err).Msg("fbdev: continuing without ESD protection")
	}
	return d, nil
}

func (d *Dev) bootEnable() {
	defer d.finishBoot()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.boot = nil
	if d.removed {
		return
	}
	if err := d.startDetector(); err != nil {
		d.log.Warn().Err(err).Msg("fbdev: continuing without ESD protection")
	}
}

// startDetector builds the detector and arms it unless the display is
// blanked. mu must be held.
func (d *Dev) startDetector() error {
	det, err := esd.New(d.esd)
	if err != nil {
		return err
	}
	d.det = det
	if d.blanked {
		return nil
	}
	if err := det.Enable(); err != nil {
		d.log.Warn().Err(err).Msg("fbdev: enable ESD detection")
	}
	return nil
}

func (d *Dev) finishBoot() {
	d.bootOnce.Do(func() { close(d.bootDone) })
}

// BootDone is closed once the ESD setup scheduled by Probe has run or been
// canceled.
func (d *Dev) BootDone() <-chan struct{} {
	return d.bootDone
}

// Detector returns the ESD detector, or nil if it has not been built.
func (d *Dev) Detector() *esd.Detector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.det
}

// Blank disarms ESD detection and puts the panel to sleep.
func (d *Dev) Blank() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return ErrRemoved
	}
	if d.blanked {
		return nil
	}

	if d.det != nil {
		if err := d.det.Disable(); err != nil {
			d.log.Warn().Err(err).Msg("fbdev: disable ESD detection")
		}
	}
	if err := d.panel.Sleep(); err != nil {
		if d.det != nil {
			_ = d.det.Enable()
		}
		return fmt.Errorf("fbdev: blank: %w", err)
	}
	d.blanked = true
	return nil
}

// Unblank wakes the panel and re-arms ESD detection.
func (d *Dev) Unblank() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return ErrRemoved
	}
	if !d.blanked {
		return nil
	}

	if err := d.panel.Wake(); err != nil {
		return fmt.Errorf("fbdev: unblank: %w", err)
	}
	d.blanked = false
	if d.det != nil {
		if err := d.det.Enable(); err != nil {
			d.log.Warn().Err(err).Msg("fbdev: enable ESD detection")
		}
	}
	return nil
}

// Blanked reports whether the display is blanked.
func (d *Dev) Blanked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blanked
}

// Write sends a frame to the panel.
func (d *Dev) Write(pixels []byte) (int, error) {
	d.mu.Lock()
	removed := d.removed
	d.mu.Unlock()
	if removed {
		return 0, ErrRemoved
	}
	return d.panel.Write(pixels)
}

// Remove cancels a pending boot task, tears down the detector and halts the
// panel.
func (d *Dev) Remove() error {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return nil
	}
	d.removed = true
	if d.boot != nil && d.boot.Stop() {
		d.finishBoot()
	}
	d.boot = nil
	det := d.det
	d.det = nil
	d.mu.Unlock()

	var err error
	if det != nil {
		if cerr := det.Close(); cerr != nil {
			err = fmt.Errorf("fbdev: close detector: %w", cerr)
		}
	}
	if herr := d.panel.Halt(); herr != nil {
		err = errors.Join(err, fmt.Errorf("fbdev: halt: %w", herr))
	}
	return err
}
