package esd

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flavioheleno/esd/internal/syncutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
)

var (
	// ErrConfig is returned by New when the options are invalid or the fault
	// pin cannot be claimed.
	ErrConfig = errors.New("esd: invalid configuration")
	// ErrRegistration is returned by New when the interrupt handler cannot be
	// installed.
	ErrRegistration = errors.New("esd: interrupt registration failed")
	// ErrNotInitialized is returned when a Detector was not built by New.
	ErrNotInitialized = errors.New("esd: detector not initialized")
	// ErrClosed is returned by Enable after Close.
	ErrClosed = errors.New("esd: detector closed")
)

// Defaults applied by New to zero Opts fields.
const (
	// DefaultInterval is the polling period.
	DefaultInterval = 5 * time.Second
	// DefaultSettleDelay is the pause between two recovery attempts.
	DefaultSettleDelay = 5 * time.Second
	// DefaultMaxAttempts bounds the Recover calls of one fault incident.
	DefaultMaxAttempts = 3
)

// Opts is the configuration of a Detector.
type Opts struct {
	// Name identifies the detector in logs.
	Name string

	Mode    Mode
	Trigger Trigger // Fault condition on Pin/IRQ; unused when polling without a pin

	// Fault line. Pin is optional in Polling mode when CheckFault is set.
	// In Interrupt mode IRQ overrides the PinIRQ built from Pin.
	Pin  Pin
	IRQ  IRQLine
	Pull gpio.Pull

	Interval    time.Duration // Polling period (default 5s)
	MaxAttempts int           // Recover calls per fault incident (default 3)
	SettleDelay time.Duration // Pause between recovery attempts (default 5s)

	// IsActive reports whether the device is powered and initialized. It is
	// called with the detector lock held and must be fast.
	IsActive func() bool
	// CheckFault probes the device for a fault. Polling mode only; when set
	// it replaces the pin level check.
	CheckFault func() bool
	// Recover resets and reinitializes the device. It may block and must be
	// safe to call back to back. It must not call Enable, Disable or Close.
	Recover func() error

	Clock  clockwork.Clock // Defaults to the real clock
	Logger *zerolog.Logger // Defaults to the global zerolog logger
}

// Stats counts detector activity since New.
type Stats struct {
	Checks     uint64 // Fault protocol runs
	Faults     uint64 // Faults confirmed on an active device
	Recoveries uint64 // Recover calls
	Exhausted  uint64 // Incidents that used every attempt without clearing
	Stale      uint64 // Signals discarded because the device was inactive
}

// Detector watches a fault signal and recovers the device when it fires.
//
// Enable and Disable serialize with the fault protocol: a Disable issued
// while a recovery is running returns once that recovery has finished, and
// no further recovery happens until the next Enable.
type Detector struct {
	name        string
	mode        Mode
	trigger     Trigger
	pin         Pin
	irq         IRQLine
	interval    time.Duration
	settleDelay time.Duration
	maxAttempts int
	isActive    func() bool
	checkFault  func() bool
	recover     func() error
	clock       clockwork.Clock
	log         zerolog.Logger

	mu    syncutil.Mutex
	timer clockwork.Timer

	// Written under mu, read lock-free by State and the interrupt handler.
	state atomic.Int32
	gen   atomic.Uint64
	armed atomic.Bool

	closed atomic.Bool
	quit   chan struct{}
	work   chan uint64
	done   chan struct{}

	checks     atomic.Uint64
	faults     atomic.Uint64
	recoveries atomic.Uint64
	exhausted  atomic.Uint64
	stale      atomic.Uint64
}

// New validates opts, claims the fault line and registers the signal source
// without arming it. The returned Detector is Off.
func New(opts *Opts) (*Detector, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", ErrConfig)
	}
	if err := validate(opts); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = "esd"
	}
	d := &Detector{
		name:        name,
		mode:        opts.Mode,
		trigger:     opts.Trigger,
		pin:         opts.Pin,
		irq:         opts.IRQ,
		interval:    opts.Interval,
		settleDelay: opts.SettleDelay,
		maxAttempts: opts.MaxAttempts,
		isActive:    opts.IsActive,
		checkFault:  opts.CheckFault,
		recover:     opts.Recover,
		clock:       opts.Clock,
		quit:        make(chan struct{}),
	}
	if d.interval == 0 {
		d.interval = DefaultInterval
	}
	if d.settleDelay == 0 {
		d.settleDelay = DefaultSettleDelay
	}
	if d.maxAttempts == 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	d.log = base.With().Str("esd", name).Stringer("mode", d.mode).Logger()

	if d.pin != nil {
		if err := d.pin.In(opts.Pull, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("%w: %s: claim fault pin: %w", ErrConfig, name, err)
		}
	}

	if d.mode == Interrupt {
		if d.irq == nil {
			d.irq = NewPinIRQ(d.pin, opts.Pull)
		}
		if err := d.irq.Request(name, d.handleIRQ); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRegistration, name, err)
		}
		d.work = make(chan uint64, 1)
		d.done = make(chan struct{})
		go d.worker()
	}

	d.state.Store(int32(Off))
	d.log.Debug().Stringer("trigger", d.trigger).Msg("esd: detector initialized")
	return d, nil
}

func validate(opts *Opts) error {
	if opts.IsActive == nil {
		return fmt.Errorf("%w: IsActive is required", ErrConfig)
	}
	if opts.Recover == nil {
		return fmt.Errorf("%w: Recover is required", ErrConfig)
	}
	if opts.Interval < 0 || opts.SettleDelay < 0 || opts.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative interval, settle delay or attempt count", ErrConfig)
	}
	validTrigger := opts.Trigger > TriggerNone && opts.Trigger <= ActiveLow

	switch opts.Mode {
	case Polling:
		if opts.Pin == nil && opts.CheckFault == nil {
			return fmt.Errorf("%w: polling needs a fault pin or CheckFault", ErrConfig)
		}
		if opts.Pin != nil && opts.CheckFault == nil && !validTrigger {
			return fmt.Errorf("%w: invalid trigger %s", ErrConfig, opts.Trigger)
		}
	case Interrupt:
		if opts.Pin == nil && opts.IRQ == nil {
			return fmt.Errorf("%w: interrupt mode needs a fault pin", ErrConfig)
		}
		if !validTrigger {
			return fmt.Errorf("%w: invalid trigger %s", ErrConfig, opts.Trigger)
		}
	default:
		return fmt.Errorf("%w: unknown mode %s", ErrConfig, opts.Mode)
	}
	return nil
}

// Enable arms detection. It is a no-op when already On.
func (d *Detector) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch State(d.state.Load()) {
	case Uninitialized:
		return ErrNotInitialized
	case On:
		return nil
	}
	if d.closed.Load() {
		return ErrClosed
	}

	gen := d.gen.Add(1)
	switch d.mode {
	case Polling:
		d.state.Store(int32(On))
		d.armTimer(gen)
	case Interrupt:
		d.irq.Ack()
		if err := d.irq.SetTrigger(d.trigger); err != nil {
			return fmt.Errorf("esd: %s: enable: %w", d.name, err)
		}
		d.state.Store(int32(On))
		d.armed.Store(true)
		d.irq.Unmask()
	}
	d.log.Debug().Msg("esd: detection enabled")
	return nil
}

// Disable disarms detection. It is a no-op when already Off. If a fault is
// being handled, Disable waits for it to finish.
func (d *Detector) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch State(d.state.Load()) {
	case Uninitialized:
		return ErrNotInitialized
	case Off:
		return nil
	}

	d.gen.Add(1)
	d.state.Store(int32(Off))

	var err error
	switch d.mode {
	case Polling:
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	case Interrupt:
		if terr := d.irq.SetTrigger(TriggerNone); terr != nil {
			err = fmt.Errorf("esd: %s: disable: %w", d.name, terr)
		}
		if d.armed.CompareAndSwap(true, false) {
			d.irq.Mask()
		}
		d.irq.Synchronize()
		select {
		case <-d.work:
		default:
		}
	}
	d.log.Debug().Msg("esd: detection disabled")
	return err
}

// Close disables detection, stops the worker and releases the fault line.
// The Detector cannot be enabled again.
func (d *Detector) Close() error {
	if State(d.state.Load()) == Uninitialized {
		return ErrNotInitialized
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.quit)

	err := d.Disable()
	if d.mode == Interrupt {
		<-d.done
		if ferr := d.irq.Free(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("esd: %s: free interrupt: %w", d.name, ferr))
		}
	}
	d.log.Debug().Msg("esd: detector closed")
	return err
}

// State returns the current arming state.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Stats returns a snapshot of the activity counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Checks:     d.checks.Load(),
		Faults:     d.faults.Load(),
		Recoveries: d.recoveries.Load(),
		Exhausted:  d.exhausted.Load(),
		Stale:      d.stale.Load(),
	}
}

// Name returns the detector name.
func (d *Detector) Name() string {
	return d.name
}

// String implements fmt.Stringer.
func (d *Detector) String() string {
	return fmt.Sprintf("esd.Detector{%s %s %s}", d.name, d.mode, d.State())
}

// current reports whether a signal tagged with gen still belongs to the
// armed period. mu must be held.
func (d *Detector) current(gen uint64) bool {
	return State(d.state.Load()) == On && gen == d.gen.Load()
}

// armTimer schedules the next poll. mu must be held.
func (d *Detector) armTimer(gen uint64) {
	d.timer = d.clock.AfterFunc(d.interval, func() { d.poll(gen) })
}

func (d *Detector) poll(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.current(gen) {
		return
	}
	d.timer = nil
	d.checks.Add(1)

	if !d.isActive() {
		d.stale.Add(1)
		d.log.Debug().Msg("esd: device inactive, polling stopped")
		return
	}
	if !d.faultPresent() {
		d.armTimer(gen)
		return
	}

	d.faults.Add(1)
	d.log.Info().Msg("esd: fault detected")
	if d.recoverWithRetry() {
		d.armTimer(gen)
	}
}

// handleIRQ runs on the line's goroutine. It only masks the line and hands
// the fault to the worker.
func (d *Detector) handleIRQ() {
	if !d.armed.CompareAndSwap(true, false) {
		return
	}
	// armed is only set after gen moves, so this is never older than the
	// period that armed the line.
	gen := d.gen.Load()
	d.irq.Mask()
	select {
	case d.work <- gen:
	default:
	}
}

func (d *Detector) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case gen := <-d.work:
			d.handleFault(gen)
		}
	}
}

func (d *Detector) handleFault(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.current(gen) {
		return
	}
	d.checks.Add(1)

	if !d.isActive() {
		d.stale.Add(1)
		d.log.Debug().Msg("esd: device inactive, fault signal discarded")
		return
	}

	d.faults.Add(1)
	d.log.Info().Msg("esd: fault detected")
	if !d.recoverWithRetry() {
		return
	}

	// Edges latched while the panel was being reset are not new faults.
	d.irq.Ack()
	d.armed.Store(true)
	d.irq.Unmask()
}

// faultPresent evaluates the polling fault condition. mu must be held.
func (d *Detector) faultPresent() bool {
	if d.checkFault != nil {
		return d.checkFault()
	}
	return d.trigger.Asserted(d.pin.Read())
}

func (d *Detector) stillFaulted() bool {
	if d.mode == Interrupt {
		return d.trigger.Asserted(d.irq.Level())
	}
	return d.faultPresent()
}

// recoverWithRetry calls Recover until the fault clears or maxAttempts is
// reached. It returns false when detection must not be re-armed. mu must be
// held.
func (d *Detector) recoverWithRetry() bool {
	for attempt := 1; ; attempt++ {
		start := d.clock.Now()
		err := d.recover()
		d.recoveries.Add(1)
		if err != nil {
			d.log.Error().Err(err).Int("attempt", attempt).Msg("esd: recover failed")
		}

		if !d.stillFaulted() {
			d.log.Info().
				Int("attempt", attempt).
				Dur("took", d.clock.Since(start)).
				Msg("esd: device recovered")
			return true
		}
		if attempt >= d.maxAttempts {
			d.exhausted.Add(1)
			d.log.Warn().Int("attempts", attempt).Msg("esd: fault persists, giving up until next signal")
			return true
		}

		select {
		case <-d.clock.After(d.settleDelay):
		case <-d.quit:
			return false
		}
		if !d.isActive() {
			d.stale.Add(1)
			d.log.Debug().Msg("esd: device went inactive between attempts")
			return false
		}
	}
}
