package esd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flavioheleno/esd/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
)

// Pin is the part of gpio.PinIn the detector uses. Any periph.io input pin
// satisfies it.
type Pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// IRQLine is an interrupt-capable fault line.
//
// The handler installed by Request runs on the line's own goroutine and must
// not block. Mask may be called from inside the handler; every other method
// is called from task context.
type IRQLine interface {
	// Request installs handler. The line starts masked with no trigger.
	Request(name string, handler func()) error
	// SetTrigger selects the trigger condition. TriggerNone detaches the line.
	SetTrigger(t Trigger) error
	// Ack drops an edge latched while the line was masked.
	Ack()
	// Mask stops handler delivery without waiting for a running handler.
	Mask()
	// Unmask resumes handler delivery, replaying a latched edge or an
	// asserted level trigger.
	Unmask()
	// Synchronize waits for a running handler to return.
	Synchronize()
	// Level samples the line.
	Level() gpio.Level
	// Free removes the handler and releases the line.
	Free() error
}

// DefaultEdgeWait bounds each WaitForEdge call of a PinIRQ so Free can stop
// the watcher.
const DefaultEdgeWait = 100 * time.Millisecond

// PinIRQ implements IRQLine on top of a periph.io input pin with edge
// detection.
//
// The watcher goroutine only waits for edges while a trigger is set. With
// TriggerNone the pin has no edge detection and WaitForEdge would return at
// once, so the watcher parks until SetTrigger or Free.
type PinIRQ struct {
	pin  Pin
	pull gpio.Pull
	wait time.Duration

	// hmu is held for the duration of each handler call. Lock order is
	// hmu before mu.
	hmu syncutil.Mutex

	mu      syncutil.Mutex
	name    string
	handler func()
	trigger Trigger
	masked  bool
	pending bool
	stop    bool
	wake    *sync.Cond // Signaled on trigger changes and Free; uses mu
	done    chan struct{}
}

// NewPinIRQ wraps pin. pull is applied every time the pin is reconfigured.
func NewPinIRQ(pin Pin, pull gpio.Pull) *PinIRQ {
	p := &PinIRQ{pin: pin, pull: pull, wait: DefaultEdgeWait}
	p.wake = sync.NewCond(&p.mu)
	return p
}

// Request implements IRQLine.
func (p *PinIRQ) Request(name string, handler func()) error {
	if handler == nil {
		return errors.New("esd: nil interrupt handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return fmt.Errorf("esd: interrupt line already requested by %s", p.name)
	}
	if err := p.pin.In(p.pull, gpio.NoEdge); err != nil {
		return fmt.Errorf("esd: configure interrupt line: %w", err)
	}
	p.name = name
	p.handler = handler
	p.trigger = TriggerNone
	p.masked = true
	p.pending = false
	p.stop = false
	p.done = make(chan struct{})
	go p.watch(p.done)
	return nil
}

func (p *PinIRQ) watch(done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		for p.trigger == TriggerNone && !p.stop {
			p.wake.Wait()
		}
		stop := p.stop
		p.mu.Unlock()
		if stop {
			return
		}
		if p.pin.WaitForEdge(p.wait) {
			p.dispatch(true)
		}
	}
}

func (p *PinIRQ) dispatch(edge bool) {
	p.hmu.Lock()
	defer p.hmu.Unlock()

	p.mu.Lock()
	if p.handler == nil || p.trigger == TriggerNone {
		p.mu.Unlock()
		return
	}
	if p.masked {
		if edge {
			p.pending = true
		}
		p.mu.Unlock()
		return
	}
	h := p.handler
	p.mu.Unlock()

	h()
}

// SetTrigger implements IRQLine.
func (p *PinIRQ) SetTrigger(t Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pin.In(p.pull, t.Edge()); err != nil {
		return fmt.Errorf("esd: set trigger %s: %w", t, err)
	}
	p.trigger = t
	p.wake.Broadcast()
	return nil
}

// Ack implements IRQLine.
func (p *PinIRQ) Ack() {
	p.mu.Lock()
	p.pending = false
	p.mu.Unlock()
}

// Mask implements IRQLine.
func (p *PinIRQ) Mask() {
	p.mu.Lock()
	p.masked = true
	p.mu.Unlock()
}

// Unmask implements IRQLine.
func (p *PinIRQ) Unmask() {
	p.mu.Lock()
	p.masked = false
	replay := p.pending || (p.trigger.IsLevel() && p.trigger.Asserted(p.pin.Read()))
	p.pending = false
	p.mu.Unlock()

	if replay {
		p.dispatch(false)
	}
}

// Synchronize implements IRQLine.
func (p *PinIRQ) Synchronize() {
	p.hmu.Lock()
	//nolint:staticcheck // empty critical section waits for the handler
	p.hmu.Unlock()
}

// Level implements IRQLine.
func (p *PinIRQ) Level() gpio.Level {
	return p.pin.Read()
}

// Free implements IRQLine.
func (p *PinIRQ) Free() error {
	p.mu.Lock()
	if p.handler == nil {
		p.mu.Unlock()
		return nil
	}
	p.handler = nil
	p.trigger = TriggerNone
	p.stop = true
	p.wake.Broadcast()
	done := p.done
	p.mu.Unlock()

	<-done
	return p.pin.In(p.pull, gpio.NoEdge)
}

// String reports the owner, trigger and mask state of the line.
func (p *PinIRQ) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("esd.PinIRQ{%s %s masked=%t}", p.name, p.trigger, p.masked)
}
