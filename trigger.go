package esd

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/gpio"
)

// Mode selects the fault signal source.
type Mode int

const (
	// Polling samples the fault condition on a repeating timer.
	Polling Mode = iota
	// Interrupt waits for the fault line to trigger.
	Interrupt
)

// String returns the name accepted by ParseMode.
func (m Mode) String() string {
	switch m {
	case Polling:
		return "polling"
	case Interrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "polling" or "interrupt".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polling", "poll":
		return Polling, nil
	case "interrupt", "irq":
		return Interrupt, nil
	}
	return 0, fmt.Errorf("esd: unknown mode %q", s)
}

// Trigger is the electrical condition on the fault line that means "fault".
// TriggerNone detaches the line from edge detection.
type Trigger int

const (
	// TriggerNone disables detection on the line.
	TriggerNone Trigger = iota
	// RisingEdge fires on a low to high transition.
	RisingEdge
	// FallingEdge fires on a high to low transition.
	FallingEdge
	// ActiveHigh fires while the line is high.
	ActiveHigh
	// ActiveLow fires while the line is low.
	ActiveLow
)

var triggerNames = map[Trigger]string{
	TriggerNone: "none",
	RisingEdge:  "rising",
	FallingEdge: "falling",
	ActiveHigh:  "high",
	ActiveLow:   "low",
}

// String returns the name accepted by ParseTrigger.
func (t Trigger) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// ParseTrigger parses the names returned by Trigger.String.
func ParseTrigger(s string) (Trigger, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range triggerNames {
		if name == s {
			return t, nil
		}
	}
	return TriggerNone, fmt.Errorf("esd: unknown trigger %q", s)
}

// Asserted reports whether level l indicates a fault for this trigger.
// Edge triggers are sampled by the level they settle at.
func (t Trigger) Asserted(l gpio.Level) bool {
	switch t {
	case RisingEdge, ActiveHigh:
		return l == gpio.High
	case FallingEdge, ActiveLow:
		return l == gpio.Low
	default:
		return false
	}
}

// Edge returns the periph.io edge used to emulate the trigger. Level triggers
// are detected on the edge into the active level and re-checked on unmask.
func (t Trigger) Edge() gpio.Edge {
	switch t {
	case RisingEdge, ActiveHigh:
		return gpio.RisingEdge
	case FallingEdge, ActiveLow:
		return gpio.FallingEdge
	default:
		return gpio.NoEdge
	}
}

// IsLevel reports whether t is a level trigger.
func (t Trigger) IsLevel() bool {
	return t == ActiveHigh || t == ActiveLow
}

// State is the arming state of a Detector.
type State int32

const (
	// Uninitialized is the state of a Detector not built by New.
	Uninitialized State = iota
	// Off means the fault signal is ignored.
	Off
	// On means faults are detected and recovered.
	On
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Off:
		return "off"
	case On:
		return "on"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
