//go:build deadlock

// Package syncutil provides the mutex used across the module. Building with
// -tags=deadlock swaps in a lock-order checking implementation.
package syncutil

import (
	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockEnabled reports whether lock-order checking is compiled in.
const DeadlockEnabled = true

func init() {
	// Recovery holds the detector lock across reset pulses and settle
	// delays. config caps MaxAttempts*SettleDelay well below this.
	deadlock.Opts.DeadlockTimeout = HoldLimit
}

// Mutex is a mutual exclusion lock.
type Mutex struct {
	deadlock.Mutex
}
