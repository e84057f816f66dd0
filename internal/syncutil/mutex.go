//go:build !deadlock

// Package syncutil provides the mutex used across the module. Building with
// -tags=deadlock swaps in a lock-order checking implementation.
package syncutil

import "sync"

// DeadlockEnabled reports whether lock-order checking is compiled in.
const DeadlockEnabled = false

// Mutex is a mutual exclusion lock.
type Mutex struct {
	sync.Mutex
}
