// Package esd detects electro-static discharge faults on display panels and
// recovers the panel when one is found.
//
// A panel hit by ESD can lock up, show garbage or go dark while its
// controller still answers on the bus. Most panels expose the problem on a
// dedicated GPIO (often called TE, ERR_FG or ESD_DET), or can be probed for
// it. The Detector watches that signal and calls a recover callback, usually
// a hardware reset followed by the panel init sequence.
//
// # Detection Modes
//
// Polling samples the fault condition every Interval (default 5s). The
// condition is Opts.CheckFault when set, otherwise the level of Opts.Pin
// compared against Opts.Trigger.
//
// Interrupt waits for the fault line to trigger. The interrupt handler only
// masks the line and queues the fault for a dedicated worker goroutine, so
// the line cannot fire again until the fault has been handled:
//
//	edge → mask line → worker: recover, re-sample, retry → ack + unmask
//
// # Recovery Policy
//
// Each fault incident calls Recover at most MaxAttempts times (default 3),
// pausing SettleDelay (default 5s) between attempts while the line still
// reports a fault. An incident that does not clear is logged and detection is
// re-armed anyway, so the next signal gets another round.
//
// Recover is never called while IsActive returns false. A signal that arrives
// while the device is going down is dropped and detection stays disarmed
// until the next Enable.
//
// # Hardware Connection
//
//	Panel Pin   → System Pin
//	ESD/ERR_FG  → GPIO input (any pin with edge detection)
//	RST         → GPIO output (used by the panel driver to recover)
//
// # Basic Usage
//
//	pin := gpioreg.ByName("GPIO17")
//
//	det, err := esd.New(&esd.Opts{
//		Name:     "lcd0",
//		Mode:     esd.Interrupt,
//		Trigger:  esd.RisingEdge,
//		Pin:      pin,
//		IsActive: dev.IsActive,
//		Recover:  dev.Recover,
//	})
//	if err != nil {
//		return err
//	}
//	defer det.Close()
//
//	// Arm once the panel is up; disarm before it is powered down.
//	det.Enable()
//	...
//	det.Disable()
//
// Package fbdev wires a Detector into a display device lifecycle, including
// a delayed first Enable after boot.
package esd
