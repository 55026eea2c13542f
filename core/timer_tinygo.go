//go:build tinygo

package core

import "sync/atomic"

// ticks is written by the main loop and read from timer callbacks.
var ticks atomic.Uint32

func getSystemTicks() uint32 { return ticks.Load() }

func setSystemTicks(t uint32) { ticks.Store(t) }
