// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package goroutine provides panic-protected goroutine launching for the
// long-running probe and dispatch loops.
package goroutine

import (
	"runtime/debug"
)

// =============================================================================
// Result Types
// =============================================================================

// PanicResult captures a recovered panic.
//
// # Thread Safety
//
// PanicResult is immutable after creation and safe for concurrent reads.
type PanicResult struct {
	// Value is the value passed to panic().
	Value any

	// Stack is the full stack trace at panic time.
	Stack string
}

// =============================================================================
// Goroutine Safety Functions
// =============================================================================

// SafeGo runs fn in a goroutine with panic recovery.
//
// # Description
//
// If fn panics, the panic is caught and passed to onPanic instead of
// crashing the engine. A probe that panics on malformed output must not
// take the whole control loop down with it.
//
// # Inputs
//
//   - fn: The function to execute in the goroutine
//   - onPanic: Callback invoked if fn panics (may be nil to silently recover)
//
// # Limitations
//
//   - onPanic runs in the recovered goroutine
//   - If onPanic itself panics, the process crashes
func SafeGo(fn func(), onPanic func(PanicResult)) {
	go Run(fn, onPanic)
}

// Run calls fn in the current goroutine, recovering any panic.
//
// # Outputs
//
//   - bool: true if fn returned normally, false if it panicked
func Run(fn func(), onPanic func(PanicResult)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if onPanic != nil {
				onPanic(PanicResult{Value: r, Stack: string(debug.Stack())})
			}
		}
	}()
	fn()
	return true
}
