// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"runtime/debug"
)

// =============================================================================
// Goroutine Safety
// =============================================================================

// SafeGoResult captures a recovered panic.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue interface{}

	// Stack is the stack trace at panic time.
	Stack string
}

// Err converts the recovered panic into an error so a worker can report it
// through the same completion path as an ordinary failure.
func (r SafeGoResult) Err() error {
	if err, ok := r.PanicValue.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r.PanicValue)
}

// SafeGo runs fn in a goroutine with panic recovery.
//
// # Description
//
// Every background worker (gateway calls, batch stops, list refreshes) runs
// through SafeGo. A panicking worker must still post its completion or the
// container would stay locked forever, so callers use onPanic to post a
// failure result.
//
// # Inputs
//
//   - fn: The function to execute in the goroutine
//   - onPanic: Callback invoked if fn panics (may be nil to silently recover)
//
// # Limitations
//
//   - If onPanic itself panics, the application will crash
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a deferred function that recovers panics.
//
// # Example
//
//	defer util.RecoverPanic(func(r util.SafeGoResult) {
//	    logger.Error("worker panic", "panic", r.PanicValue)
//	})()
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}
