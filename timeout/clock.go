// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package timeout

import "time"

// Clock abstracts wall time so that deadline behavior can be driven
// deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once the
	// given duration has elapsed.
	After(d time.Duration) <-chan time.Time
}

// systemClock is the real-time Clock used outside of tests.
type systemClock struct{}

// NewSystemClock returns a Clock backed by package time.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
