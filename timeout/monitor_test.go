// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// receiveTag reads one expired tag with a real-time guard so a broken
// monitor fails the test instead of hanging it.
func receiveTag(t *testing.T, m *Monitor) PhaseTag {
	t.Helper()

	select {
	case tag, ok := <-m.Expired():
		require.True(t, ok)
		return tag
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for expiry")
		return ""
	}
}

// assertNoExpiry checks that no tag is delivered within a short window.
func assertNoExpiry(t *testing.T, m *Monitor) {
	t.Helper()

	select {
	case tag := <-m.Expired():
		t.Fatalf("unexpected expiry of %s", tag)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMonitorExpiry checks that armed timers fire in deadline order once
// the clock passes them.
func TestMonitorExpiry(t *testing.T) {
	clock := NewMockClock(testStart)
	m := NewMonitor(clock)
	defer m.Stop()

	m.Arm(testStart.Add(2*time.Minute), "awaiting_funding_sigs")
	m.Arm(testStart.Add(time.Minute), "awaiting_refund_sigs")

	assertNoExpiry(t, m)

	clock.Advance(time.Minute)
	require.Equal(t, PhaseTag("awaiting_refund_sigs"), receiveTag(t, m))
	assertNoExpiry(t, m)

	clock.Advance(time.Minute)
	require.Equal(t, PhaseTag("awaiting_funding_sigs"), receiveTag(t, m))
}

// TestMonitorCancel checks that a canceled timer never fires and that
// cancellation is idempotent.
func TestMonitorCancel(t *testing.T) {
	clock := NewMockClock(testStart)
	m := NewMonitor(clock)
	defer m.Stop()

	h := m.Arm(testStart.Add(time.Minute), "distributing")
	m.Cancel(h)
	m.Cancel(h)

	clock.Advance(2 * time.Minute)
	assertNoExpiry(t, m)

	// Re-arming the same tag after cancellation works.
	m.Arm(clock.Now().Add(time.Second), "distributing")
	clock.Advance(time.Second)
	require.Equal(t, PhaseTag("distributing"), receiveTag(t, m))
}

// TestMonitorEarlierDeadlineWakes checks that arming a deadline earlier
// than the currently pending one reschedules the sleep.
func TestMonitorEarlierDeadlineWakes(t *testing.T) {
	clock := NewMockClock(testStart)
	m := NewMonitor(clock)
	defer m.Stop()

	m.Arm(testStart.Add(time.Hour), "late")
	m.Arm(testStart.Add(time.Second), "early")

	clock.Advance(time.Second)
	require.Equal(t, PhaseTag("early"), receiveTag(t, m))

	assertNoExpiry(t, m)
}

// TestMonitorSameDeadline checks that multiple timers sharing a deadline
// all fire.
func TestMonitorSameDeadline(t *testing.T) {
	clock := NewMockClock(testStart)
	m := NewMonitor(clock)
	defer m.Stop()

	deadline := testStart.Add(time.Minute)
	m.Arm(deadline, "leg-0")
	m.Arm(deadline, "leg-1")
	m.Arm(deadline, "leg-2")

	clock.Advance(time.Minute)

	got := map[PhaseTag]bool{}
	for i := 0; i < 3; i++ {
		got[receiveTag(t, m)] = true
	}
	require.Len(t, got, 3)
}

// TestMonitorStop checks that Stop closes the expiry stream.
func TestMonitorStop(t *testing.T) {
	m := NewMonitor(NewMockClock(testStart))
	m.Arm(testStart.Add(time.Hour), "never")
	m.Stop()

	_, ok := m.PollExpired()
	require.False(t, ok)
}
