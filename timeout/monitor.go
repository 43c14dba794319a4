// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package timeout provides the deadline tracker that bounds every wait in
// the swap protocol.  A Monitor owns a min-heap of armed deadlines and a
// single goroutine that sleeps until the earliest one; expired phase tags
// are delivered in deadline order and are the sole trigger for fallback
// transitions.
package timeout

import (
	"container/heap"
	"sync"
	"time"
)

// PhaseTag names the protocol phase (or per-leg sub-phase) a timer was
// armed for.
type PhaseTag string

// TimerHandle identifies an armed timer so it can be canceled.
type TimerHandle uint64

// entry is a single armed deadline tracked by the heap.
type entry struct {
	deadline time.Time
	tag      PhaseTag
	handle   TimerHandle
	canceled bool

	// index is maintained by the heap.Interface methods.
	index int
}

// timerHeap is a min-heap of entries ordered by deadline.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Monitor tracks armed deadlines and reports the ones that elapse.  Each
// session owns its own Monitor; it is not an ambient global.
type Monitor struct {
	clock Clock

	mu         sync.Mutex
	heap       timerHeap
	entries    map[TimerHandle]*entry
	nextHandle TimerHandle

	wake    chan struct{}
	expired chan PhaseTag
	quit    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewMonitor creates a Monitor and starts its clock goroutine.  Passing a
// nil clock selects the system clock.
func NewMonitor(clock Clock) *Monitor {
	if clock == nil {
		clock = NewSystemClock()
	}

	m := &Monitor{
		clock:   clock,
		entries: make(map[TimerHandle]*entry),
		wake:    make(chan struct{}, 1),
		expired: make(chan PhaseTag, 16),
		quit:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.loop()

	return m
}

// Arm registers a deadline for the given phase tag and returns a handle
// that can later be canceled.  Arming after a previous cancellation of
// the same tag is allowed; tags need not be unique.
func (m *Monitor) Arm(deadline time.Time, tag PhaseTag) TimerHandle {
	m.mu.Lock()
	m.nextHandle++
	e := &entry{
		deadline: deadline,
		tag:      tag,
		handle:   m.nextHandle,
	}
	m.entries[e.handle] = e
	heap.Push(&m.heap, e)
	m.mu.Unlock()

	log.Tracef("Armed timer %d for %s at %v", e.handle, tag, deadline)

	m.kick()
	return e.handle
}

// Cancel disarms the timer for the given handle.  Canceling an unknown,
// already canceled or already expired handle is a no-op.
func (m *Monitor) Cancel(h TimerHandle) {
	m.mu.Lock()
	e, ok := m.entries[h]
	if ok {
		e.canceled = true
		delete(m.entries, h)
	}
	m.mu.Unlock()

	if ok {
		log.Tracef("Canceled timer %d for %s", h, e.tag)
		m.kick()
	}
}

// Expired returns the channel on which elapsed phase tags are delivered,
// in deadline order.  It is closed when the Monitor is stopped.
func (m *Monitor) Expired() <-chan PhaseTag {
	return m.expired
}

// PollExpired blocks until a timer fires or the Monitor is stopped.  The
// boolean reports whether a tag was received.
func (m *Monitor) PollExpired() (PhaseTag, bool) {
	tag, ok := <-m.expired
	return tag, ok
}

// Stop terminates the clock goroutine.  Armed timers that have not fired
// are discarded.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()
}

// kick wakes the clock goroutine so it reevaluates the earliest deadline.
func (m *Monitor) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// loop sleeps until the earliest armed deadline, fires every entry that
// has elapsed and goes back to sleep.  Cancellations and newly armed
// earlier deadlines interrupt the sleep via the wake channel.
func (m *Monitor) loop() {
	defer m.wg.Done()
	defer close(m.expired)

	for {
		next, ok := m.earliest()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.quit:
				return
			}
		}

		now := m.clock.Now()
		if next.After(now) {
			select {
			case <-m.clock.After(next.Sub(now)):
			case <-m.wake:
				continue
			case <-m.quit:
				return
			}
		}

		for _, tag := range m.takeElapsed() {
			log.Debugf("Timer expired for %s", tag)
			select {
			case m.expired <- tag:
			case <-m.quit:
				return
			}
		}
	}
}

// earliest returns the soonest live deadline, discarding canceled heap
// entries along the way.
func (m *Monitor) earliest() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.heap.Len() > 0 {
		e := m.heap[0]
		if e.canceled {
			heap.Pop(&m.heap)
			continue
		}
		return e.deadline, true
	}
	return time.Time{}, false
}

// takeElapsed pops every live entry whose deadline has passed and returns
// their tags in deadline order.
func (m *Monitor) takeElapsed() []PhaseTag {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var tags []PhaseTag
	for m.heap.Len() > 0 {
		e := m.heap[0]
		if e.canceled {
			heap.Pop(&m.heap)
			continue
		}
		if e.deadline.After(now) {
			break
		}
		heap.Pop(&m.heap)
		delete(m.entries, e.handle)
		tags = append(tags, e.tag)
	}
	return tags
}
