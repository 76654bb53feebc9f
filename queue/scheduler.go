// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs delayed callbacks on a single goroutine.
// Callbacks due at the same instant run in the order they were scheduled.
type Scheduler struct {
	mu       sync.Mutex
	timers   timerHeap
	seq      uint64
	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  bool
}

type timerEntry struct {
	deadline time.Time
	seq      uint64
	fn       func()
}

// timerHeap is a min-heap of timers ordered by deadline, then sequence.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// NewScheduler creates a scheduler and starts its loop.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule runs fn once delay has elapsed. It is a no-op after Stop.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	heap.Push(&s.timers, &timerEntry{
		deadline: time.Now().Add(delay),
		seq:      s.seq,
		fn:       fn,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.Len()
}

// Stop stops the loop and drops pending callbacks. It waits for a running
// callback to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.timers = nil
		s.mu.Unlock()
		close(s.stopCh)
	})
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.next(time.Now())
		for _, e := range due {
			select {
			case <-s.stopCh:
				return
			default:
			}
			e.fn()
		}
		if len(due) > 0 {
			continue
		}

		var expired <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			expired = timer.C
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			timer.Stop()
		case <-expired:
		}
	}
}

// next pops every timer due at now and returns the delay until the earliest
// remaining one, or -1 when none is left.
func (s *Scheduler) next(now time.Time) ([]*timerEntry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*timerEntry
	for s.timers.Len() > 0 && !s.timers[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.timers).(*timerEntry))
	}

	if s.timers.Len() == 0 {
		return due, -1
	}
	return due, s.timers[0].deadline.Sub(now)
}
