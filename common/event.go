package common

import (
	"sync"
	"time"
)

// Event is a broadcast notification. Waiters take the channel returned by C while holding the lock that guards
// the condition they are checking, release the lock, then block on the channel. Broadcast closes the channel and
// installs a fresh one, so a waiter that fetched C before a Broadcast can never miss it.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Event) Broadcast() {
	e.mu.Lock()
	close(e.ch)
	e.ch = make(chan struct{})
	e.mu.Unlock()
}

// Wait blocks until the next Broadcast.
func (e *Event) Wait() {
	<-e.C()
}

// WaitTimeout blocks until the next Broadcast or until d elapses. It returns false on timeout.
func (e *Event) WaitTimeout(d time.Duration) bool {
	ch := e.C()
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
