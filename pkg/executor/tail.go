package executor

import (
	"errors"
	"sync"
)

// ErrTailStopped is returned when work is submitted after Stop.
var ErrTailStopped = errors.New("mutation tail stopped")

// MutationTail serializes mutating work through a cooperative FIFO chain:
// each submission waits on the completion of the previous one, so mutations
// apply in submission order regardless of goroutine scheduling. Readonly
// queries never touch the tail.
type MutationTail struct {
	mu      sync.Mutex
	tail    chan struct{}
	stopped bool
}

// NewMutationTail creates an idle tail.
func NewMutationTail() *MutationTail {
	done := make(chan struct{})
	close(done)
	return &MutationTail{tail: done}
}

// Do runs fn after every previously submitted fn has completed, and blocks
// until fn itself completes. Submission order is the order callers pass the
// internal lock.
func (t *MutationTail) Do(fn func()) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTailStopped
	}
	prev := t.tail
	next := make(chan struct{})
	t.tail = next
	t.mu.Unlock()

	<-prev
	defer close(next)
	fn()
	return nil
}

// Stop refuses new submissions and waits for in-flight work to drain.
func (t *MutationTail) Stop() {
	t.mu.Lock()
	t.stopped = true
	tail := t.tail
	t.mu.Unlock()
	<-tail
}
