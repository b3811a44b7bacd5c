package sidetask

import (
	"sync"

	"github.com/onflow/flow-sidetask/model/sidetask"
)

// ResultCell is the single-writer/single-reader slot carrying the outcome of one task.
// The executor completes it at most once. The driver finalizes it exactly once, at the
// task's due height, forcing a timeout if no outcome is available yet. Outcomes offered
// after finalization are rejected and discarded.
type ResultCell struct {
	mu        sync.Mutex
	status    sidetask.Status
	value     interface{}
	err       error
	consumed  bool
	completed chan struct{}
}

func NewResultCell() *ResultCell {
	return &ResultCell{
		status:    sidetask.StatusPending,
		completed: make(chan struct{}),
	}
}

// Complete records the body's outcome. A nil err yields Ready(value), a non-nil err yields
// Failed(err). Returns false if the cell already holds a final state, in which case the
// given outcome is discarded.
func (c *ResultCell) Complete(value interface{}, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.IsFinal() {
		return false
	}

	if err != nil {
		c.status = sidetask.StatusFailed
		c.err = err
	} else {
		c.status = sidetask.StatusReady
		c.value = value
	}
	close(c.completed)
	return true
}

// Completed returns a channel which is closed once the cell holds a final state.
func (c *ResultCell) Completed() <-chan struct{} {
	return c.completed
}

// Status returns the current state of the cell without consuming it.
func (c *ResultCell) Status() sidetask.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Finalize consumes the cell. If it is still pending, it is forced to TimedOut with the
// given deadline error. Expected errors:
//   - sidetask.ErrCellConsumed if the cell was already finalized
func (c *ResultCell) Finalize(deadlineErr error) (sidetask.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed {
		return sidetask.Outcome{}, sidetask.ErrCellConsumed
	}
	c.consumed = true

	switch c.status {
	case sidetask.StatusReady:
		return sidetask.Ready(c.value), nil
	case sidetask.StatusFailed:
		return sidetask.Failed(c.err), nil
	default:
		c.status = sidetask.StatusTimedOut
		c.err = deadlineErr
		close(c.completed)
		return sidetask.TimedOut(deadlineErr), nil
	}
}
