package sidetask

import (
	"context"

	"go.uber.org/atomic"

	"github.com/onflow/flow-sidetask/model/sidetask"
)

// Body is the asynchronous part of a side task. It runs off the deterministic path and must
// only capture owned copies of its inputs. Failures the application cares about should be
// encoded in the returned value; a returned error marks the body itself as faulted.
// The context is cancelled once the outcome is no longer wanted, i.e. when the task timed out,
// the block that spawned it was rolled back, or the scheduler shut down.
type Body func(ctx context.Context) (interface{}, error)

// ExecutionContext is the host's handle to the block being processed. The scheduler hands it
// to callbacks without interpreting it.
type ExecutionContext interface{}

// Callback is the deterministic part of a side task. It runs synchronously during the
// processing of the task's due block and must not perform I/O. Returning an error aborts
// reconciliation of the block.
type Callback func(outcome sidetask.Outcome, execCtx ExecutionContext) error

type task struct {
	id          sidetask.TaskID
	spawnHeight uint64
	dueHeight   uint64
	body        Body
	callback    Callback
	cell        *ResultCell

	ctx     context.Context
	cancel  context.CancelFunc
	started *atomic.Bool

	// outcome is set the first time the driver finalizes the cell, so that a retried
	// block reconciles with the same outcome.
	outcome *sidetask.Outcome
}

func newTask(id sidetask.TaskID, spawnHeight, dueHeight uint64, body Body, callback Callback) *task {
	return &task{
		id:          id,
		spawnHeight: spawnHeight,
		dueHeight:   dueHeight,
		body:        body,
		callback:    callback,
		cell:        NewResultCell(),
		started:     atomic.NewBool(false),
	}
}

// status derives the lifecycle state of the task.
func (t *task) status() sidetask.TaskStatus {
	switch t.cell.Status() {
	case sidetask.StatusReady, sidetask.StatusFailed:
		return sidetask.TaskCompleted
	case sidetask.StatusTimedOut:
		return sidetask.TaskTimedOut
	}
	if t.started.Load() {
		return sidetask.TaskRunning
	}
	return sidetask.TaskPending
}

// abandon cancels the body's context. The body may keep running, but its result will be
// discarded.
func (t *task) abandon() {
	if t.cancel != nil {
		t.cancel()
	}
}
