package sidetask

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
	"github.com/onflow/flow-sidetask/module/util"
)

// blockAttempt is the side-task view of one attempt at processing a block. It remembers
// which tasks the attempt reconciles and which tasks it spawned, so that a retry of the
// same block can undo the spawns and replay the callbacks with identical outcomes.
// firstID is the task ID counter at the start of the attempt; a retry resumes numbering
// from it so that task IDs match those of a replica that never retried.
type blockAttempt struct {
	height     uint64
	due        []*task
	spawned    []*task
	firstID    uint64
	reconciled bool
	root       bool
}

// OnBlockAdvance must be called at the start of processing the block at the given height,
// before any transaction of that block is applied. It waits, within the configured budget,
// for the bodies of all tasks due at this height, forces the remaining ones to time out, and
// runs the callbacks of all due tasks in spawn order with the given execution context.
//
// Heights must advance one at a time. Calling it again for the height currently being
// processed is a retry of that block: tasks spawned by the previous attempt are discarded
// and the due callbacks are run again with the same outcomes.
//
// Expected errors:
//   - sidetask.NonSequentialHeightError if height is neither the current height nor its successor
//   - sidetask.UnreconciledBlockError if the previous block's callbacks did not all succeed
//   - sidetask.CallbackFaultError if a callback returned an error; the block may be retried
//   - context errors if ctx was cancelled while waiting for results; the block may be retried
func (s *Scheduler) OnBlockAdvance(ctx context.Context, height uint64, execCtx ExecutionContext) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()

	attempt, err := s.beginAttempt(height)
	if err != nil {
		return err
	}

	defer s.state.Store(uint32(sidetask.DriverIdle))

	err = s.drain(ctx, attempt)
	if err != nil {
		return fmt.Errorf("could not collect side task results for block %d: %w", height, err)
	}

	err = s.reconcile(attempt, execCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	attempt.reconciled = true
	s.mu.Unlock()

	return nil
}

// beginAttempt switches to a new attempt for the given height, either a fresh block or a
// retry of the current one.
func (s *Scheduler) beginAttempt(height uint64) (*blockAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current

	if height == current.height && !current.root {
		rolledBack := s.rollback(current)
		current.reconciled = false
		s.log.Info().
			Uint64("height", height).
			Int("rolled_back_tasks", rolledBack).
			Int("due_tasks", len(current.due)).
			Msg("retrying block, side tasks spawned by the previous attempt discarded")
		return current, nil
	}

	if current.height == math.MaxUint64 || height != current.height+1 {
		return nil, sidetask.NewNonSequentialHeightError(current.height, height)
	}
	if !current.reconciled {
		return nil, sidetask.NewUnreconciledBlockError(current.height)
	}

	next := &blockAttempt{
		height:  height,
		due:     s.registry.Drain(height),
		firstID: s.nextID.Load(),
	}
	s.current = next
	return next, nil
}

// rollback removes the tasks spawned by the attempt from the registry, cancels their
// bodies and releases their IDs. Must be called with mu held.
func (s *Scheduler) rollback(attempt *blockAttempt) int {
	s.nextID.Store(attempt.firstID)
	if len(attempt.spawned) == 0 {
		return 0
	}

	removed := s.registry.Remove(attempt.spawned...)
	for _, t := range attempt.spawned {
		t.abandon()
	}
	attempt.spawned = nil

	s.metrics.SideTaskRolledBack(removed)
	return removed
}

// drain waits until every due task has a final outcome or the shared wait budget for this
// block is spent, then freezes the outcome of every due task. Tasks whose outcome was
// frozen by an earlier attempt at this block are not waited for again.
func (s *Scheduler) drain(ctx context.Context, attempt *blockAttempt) error {
	s.state.Store(uint32(sidetask.DriverDraining))

	if len(attempt.due) == 0 {
		return nil
	}

	start := time.Now()

	expired := s.config.ReconcileWaitBudget <= 0
	var deadline <-chan time.Time
	if !expired {
		timer := time.NewTimer(s.config.ReconcileWaitBudget)
		defer timer.Stop()
		deadline = timer.C
	}

	for _, t := range attempt.due {
		if expired {
			break
		}
		if t.outcome != nil {
			continue
		}
		closed, err := util.WaitClosedUntil(ctx, t.cell.Completed(), deadline)
		if err != nil {
			return err
		}
		expired = !closed
	}

	timedOut := 0
	fresh := 0
	for _, t := range attempt.due {
		if t.outcome != nil {
			continue
		}
		fresh++
		lifecycle := t.status()

		outcome, err := t.cell.Finalize(sidetask.NewDeadlineExceededError(t.id, t.dueHeight))
		if err != nil {
			return irrecoverable.NewExceptionf("could not finalize result of side task %d: %w", t.id, err)
		}
		if outcome.Status == sidetask.StatusTimedOut {
			t.abandon()
			timedOut++
			s.log.Warn().
				Uint64("task_id", uint64(t.id)).
				Uint64("spawn_height", t.spawnHeight).
				Uint64("due_height", t.dueHeight).
				Str("lifecycle", lifecycle.String()).
				Msg("side task did not finish before its due block")
		}
		t.outcome = &outcome
	}

	if fresh > 0 {
		s.metrics.SideTaskBlockDrained(time.Since(start), fresh, timedOut)
	}
	return nil
}

// reconcile runs the callbacks of all due tasks in spawn order. Panics in callbacks are not
// recovered.
func (s *Scheduler) reconcile(attempt *blockAttempt, execCtx ExecutionContext) error {
	s.state.Store(uint32(sidetask.DriverReconciling))

	for _, t := range attempt.due {
		err := t.callback(*t.outcome, execCtx)
		if err != nil {
			s.metrics.SideTaskCallbackFaulted()
			s.log.Error().Err(err).
				Uint64("task_id", uint64(t.id)).
				Uint64("height", attempt.height).
				Msg("side task callback failed")
			return sidetask.NewCallbackFaultError(t.id, attempt.height, err)
		}
		s.metrics.SideTaskReconciled(t.outcome.Status.String())
	}

	if len(attempt.due) > 0 {
		s.log.Debug().
			Uint64("height", attempt.height).
			Int("reconciled", len(attempt.due)).
			Msg("side tasks reconciled")
	}
	return nil
}
