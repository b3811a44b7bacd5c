package sidetask

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
	"github.com/onflow/flow-sidetask/module/metrics"
	mockmodule "github.com/onflow/flow-sidetask/module/mock"
	"github.com/onflow/flow-sidetask/utils/unittest"
)

func startExecutor(t *testing.T, maxConcurrent int) (*Executor, context.CancelFunc) {
	e := NewExecutor(unittest.Logger(), metrics.NewNoopCollector(), maxConcurrent)
	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	e.Start(ctx)
	unittest.RequireCloseBefore(t, e.Ready(), time.Second, "executor not ready")
	return e, cancel
}

func bodyTask(id uint64, body Body) *task {
	return newTask(sidetask.TaskID(id), 1, 2, body, noopCallback)
}

func TestExecutor_Outcomes(t *testing.T) {
	for _, maxConcurrent := range []int{0, 2} {
		e, cancel := startExecutor(t, maxConcurrent)

		bodyErr := errors.New("unreachable host")
		ready := bodyTask(1, func(context.Context) (interface{}, error) { return "pong", nil })
		failed := bodyTask(2, func(context.Context) (interface{}, error) { return nil, bodyErr })
		panicked := bodyTask(3, func(context.Context) (interface{}, error) { panic("oops") })

		for _, tk := range []*task{ready, failed, panicked} {
			require.NoError(t, e.Run(tk))
		}
		for _, tk := range []*task{ready, failed, panicked} {
			unittest.RequireCloseBefore(t, tk.cell.Completed(), time.Second, "body did not finish")
			assert.Equal(t, sidetask.TaskCompleted, tk.status())
		}

		outcome, err := ready.cell.Finalize(nil)
		require.NoError(t, err)
		assert.Equal(t, sidetask.Ready("pong"), outcome)

		outcome, err = failed.cell.Finalize(nil)
		require.NoError(t, err)
		assert.Equal(t, sidetask.StatusFailed, outcome.Status)
		assert.True(t, sidetask.IsBodyFailureError(outcome.Err))
		assert.ErrorIs(t, outcome.Err, bodyErr)

		outcome, err = panicked.cell.Finalize(nil)
		require.NoError(t, err)
		assert.Equal(t, sidetask.StatusFailed, outcome.Status)
		assert.Contains(t, outcome.Err.Error(), "oops")

		cancel()
		unittest.RequireCloseBefore(t, e.Done(), time.Second, "executor did not shut down")
	}
}

// A result produced after the cell was finalized is discarded and counted.
func TestExecutor_LateResultDiscarded(t *testing.T) {
	collector := mockmodule.NewSideTaskMetrics(t)
	collector.On("SideTaskBodiesRunning", mock.Anything).Return()
	collector.On("SideTaskLateResultDiscarded").Return().Once()

	e := NewExecutor(unittest.Logger(), collector, 0)

	release := make(chan struct{})
	returned := make(chan struct{})
	tk := bodyTask(1, func(context.Context) (interface{}, error) {
		defer close(returned)
		<-release
		return "late", nil
	})
	require.NoError(t, e.Run(tk))

	outcome, err := tk.cell.Finalize(sidetask.NewDeadlineExceededError(tk.id, tk.dueHeight))
	require.NoError(t, err)
	assert.Equal(t, sidetask.StatusTimedOut, outcome.Status)
	assert.Equal(t, sidetask.TaskTimedOut, tk.status())

	close(release)
	unittest.RequireCloseBefore(t, returned, time.Second, "body did not return")
	require.Eventually(t, func() bool {
		return e.running.Load() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sidetask.StatusTimedOut, tk.cell.Status())
}

// Bodies queued behind a busy worker are not started once abandoned.
func TestExecutor_AbandonedWhileQueued(t *testing.T) {
	e, cancel := startExecutor(t, 1)
	defer cancel()

	release := make(chan struct{})
	blocking := bodyTask(1, func(context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	queued := bodyTask(2, func(context.Context) (interface{}, error) {
		t.Error("abandoned body must not run")
		return nil, nil
	})

	require.NoError(t, e.Run(blocking))
	require.NoError(t, e.Run(queued))
	require.Eventually(t, func() bool {
		return blocking.started.Load()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sidetask.TaskPending, queued.status())

	queued.abandon()
	close(release)

	unittest.RequireCloseBefore(t, queued.cell.Completed(), time.Second, "queued task not completed")
	assert.Equal(t, sidetask.StatusFailed, queued.cell.Status())
	assert.False(t, queued.started.Load())
}

// On shutdown, running bodies are cancelled and new bodies are rejected.
func TestExecutor_Shutdown(t *testing.T) {
	e, cancel := startExecutor(t, 0)

	observedCancel := make(chan struct{})
	tk := bodyTask(1, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(observedCancel)
		return nil, ctx.Err()
	})
	require.NoError(t, e.Run(tk))

	cancel()
	unittest.RequireCloseBefore(t, observedCancel, time.Second, "body context not cancelled")
	unittest.RequireCloseBefore(t, e.Done(), time.Second, "executor did not shut down")

	err := e.Run(bodyTask(2, noopBody))
	assert.ErrorIs(t, err, component.ErrComponentShutdown)
}
