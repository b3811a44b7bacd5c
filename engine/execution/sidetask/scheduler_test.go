package sidetask

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
	"github.com/onflow/flow-sidetask/module/metrics"
	mockmodule "github.com/onflow/flow-sidetask/module/mock"
	"github.com/onflow/flow-sidetask/utils/unittest"
)

// blockCtx stands in for the host's execution context.
type blockCtx struct {
	height uint64
}

type reconciliation struct {
	name    string
	height  uint64
	outcome sidetask.Outcome
	state   sidetask.DriverState
}

type SchedulerSuite struct {
	suite.Suite

	sched  *Scheduler
	cancel context.CancelFunc

	mu     sync.Mutex
	record []reconciliation
}

func TestScheduler(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.record = nil
	s.sched = s.newScheduler(99, WithReconcileWaitBudget(100*time.Millisecond))
}

func (s *SchedulerSuite) TearDownTest() {
	s.cancel()
	unittest.RequireCloseBefore(s.T(), s.sched.Done(), time.Second, "scheduler did not shut down")
}

func (s *SchedulerSuite) newScheduler(rootHeight uint64, opts ...OptionFunc) *Scheduler {
	sched, err := NewScheduler(unittest.Logger(), metrics.NewNoopCollector(), rootHeight, opts...)
	s.Require().NoError(err)

	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(s.T(), context.Background())
	s.cancel = cancel
	sched.Start(ctx)
	unittest.RequireCloseBefore(s.T(), sched.Ready(), time.Second, "scheduler not ready")
	return sched
}

func (s *SchedulerSuite) advance(height uint64) {
	err := s.sched.OnBlockAdvance(context.Background(), height, blockCtx{height: height})
	s.Require().NoError(err)
	s.Assert().Equal(sidetask.DriverIdle, s.sched.DriverState())
}

// recorder returns a callback which records its invocation under the given name.
func (s *SchedulerSuite) recorder(name string) Callback {
	return func(outcome sidetask.Outcome, execCtx ExecutionContext) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.record = append(s.record, reconciliation{
			name:    name,
			height:  execCtx.(blockCtx).height,
			outcome: outcome,
			state:   s.sched.DriverState(),
		})
		return nil
	}
}

func (s *SchedulerSuite) recorded() []reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconciliation(nil), s.record...)
}

func (s *SchedulerSuite) spawn(duration uint64, body Body, name string) sidetask.TaskID {
	id, err := s.sched.Spawn(duration, body, s.recorder(name))
	s.Require().NoError(err)
	return id
}

func returns(value interface{}) Body {
	return func(context.Context) (interface{}, error) { return value, nil }
}

func blocksUntil(release <-chan struct{}, value interface{}) Body {
	return func(ctx context.Context) (interface{}, error) {
		<-release
		return value, nil
	}
}

// A fast body's result is delivered to the callback at the due block and not earlier.
func (s *SchedulerSuite) TestReadyOutcomeAtDueHeight() {
	s.advance(100)
	s.spawn(2, returns("pong"), "A")

	s.advance(101)
	s.Assert().Empty(s.recorded())

	s.advance(102)
	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal("A", rec[0].name)
	s.Assert().Equal(uint64(102), rec[0].height)
	s.Assert().Equal(sidetask.Ready("pong"), rec[0].outcome)
	s.Assert().Equal(sidetask.DriverReconciling, rec[0].state)
	s.Assert().Equal(0, s.sched.PendingTasks())
}

// A body which does not finish within the wait budget is reconciled as timed out, and its
// eventual result is discarded.
func (s *SchedulerSuite) TestSlowBodyTimesOut() {
	release := make(chan struct{})
	observedCancel := make(chan struct{})

	s.advance(100)
	s.spawn(2, func(ctx context.Context) (interface{}, error) {
		select {
		case <-ctx.Done():
			close(observedCancel)
		case <-release:
		}
		return "too late", nil
	}, "A")
	s.advance(101)

	start := time.Now()
	s.advance(102)
	s.Assert().GreaterOrEqual(time.Since(start), 100*time.Millisecond)

	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal(sidetask.StatusTimedOut, rec[0].outcome.Status)
	s.Assert().True(sidetask.IsDeadlineExceededError(rec[0].outcome.Err))

	// the body is told its result is no longer wanted
	unittest.RequireCloseBefore(s.T(), observedCancel, time.Second, "timed out body not cancelled")
	close(release)

	s.advance(103)
	s.Assert().Len(s.recorded(), 1)
}

func (s *SchedulerSuite) TestFailedOutcome() {
	bodyErr := errors.New("connection refused")

	s.advance(100)
	s.spawn(1, func(context.Context) (interface{}, error) { return nil, bodyErr }, "A")
	s.spawn(1, returns("ok"), "B")
	s.advance(101)

	rec := s.recorded()
	s.Require().Len(rec, 2)
	s.Assert().Equal(sidetask.StatusFailed, rec[0].outcome.Status)
	s.Assert().ErrorIs(rec[0].outcome.Err, bodyErr)
	s.Assert().Equal(sidetask.Ready("ok"), rec[1].outcome)
}

// Tasks due at the same height are reconciled in spawn order, regardless of the order in
// which their bodies finish.
func (s *SchedulerSuite) TestSpawnOrderAtSameHeight() {
	releaseA := make(chan struct{})

	s.advance(100)
	s.advance(101)
	s.advance(102)
	s.advance(103)
	s.spawn(2, blocksUntil(releaseA, "a"), "A")
	s.advance(104)
	s.spawn(1, returns("b"), "B")

	s.Assert().Equal(map[uint64]int{105: 2}, s.sched.PendingHeights())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(releaseA)
	}()
	s.advance(105)

	rec := s.recorded()
	s.Require().Len(rec, 2)
	s.Assert().Equal("A", rec[0].name)
	s.Assert().Equal("B", rec[1].name)
	s.Assert().Equal(sidetask.Ready("a"), rec[0].outcome)
	s.Assert().Equal(sidetask.Ready("b"), rec[1].outcome)
}

// The wait budget is shared by all tasks due at a block rather than granted per task.
func (s *SchedulerSuite) TestWaitBudgetSharedPerBlock() {
	release := make(chan struct{})
	defer close(release)

	s.advance(100)
	for _, name := range []string{"A", "B", "C", "D"} {
		s.spawn(1, blocksUntil(release, name), name)
	}

	start := time.Now()
	s.advance(101)
	s.Assert().Less(time.Since(start), 350*time.Millisecond)

	rec := s.recorded()
	s.Require().Len(rec, 4)
	for _, r := range rec {
		s.Assert().Equal(sidetask.StatusTimedOut, r.outcome.Status)
	}
}

// With a zero budget the driver never waits.
func (s *SchedulerSuite) TestZeroWaitBudget() {
	s.cancel()
	unittest.RequireCloseBefore(s.T(), s.sched.Done(), time.Second, "scheduler did not shut down")
	s.sched = s.newScheduler(99, WithReconcileWaitBudget(0))

	release := make(chan struct{})
	defer close(release)

	s.advance(100)
	s.spawn(1, blocksUntil(release, nil), "slow")

	start := time.Now()
	s.advance(101)
	s.Assert().Less(time.Since(start), 50*time.Millisecond)

	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal(sidetask.StatusTimedOut, rec[0].outcome.Status)
}

// A task spawned from a callback is due relative to the block being reconciled.
func (s *SchedulerSuite) TestSpawnFromCallback() {
	s.advance(100)
	_, err := s.sched.Spawn(1, returns(1), func(outcome sidetask.Outcome, execCtx ExecutionContext) error {
		_, err := s.sched.Spawn(2, returns(2), s.recorder("follow-up"))
		return err
	})
	s.Require().NoError(err)

	s.advance(101)
	s.Assert().Equal(map[uint64]int{103: 1}, s.sched.PendingHeights())

	s.advance(102)
	s.advance(103)
	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal(uint64(103), rec[0].height)
	s.Assert().Equal(sidetask.Ready(2), rec[0].outcome)
}

func (s *SchedulerSuite) TestSpawnValidation() {
	s.advance(100)

	_, err := s.sched.Spawn(0, noopBody, noopCallback)
	s.Assert().True(sidetask.IsSchedulingError(err))

	_, err = s.sched.Spawn(1, nil, noopCallback)
	s.Assert().True(sidetask.IsSchedulingError(err))

	_, err = s.sched.Spawn(1, noopBody, nil)
	s.Assert().True(sidetask.IsSchedulingError(err))

	_, err = s.sched.Spawn(math.MaxUint64, noopBody, noopCallback)
	s.Assert().True(sidetask.IsSchedulingError(err))

	s.Assert().Equal(0, s.sched.PendingTasks())

	first, err := s.sched.Spawn(1, noopBody, noopCallback)
	s.Require().NoError(err)
	second, err := s.sched.Spawn(1, noopBody, noopCallback)
	s.Require().NoError(err)
	s.Assert().NotEqual(first, second)
}

func (s *SchedulerSuite) TestMaxTasksPerHeight() {
	s.cancel()
	unittest.RequireCloseBefore(s.T(), s.sched.Done(), time.Second, "scheduler did not shut down")
	s.sched = s.newScheduler(99, WithMaxTasksPerHeight(1))

	s.advance(100)
	s.spawn(1, noopBody, "A")
	_, err := s.sched.Spawn(1, noopBody, noopCallback)
	s.Assert().True(sidetask.IsSchedulingError(err))
	s.spawn(2, noopBody, "B")
	s.Assert().Equal(2, s.sched.PendingTasks())
}

func (s *SchedulerSuite) TestNonSequentialHeight() {
	ctx := context.Background()

	// the root block itself is never processed
	err := s.sched.OnBlockAdvance(ctx, 99, nil)
	s.Assert().True(sidetask.IsNonSequentialHeightError(err))

	err = s.sched.OnBlockAdvance(ctx, 101, nil)
	s.Assert().True(sidetask.IsNonSequentialHeightError(err))

	s.advance(100)
	err = s.sched.OnBlockAdvance(ctx, 98, nil)
	s.Assert().True(sidetask.IsNonSequentialHeightError(err))
	s.Assert().Equal(uint64(100), s.sched.Height())
}

// A failing callback aborts the block. The next block is refused until the failed block is
// retried successfully, and the retry replays the same outcomes.
func (s *SchedulerSuite) TestCallbackFaultAndRetry() {
	calls := 0
	callbackErr := errors.New("state write failed")
	var outcomes []sidetask.Outcome

	s.advance(100)
	s.spawn(1, returns("first"), "A")
	_, err := s.sched.Spawn(1, func(context.Context) (interface{}, error) { return "second", nil },
		func(outcome sidetask.Outcome, _ ExecutionContext) error {
			calls++
			outcomes = append(outcomes, outcome)
			if calls == 1 {
				return callbackErr
			}
			return nil
		})
	s.Require().NoError(err)
	s.spawn(1, returns("third"), "C")

	err = s.sched.OnBlockAdvance(context.Background(), 101, blockCtx{height: 101})
	s.Require().Error(err)
	s.Assert().True(sidetask.IsCallbackFaultError(err))
	s.Assert().ErrorIs(err, callbackErr)
	s.Assert().Equal(sidetask.DriverIdle, s.sched.DriverState())

	// the callback after the faulty one was not run
	s.Require().Len(s.recorded(), 1)

	err = s.sched.OnBlockAdvance(context.Background(), 102, blockCtx{height: 102})
	s.Assert().True(sidetask.IsUnreconciledBlockError(err))

	s.advance(101)
	rec := s.recorded()
	s.Require().Len(rec, 3)
	s.Assert().Equal([]string{"A", "A", "C"}, []string{rec[0].name, rec[1].name, rec[2].name})
	s.Assert().Equal(rec[0].outcome, rec[1].outcome)
	s.Require().Len(outcomes, 2)
	s.Assert().Equal(outcomes[0], outcomes[1])

	s.advance(102)
}

// Retrying a block discards the tasks the previous attempt spawned, and the retry assigns
// the same task IDs as the discarded attempt did.
func (s *SchedulerSuite) TestRetryRollsBackSpawns() {
	started := make(chan struct{})
	observedCancel := make(chan struct{})

	s.advance(100)
	discardedID := s.spawn(3, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		close(observedCancel)
		return nil, ctx.Err()
	}, "discarded")
	s.Assert().Equal(1, s.sched.PendingTasks())
	unittest.RequireCloseBefore(s.T(), started, time.Second, "body not started")

	s.advance(100)
	s.Assert().Equal(0, s.sched.PendingTasks())
	unittest.RequireCloseBefore(s.T(), observedCancel, time.Second, "rolled back body not cancelled")

	keptID := s.spawn(3, returns("kept"), "kept")
	s.Assert().Equal(discardedID, keptID)

	s.advance(101)
	s.advance(102)
	s.advance(103)

	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal("kept", rec[0].name)
}

// A body rolled back while still queued for a worker is never run and its cell ends up failed.
func (s *SchedulerSuite) TestRetryBeforeBodyStarted() {
	s.TearDownTest()
	s.sched = s.newScheduler(99, WithMaxConcurrentBodies(1))

	release := make(chan struct{})

	s.advance(100)
	s.spawn(5, blocksUntil(release, "busy"), "busy")
	s.spawn(5, func(context.Context) (interface{}, error) {
		s.T().Error("rolled back body must not run")
		return nil, nil
	}, "queued")

	s.sched.mu.Lock()
	queued := s.sched.current.spawned[1]
	s.sched.mu.Unlock()

	s.advance(100)
	s.Assert().Equal(0, s.sched.PendingTasks())
	close(release)

	unittest.RequireCloseBefore(s.T(), queued.cell.Completed(), time.Second, "rolled back cell not completed")
	outcome, err := queued.cell.Finalize(nil)
	s.Require().NoError(err)
	s.Assert().Equal(sidetask.StatusFailed, outcome.Status)
	s.Assert().ErrorIs(outcome.Err, context.Canceled)
	s.Assert().False(queued.started.Load())
}

// A cancelled context aborts the wait; the block can be retried.
func (s *SchedulerSuite) TestContextCancelledWhileDraining() {
	release := make(chan struct{})

	s.advance(100)
	s.spawn(1, blocksUntil(release, "v"), "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.sched.OnBlockAdvance(ctx, 101, blockCtx{height: 101})
	s.Assert().ErrorIs(err, context.Canceled)
	s.Assert().Empty(s.recorded())
	s.Assert().Equal(sidetask.DriverIdle, s.sched.DriverState())

	close(release)
	s.advance(101)
	rec := s.recorded()
	s.Require().Len(rec, 1)
	s.Assert().Equal(sidetask.Ready("v"), rec[0].outcome)
}

func (s *SchedulerSuite) TestSpawnAfterShutdown() {
	s.cancel()
	unittest.RequireCloseBefore(s.T(), s.sched.Done(), time.Second, "scheduler did not shut down")

	_, err := s.sched.Spawn(1, noopBody, noopCallback)
	s.Assert().ErrorIs(err, component.ErrComponentShutdown)
	s.Assert().Equal(0, s.sched.PendingTasks())
}

func TestScheduler_Metrics(t *testing.T) {
	collector := mockmodule.NewSideTaskMetrics(t)
	collector.On("SideTaskPending", mock.Anything).Return()
	collector.On("SideTaskBodiesRunning", mock.Anything).Return()
	collector.On("SideTaskSpawned", uint64(1)).Return().Twice()
	collector.On("SideTaskBodyFinished", "ready", mock.Anything).Return().Once()
	collector.On("SideTaskBodyFinished", "failed", mock.Anything).Return().Once()
	collector.On("SideTaskBlockDrained", mock.Anything, 2, 0).Return().Once()
	collector.On("SideTaskReconciled", "ready").Return().Once()
	collector.On("SideTaskReconciled", "failed").Return().Once()

	sched, err := NewScheduler(unittest.Logger(), collector, 0, WithReconcileWaitBudget(time.Second))
	require.NoError(t, err)
	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	sched.Start(ctx)
	unittest.RequireCloseBefore(t, sched.Ready(), time.Second, "scheduler not ready")

	_, err = sched.Spawn(1, returns(1), noopCallback)
	require.NoError(t, err)
	_, err = sched.Spawn(1, func(context.Context) (interface{}, error) { return nil, errors.New("x") }, noopCallback)
	require.NoError(t, err)

	require.NoError(t, sched.OnBlockAdvance(context.Background(), 1, nil))
	assert.Equal(t, 0, sched.PendingTasks())

	cancel()
	unittest.RequireCloseBefore(t, sched.Done(), time.Second, "scheduler did not shut down")
}

// lockedBuffer is a log sink safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// The timeout warning tells a body still running apart from one that never got a worker.
func TestScheduler_TimeoutWarningReportsLifecycle(t *testing.T) {
	logs := &lockedBuffer{}
	log := unittest.LoggerWithWriterAndLevel(logs, zerolog.WarnLevel)

	sched, err := NewScheduler(log, metrics.NewNoopCollector(), 0,
		WithReconcileWaitBudget(20*time.Millisecond),
		WithMaxConcurrentBodies(1))
	require.NoError(t, err)
	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	sched.Start(ctx)
	unittest.RequireCloseBefore(t, sched.Ready(), time.Second, "scheduler not ready")
	defer func() {
		cancel()
		unittest.RequireCloseBefore(t, sched.Done(), time.Second, "scheduler did not shut down")
	}()

	started := make(chan struct{})
	_, err = sched.Spawn(1, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, noopCallback)
	require.NoError(t, err)
	_, err = sched.Spawn(1, noopBody, noopCallback)
	require.NoError(t, err)
	unittest.RequireCloseBefore(t, started, time.Second, "body not started")

	require.NoError(t, sched.OnBlockAdvance(context.Background(), 1, nil))

	output := logs.String()
	assert.Equal(t, 2, strings.Count(output, "side task did not finish before its due block"))
	assert.Contains(t, output, `"lifecycle":"running"`)
	assert.Contains(t, output, `"lifecycle":"pending"`)
}
