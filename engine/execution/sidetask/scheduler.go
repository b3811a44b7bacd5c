package sidetask

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
)

// Scheduler lets block-processing logic run nondeterministic work (network requests, timed
// computations) without breaking replay determinism. A task's body runs in the background
// as soon as it is spawned; its callback runs exactly once, synchronously, while the block at
// the task's due height is processed, with whatever outcome is available by then.
//
// Spawn and OnBlockAdvance are meant to be called from the single goroutine processing
// blocks. Callbacks may call Spawn.
type Scheduler struct {
	component.Component

	log      zerolog.Logger
	metrics  module.SideTaskMetrics
	config   Config
	registry *Registry
	executor *Executor

	nextID *atomic.Uint64
	state  *atomic.Uint32

	// blockMu serializes block advances, so callbacks of different blocks never interleave.
	blockMu sync.Mutex

	// mu protects current
	mu      sync.Mutex
	current *blockAttempt
}

// NewScheduler creates a scheduler whose last processed block is rootHeight. The first call
// to OnBlockAdvance is expected for rootHeight+1.
func NewScheduler(
	log zerolog.Logger,
	metrics module.SideTaskMetrics,
	rootHeight uint64,
	opts ...OptionFunc,
) (*Scheduler, error) {
	config := DefaultConfig()
	for _, apply := range opts {
		apply(config)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid side task scheduler config: %w", err)
	}

	s := &Scheduler{
		log:      log.With().Str("component", "side_task_scheduler").Logger(),
		metrics:  metrics,
		config:   *config,
		registry: NewRegistry(config.MaxTasksPerHeight, metrics.SideTaskPending),
		executor: NewExecutor(log, metrics, config.MaxConcurrentBodies),
		nextID:   atomic.NewUint64(0),
		state:    atomic.NewUint32(uint32(sidetask.DriverIdle)),
		current:  &blockAttempt{height: rootHeight, reconciled: true, root: true},
	}

	s.Component = component.NewComponentManagerBuilder().
		AddWorker(s.runExecutor).
		Build()

	return s, nil
}

// runExecutor ties the executor's lifecycle to the scheduler's.
func (s *Scheduler) runExecutor(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	s.executor.Start(ctx)

	select {
	case <-ctx.Done():
		<-s.executor.Done()
		return
	case <-s.executor.Ready():
		ready()
	}

	<-s.executor.Done()
}

// Spawn registers a task due `duration` blocks after the block currently being processed,
// and starts its body immediately.
// The returned ID is for diagnostics only; a registered task cannot be cancelled.
// Expected errors:
//   - sidetask.SchedulingError if duration is zero, body or callback is nil, the due height
//     overflows, or the due height already holds the configured maximum number of tasks
//   - component.ErrComponentShutdown if the scheduler is shutting down
func (s *Scheduler) Spawn(duration uint64, body Body, callback Callback) (sidetask.TaskID, error) {
	if duration == 0 {
		return 0, sidetask.NewSchedulingErrorf("duration must be at least one block")
	}
	if body == nil {
		return 0, sidetask.NewSchedulingErrorf("body must not be nil")
	}
	if callback == nil {
		return 0, sidetask.NewSchedulingErrorf("callback must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	height := s.current.height
	if duration > math.MaxUint64-height {
		return 0, sidetask.NewSchedulingErrorf("due height overflows: height %d, duration %d", height, duration)
	}
	dueHeight := height + duration

	t := newTask(sidetask.TaskID(s.nextID.Inc()), height, dueHeight, body, callback)

	err := s.registry.Add(t)
	if err != nil {
		return 0, sidetask.NewSchedulingError(err)
	}
	err = s.executor.Run(t)
	if err != nil {
		s.registry.Remove(t)
		return 0, err
	}
	s.current.spawned = append(s.current.spawned, t)

	s.metrics.SideTaskSpawned(duration)
	s.log.Debug().
		Uint64("task_id", uint64(t.id)).
		Uint64("height", height).
		Uint64("due_height", dueHeight).
		Msg("side task spawned")

	return t.id, nil
}

// Height returns the height of the block currently being processed, i.e. the height new
// tasks are spawned relative to.
func (s *Scheduler) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.height
}

// DriverState returns the current state of the block-boundary driver.
func (s *Scheduler) DriverState() sidetask.DriverState {
	return sidetask.DriverState(s.state.Load())
}

// PendingTasks returns the number of tasks waiting for their due height.
func (s *Scheduler) PendingTasks() int {
	return s.registry.Len()
}

// PendingHeights returns, for every due height with registered tasks, the number of tasks
// due at that height.
func (s *Scheduler) PendingHeights() map[uint64]int {
	heights := s.registry.Heights()
	counts := make(map[uint64]int, len(heights))
	for _, height := range heights {
		if n := s.registry.LenAt(height); n > 0 {
			counts[height] = n
		}
	}
	return counts
}

// QueuedBodies returns the number of bodies waiting for a worker. Always zero unless the
// scheduler was configured with a bounded number of concurrent bodies.
func (s *Scheduler) QueuedBodies() int {
	return s.executor.Waiting()
}
