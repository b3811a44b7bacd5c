package sidetask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
)

// Executor runs task bodies off the deterministic path. Bodies run concurrently, in no
// particular order, and each one writes its outcome into its own result cell. The executor
// never enforces a timeout; the driver decides when an outcome is too late.
type Executor struct {
	component.Component

	log     zerolog.Logger
	metrics module.SideTaskMetrics

	// pool is nil when bodies run on dedicated goroutines.
	pool *workerpool.WorkerPool

	// bodyCtx is the parent of every body context and is cancelled on shutdown.
	bodyCtx      context.Context
	cancelBodies context.CancelFunc

	mu       sync.Mutex // protects stopped and the Add side of inflight
	stopped  bool
	inflight sync.WaitGroup
	running  *atomic.Int64
}

// NewExecutor creates an executor. A positive maxConcurrent runs bodies on a worker pool
// of that size; otherwise every body gets its own goroutine.
func NewExecutor(log zerolog.Logger, metrics module.SideTaskMetrics, maxConcurrent int) *Executor {
	bodyCtx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		log:          log.With().Str("component", "side_task_executor").Logger(),
		metrics:      metrics,
		bodyCtx:      bodyCtx,
		cancelBodies: cancel,
		running:      atomic.NewInt64(0),
	}
	if maxConcurrent > 0 {
		e.pool = workerpool.New(maxConcurrent)
	}

	e.Component = component.NewComponentManagerBuilder().
		AddWorker(e.shutdownOnCancel).
		Build()

	return e
}

// shutdownOnCancel waits for the component to be cancelled, then cancels all bodies and
// waits for them to return.
func (e *Executor) shutdownOnCancel(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()
	<-ctx.Done()

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancelBodies()
	e.inflight.Wait()
	if e.pool != nil {
		e.pool.StopWait()
	}
	e.log.Debug().Msg("all side task bodies returned")
}

// Run starts executing the task's body. It never blocks: with a bounded pool, the body is
// queued until a worker is available.
// Expected errors:
//   - component.ErrComponentShutdown if the executor is shutting down
func (e *Executor) Run(t *task) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return component.ErrComponentShutdown
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	t.ctx, t.cancel = context.WithCancel(e.bodyCtx)
	e.metrics.SideTaskBodiesRunning(e.running.Inc())

	job := func() {
		defer e.inflight.Done()
		defer func() {
			e.metrics.SideTaskBodiesRunning(e.running.Dec())
		}()
		e.execute(t)
	}

	if e.pool != nil {
		e.pool.Submit(job)
		return nil
	}
	go job()
	return nil
}

// Waiting returns the number of bodies queued behind busy workers. Always zero when bodies
// run on dedicated goroutines.
func (e *Executor) Waiting() int {
	if e.pool == nil {
		return 0
	}
	return e.pool.WaitingQueueSize()
}

func (e *Executor) execute(t *task) {
	defer t.cancel()

	log := e.log.With().
		Uint64("task_id", uint64(t.id)).
		Uint64("due_height", t.dueHeight).
		Logger()

	// a task abandoned while queued is not started at all
	if t.ctx.Err() != nil {
		if t.cell.Complete(nil, sidetask.NewBodyFailureError(t.id, t.ctx.Err())) {
			e.metrics.SideTaskBodyFinished(sidetask.StatusFailed.String(), 0)
		}
		return
	}

	t.started.Store(true)
	start := time.Now()
	log.Debug().Msg("side task body started")

	value, err := invoke(t.ctx, t.body)
	if err != nil {
		err = sidetask.NewBodyFailureError(t.id, err)
	}
	duration := time.Since(start)

	if !t.cell.Complete(value, err) {
		log.Debug().Dur("duration", duration).Msg("discarding late side task result")
		e.metrics.SideTaskLateResultDiscarded()
		return
	}

	status := t.cell.Status()
	e.metrics.SideTaskBodyFinished(status.String(), duration)
	log.Debug().
		Str("status", status.String()).
		Dur("duration", duration).
		Msg("side task body finished")
}

// invoke runs the body and converts a panic into an error, so that a faulty body surfaces
// as Failed instead of taking down the process.
func invoke(ctx context.Context, body Body) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("side task body panicked: %v", r)
		}
	}()
	return body(ctx)
}
