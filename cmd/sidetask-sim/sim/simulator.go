package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/onflow/flow-sidetask/engine/execution/outbox"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask/httpbody"
	"github.com/onflow/flow-sidetask/model/encoding"
	model "github.com/onflow/flow-sidetask/model/sidetask"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
)

// latencySamples is the number of most recent probe latencies kept for the stats.
const latencySamples = 256

const (
	TopicProbeResult  = "probe.result"
	TopicProbeTimeout = "probe.timeout"
	TopicProbeFailed  = "probe.failed"
)

type Config struct {
	BlockPeriod     time.Duration
	SpawnEvery      uint64
	URL             string
	Duration        uint64
	MaxBlockRetries uint
	OutboxCapacity  int
}

func DefaultConfig() Config {
	return Config{
		BlockPeriod:     time.Second,
		SpawnEvery:      1,
		URL:             "http://localhost:8080/",
		Duration:        2,
		MaxBlockRetries: 3,
		OutboxCapacity:  1000,
	}
}

// ProbeResult is the message a probe callback emits once its outcome is known.
type ProbeResult struct {
	SpawnHeight uint64
	DueHeight   uint64
	Status      string
	StatusCode  int
	Err         string
}

// Stats summarizes the committed blocks and messages.
type Stats struct {
	Height          uint64            `json:"height"`
	BlocksCommitted uint64            `json:"blocks_committed"`
	BlockRetries    uint64            `json:"block_retries"`
	ProbesSpawned   uint64            `json:"probes_spawned"`
	Messages        map[string]uint64 `json:"messages"`
	PendingTasks    int               `json:"pending_tasks"`
	PendingHeights  map[uint64]int    `json:"pending_heights"`
	QueuedBodies    int               `json:"queued_bodies"`
	DriverState     string            `json:"driver_state"`
	ProbeLatencyP50 float64           `json:"probe_latency_p50_ms"`
	ProbeLatencyP95 float64           `json:"probe_latency_p95_ms"`
}

// Simulator produces blocks on a timer and drives the side task scheduler the way a block
// executor would: it advances the scheduler at the start of each block, spawns HTTP probes
// while the block executes, and commits the block's outbox once the block is done.
type Simulator struct {
	component.Component

	log     zerolog.Logger
	sched   *sidetask.Scheduler
	fetcher *httpbody.Fetcher
	encoder encoding.Encoder
	config  Config

	height *atomic.Uint64

	mu        sync.Mutex
	stats     Stats
	latencies []float64
}

func New(
	log zerolog.Logger,
	sched *sidetask.Scheduler,
	fetcher *httpbody.Fetcher,
	encoder encoding.Encoder,
	config Config,
) *Simulator {
	s := &Simulator{
		log:     log.With().Str("component", "sidetask_simulator").Logger(),
		sched:   sched,
		fetcher: fetcher,
		encoder: encoder,
		config:  config,
		height:  atomic.NewUint64(sched.Height()),
		stats: Stats{
			Messages: make(map[string]uint64),
		},
	}

	s.Component = component.NewComponentManagerBuilder().
		AddWorker(s.produceBlocks).
		Build()

	return s
}

func (s *Simulator) produceBlocks(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ticker := time.NewTicker(s.config.BlockPeriod)
	defer ticker.Stop()
	ready()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		height := s.height.Load() + 1
		messages, err := s.ProcessBlock(ctx, height)
		if err != nil {
			// errors caused by shutdown are expected
			if ctx.Err() != nil {
				return
			}
			ctx.Throw(fmt.Errorf("could not process block %d: %w", height, err))
			return
		}

		for _, msg := range messages {
			s.log.Info().
				Uint64("height", msg.Height).
				Uint32("index", msg.Index).
				Str("topic", msg.Topic).
				Int("payload_size", len(msg.Payload)).
				Msg("message committed")
		}
	}
}

// ProcessBlock processes the block at the given height and returns the messages it committed.
// A block whose callbacks fail is retried with a fresh outbox up to the configured number of
// times. Returns an error if the block could not be processed.
func (s *Simulator) ProcessBlock(ctx context.Context, height uint64) ([]outbox.Message, error) {
	blockCtx, err := outbox.NewBlockContext(s.log, s.encoder, height, s.config.OutboxCapacity)
	if err != nil {
		return nil, fmt.Errorf("could not create block context: %w", err)
	}

	for attempt := uint(0); ; attempt++ {
		err = s.executeBlock(ctx, blockCtx)
		if err == nil {
			break
		}
		dropped := blockCtx.Outbox.Discard()
		if !model.IsCallbackFaultError(err) || attempt >= s.config.MaxBlockRetries {
			return nil, err
		}

		s.log.Warn().Err(err).
			Uint64("height", height).
			Uint("attempt", attempt+1).
			Int("dropped_messages", dropped).
			Msg("retrying block")
		s.mu.Lock()
		s.stats.BlockRetries++
		s.mu.Unlock()
	}

	messages := blockCtx.Outbox.Commit()
	s.height.Store(height)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Height = height
	s.stats.BlocksCommitted++
	for _, msg := range messages {
		s.stats.Messages[msg.Topic]++
	}
	return messages, nil
}

// executeBlock reconciles the side tasks due at the block, then runs the block's own work,
// which spawns a probe every SpawnEvery blocks.
func (s *Simulator) executeBlock(ctx context.Context, blockCtx *outbox.BlockContext) error {
	err := s.sched.OnBlockAdvance(ctx, blockCtx.Height, blockCtx)
	if err != nil {
		return err
	}

	if s.config.SpawnEvery == 0 || blockCtx.Height%s.config.SpawnEvery != 0 {
		return nil
	}

	_, err = s.sched.Spawn(s.config.Duration, s.timed(s.fetcher.Get(s.config.URL)), probeCallback(blockCtx.Height))
	if err != nil {
		return fmt.Errorf("could not spawn probe: %w", err)
	}

	s.mu.Lock()
	s.stats.ProbesSpawned++
	s.mu.Unlock()
	return nil
}

// timed wraps the body to record how long it ran. The latency only feeds the stats and never
// reaches a callback.
func (s *Simulator) timed(body sidetask.Body) sidetask.Body {
	return func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		value, err := body(ctx)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)

		s.mu.Lock()
		s.latencies = append(s.latencies, elapsed)
		if len(s.latencies) > latencySamples {
			s.latencies = s.latencies[len(s.latencies)-latencySamples:]
		}
		s.mu.Unlock()

		return value, err
	}
}

// probeCallback turns the outcome of a probe into a message.
func probeCallback(spawnHeight uint64) sidetask.Callback {
	return func(outcome model.Outcome, execCtx sidetask.ExecutionContext) error {
		blockCtx, err := outbox.FromExecutionContext(execCtx)
		if err != nil {
			return err
		}

		result := ProbeResult{
			SpawnHeight: spawnHeight,
			DueHeight:   blockCtx.Height,
			Status:      outcome.Status.String(),
		}

		switch outcome.Status {
		case model.StatusReady:
			resp, ok := outcome.Value.(httpbody.Response)
			if !ok {
				return fmt.Errorf("unexpected probe value %T", outcome.Value)
			}
			result.StatusCode = resp.StatusCode
			result.Err = resp.Err
			return blockCtx.Outbox.Emit(TopicProbeResult, result)
		case model.StatusTimedOut:
			return blockCtx.Outbox.Emit(TopicProbeTimeout, result)
		default:
			result.Err = outcome.Err.Error()
			return blockCtx.Outbox.Emit(TopicProbeFailed, result)
		}
	}
}

// Stats returns a snapshot of the simulator and scheduler state.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	snapshot := s.stats
	snapshot.Messages = make(map[string]uint64, len(s.stats.Messages))
	for topic, n := range s.stats.Messages {
		snapshot.Messages[topic] = n
	}
	latencies := append(stats.Float64Data(nil), s.latencies...)
	s.mu.Unlock()

	if len(latencies) > 0 {
		// errors only occur for empty input
		snapshot.ProbeLatencyP50, _ = stats.PercentileNearestRank(latencies, 50)
		snapshot.ProbeLatencyP95, _ = stats.PercentileNearestRank(latencies, 95)
	}

	snapshot.PendingTasks = s.sched.PendingTasks()
	snapshot.PendingHeights = s.sched.PendingHeights()
	snapshot.QueuedBodies = s.sched.QueuedBodies()
	snapshot.DriverState = s.sched.DriverState().String()
	return snapshot
}

// StatsHandler serves the stats as JSON.
func (s *Simulator) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(s.Stats())
	if err != nil {
		s.log.Warn().Err(err).Msg("could not write stats response")
	}
}
