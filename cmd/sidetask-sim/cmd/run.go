package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onflow/flow-sidetask/cmd/sidetask-sim/sim"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask"
	"github.com/onflow/flow-sidetask/engine/execution/sidetask/httpbody"
	"github.com/onflow/flow-sidetask/model/encoding/cbor"
	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
	"github.com/onflow/flow-sidetask/module/metrics"
	"github.com/onflow/flow-sidetask/module/util"
)

const (
	statsInterval   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func run(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	if err := schedulerConfig.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	log.Info().
		Dur("block_period", simConfig.BlockPeriod).
		Uint64("spawn_every", simConfig.SpawnEvery).
		Str("url", simConfig.URL).
		Uint64("duration", simConfig.Duration).
		Dur("reconcile_wait_budget", schedulerConfig.ReconcileWaitBudget).
		Uint("metrics_port", flagMetricsPort).
		Msg("flags")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewSideTaskCollector(registry)

	sched, err := sidetask.NewScheduler(log, collector, flagRootHeight,
		sidetask.WithReconcileWaitBudget(schedulerConfig.ReconcileWaitBudget),
		sidetask.WithMaxConcurrentBodies(schedulerConfig.MaxConcurrentBodies),
		sidetask.WithMaxTasksPerHeight(schedulerConfig.MaxTasksPerHeight),
	)
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	fetcher := httpbody.NewFetcher(log, &http.Client{}, fetcherConfig)
	simulator := sim.New(log, sched, fetcher, cbor.NewEncoder(), simConfig)

	server := metrics.NewServer(log, flagMetricsPort, registry)
	server.Router().HandleFunc("/sidetasks/stats", simulator.StatsHandler).Methods(http.MethodGet)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)
	for _, c := range []component.Component{sched, server, simulator} {
		c.Start(signalerCtx)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return util.WaitError(errChan, ctx.Done())
	})
	group.Go(func() error {
		err := util.WaitClosed(groupCtx, util.AllReady(sched, server, simulator))
		if err == nil {
			log.Info().Msg("simulator started")
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats := simulator.Stats()
				log.Info().
					Uint64("height", stats.Height).
					Uint64("blocks_committed", stats.BlocksCommitted).
					Uint64("block_retries", stats.BlockRetries).
					Int("pending_tasks", stats.PendingTasks).
					Msg("simulator stats")
			}
		}
	})

	err = group.Wait()
	cancel()

	select {
	case <-util.AllDone(sched, server, simulator):
	case <-time.After(shutdownTimeout):
		log.Warn().Msg("timed out waiting for components to shut down")
	}

	if err != nil {
		log.Error().Err(err).Msg("simulator stopped on irrecoverable error")
		return err
	}
	log.Info().Msg("simulator stopped")
	return nil
}
