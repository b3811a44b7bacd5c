package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onflow/flow-sidetask/module"
)

type SideTaskCollector struct {
	spawned             prometheus.Counter
	spawnDueIn          prometheus.Histogram
	bodiesFinished      *prometheus.CounterVec
	bodyDuration        prometheus.Histogram
	lateResultsDropped  prometheus.Counter
	reconciled          *prometheus.CounterVec
	callbackFaults      prometheus.Counter
	drainDuration       prometheus.Histogram
	drainTimedOut       prometheus.Counter
	rolledBack          prometheus.Counter
	pendingTasks        prometheus.Gauge
	bodiesRunning       prometheus.Gauge
	lastDrainedDueTasks prometheus.Gauge
}

var _ module.SideTaskMetrics = (*SideTaskCollector)(nil)

func NewSideTaskCollector(registerer prometheus.Registerer) *SideTaskCollector {
	sc := &SideTaskCollector{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "spawned_total",
			Help:      "the number of side tasks registered",
		}),
		spawnDueIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "due_in_blocks",
			Help:      "the number of blocks between spawning a side task and its due height",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		bodiesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "bodies_finished_total",
			Help:      "the number of side task bodies which produced an outcome before their due height",
		}, []string{LabelStatus}),
		bodyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "body_duration_seconds",
			Help:      "the time side task bodies took to produce an outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lateResultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "late_results_dropped_total",
			Help:      "the number of side task results discarded because they arrived after the due height",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "reconciled_total",
			Help:      "the number of side task callbacks executed, by outcome status",
		}, []string{LabelStatus}),
		callbackFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "callback_faults_total",
			Help:      "the number of side task callbacks which returned an error",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "drain_duration_seconds",
			Help:      "the time block processing waited for due side task results",
			Buckets:   drainDurationBuckets,
		}),
		drainTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "timed_out_total",
			Help:      "the number of side tasks forced to time out at their due height",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "rolled_back_total",
			Help:      "the number of side tasks dropped because the block spawning them was retried",
		}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "pending",
			Help:      "the number of side tasks waiting for their due height",
		}),
		bodiesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "bodies_running",
			Help:      "the number of side task bodies currently executing or queued for execution",
		}),
		lastDrainedDueTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceExecution,
			Subsystem: subsystemSideTask,
			Name:      "last_block_due",
			Help:      "the number of side tasks due at the most recently drained block",
		}),
	}

	registerer.MustRegister(
		sc.spawned,
		sc.spawnDueIn,
		sc.bodiesFinished,
		sc.bodyDuration,
		sc.lateResultsDropped,
		sc.reconciled,
		sc.callbackFaults,
		sc.drainDuration,
		sc.drainTimedOut,
		sc.rolledBack,
		sc.pendingTasks,
		sc.bodiesRunning,
		sc.lastDrainedDueTasks,
	)

	return sc
}

func (sc *SideTaskCollector) SideTaskSpawned(dueIn uint64) {
	sc.spawned.Inc()
	sc.spawnDueIn.Observe(float64(dueIn))
}

func (sc *SideTaskCollector) SideTaskBodyFinished(status string, duration time.Duration) {
	sc.bodiesFinished.With(prometheus.Labels{LabelStatus: status}).Inc()
	sc.bodyDuration.Observe(duration.Seconds())
}

func (sc *SideTaskCollector) SideTaskLateResultDiscarded() {
	sc.lateResultsDropped.Inc()
}

func (sc *SideTaskCollector) SideTaskReconciled(status string) {
	sc.reconciled.With(prometheus.Labels{LabelStatus: status}).Inc()
}

func (sc *SideTaskCollector) SideTaskCallbackFaulted() {
	sc.callbackFaults.Inc()
}

func (sc *SideTaskCollector) SideTaskBlockDrained(duration time.Duration, dueTasks int, timedOut int) {
	sc.drainDuration.Observe(duration.Seconds())
	sc.drainTimedOut.Add(float64(timedOut))
	sc.lastDrainedDueTasks.Set(float64(dueTasks))
}

func (sc *SideTaskCollector) SideTaskRolledBack(count int) {
	sc.rolledBack.Add(float64(count))
}

func (sc *SideTaskCollector) SideTaskPending(count int) {
	sc.pendingTasks.Set(float64(count))
}

func (sc *SideTaskCollector) SideTaskBodiesRunning(count int64) {
	sc.bodiesRunning.Set(float64(count))
}
