package metrics

import (
	"time"

	"github.com/onflow/flow-sidetask/module"
)

type NoopCollector struct{}

var _ module.SideTaskMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) SideTaskSpawned(dueIn uint64)                                  {}
func (nc *NoopCollector) SideTaskBodyFinished(status string, duration time.Duration)    {}
func (nc *NoopCollector) SideTaskLateResultDiscarded()                                  {}
func (nc *NoopCollector) SideTaskReconciled(status string)                              {}
func (nc *NoopCollector) SideTaskCallbackFaulted()                                      {}
func (nc *NoopCollector) SideTaskBlockDrained(duration time.Duration, dueTasks, to int) {}
func (nc *NoopCollector) SideTaskRolledBack(count int)                                  {}
func (nc *NoopCollector) SideTaskPending(count int)                                     {}
func (nc *NoopCollector) SideTaskBodiesRunning(count int64)                             {}
