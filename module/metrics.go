package module

import (
	"time"
)

// SideTaskMetrics tracks the side-task scheduler: spawns, body execution off the
// deterministic path, and reconciliation at block boundaries.
type SideTaskMetrics interface {
	// SideTaskSpawned is called when a task is registered; dueIn is the number of blocks
	// until its due height.
	SideTaskSpawned(dueIn uint64)

	// SideTaskBodyFinished is called when a body returns and its outcome was accepted by
	// the result cell. status is the resulting cell status.
	SideTaskBodyFinished(status string, duration time.Duration)

	// SideTaskLateResultDiscarded is called when a body returns after its cell was
	// already finalized by the driver.
	SideTaskLateResultDiscarded()

	// SideTaskReconciled is called once per successfully executed callback.
	SideTaskReconciled(status string)

	// SideTaskCallbackFaulted is called when a callback returns an error.
	SideTaskCallbackFaulted()

	// SideTaskBlockDrained tracks the time the driver spent waiting on the result cells
	// of one block, and how many of them were forced to time out.
	SideTaskBlockDrained(duration time.Duration, dueTasks int, timedOut int)

	// SideTaskRolledBack tracks tasks dropped because the block that spawned them was retried.
	SideTaskRolledBack(count int)

	// SideTaskPending reports the number of tasks held by the registry.
	SideTaskPending(count int)

	// SideTaskBodiesRunning reports the number of bodies currently executing or queued.
	SideTaskBodiesRunning(count int64)
}
