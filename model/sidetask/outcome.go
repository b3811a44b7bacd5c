package sidetask

import (
	"fmt"
)

// TaskID identifies a side task within one scheduler instance. IDs are assigned in
// spawn order and are only meant for diagnostics.
type TaskID uint64

func (id TaskID) String() string {
	return fmt.Sprintf("sidetask-%d", uint64(id))
}

// Status is the state of a task's result cell.
type Status uint8

const (
	// StatusPending means the body has not produced an outcome yet.
	StatusPending Status = iota
	// StatusReady means the body returned a value before the deadline.
	StatusReady
	// StatusFailed means the body's asynchronous mechanism faulted.
	StatusFailed
	// StatusTimedOut means the due height arrived before the body produced an outcome.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsFinal returns true for every status except StatusPending.
func (s Status) IsFinal() bool {
	return s != StatusPending
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus uint8

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskTimedOut
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// DriverState is the state of the block-boundary driver.
type DriverState uint32

const (
	DriverIdle DriverState = iota
	DriverDraining
	DriverReconciling
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "idle"
	case DriverDraining:
		return "draining"
	case DriverReconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Outcome is the final state of a result cell as delivered to a reconciliation callback.
//
//   - StatusReady: Value holds whatever the body returned, Err is nil.
//   - StatusFailed: Err is a BodyFailureError, Value is nil.
//   - StatusTimedOut: Err is a DeadlineExceededError, Value is nil.
//
// An Outcome delivered to a callback never has StatusPending.
type Outcome struct {
	Status Status
	Value  interface{}
	Err    error
}

// Ready constructs a successful outcome.
func Ready(value interface{}) Outcome {
	return Outcome{Status: StatusReady, Value: value}
}

// Failed constructs an outcome for a faulted body.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// TimedOut constructs an outcome for a body that missed its due height.
func TimedOut(err error) Outcome {
	return Outcome{Status: StatusTimedOut, Err: err}
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusReady:
		return fmt.Sprintf("ready(%v)", o.Value)
	case StatusFailed, StatusTimedOut:
		return fmt.Sprintf("%s(%v)", o.Status, o.Err)
	default:
		return o.Status.String()
	}
}
