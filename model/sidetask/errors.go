package sidetask

import (
	"errors"
	"fmt"
)

var (
	// ErrCellConsumed is returned when a result cell is read a second time.
	// It always indicates a bug in the driver.
	ErrCellConsumed = errors.New("result cell has already been consumed")
)

// SchedulingError indicates that a task could not be registered, e.g. because its
// due height offset is zero. It is returned synchronously from Spawn and the task
// never enters the registry.
type SchedulingError struct {
	err error
}

func NewSchedulingError(err error) error {
	return SchedulingError{err}
}

func NewSchedulingErrorf(msg string, args ...interface{}) error {
	return SchedulingError{fmt.Errorf(msg, args...)}
}

func (e SchedulingError) Error() string { return fmt.Sprintf("invalid side task: %s", e.err.Error()) }
func (e SchedulingError) Unwrap() error { return e.err }

// IsSchedulingError returns whether err is a SchedulingError
func IsSchedulingError(err error) bool {
	var e SchedulingError
	return errors.As(err, &e)
}

// BodyFailureError indicates that the asynchronous mechanism of a task body faulted,
// e.g. the body returned an error or panicked. Failures the body reports as part of
// its value are not BodyFailureErrors.
type BodyFailureError struct {
	TaskID TaskID
	Err    error
}

func NewBodyFailureError(id TaskID, err error) error {
	return BodyFailureError{TaskID: id, Err: err}
}

func (e BodyFailureError) Error() string {
	return fmt.Sprintf("body of %s failed: %v", e.TaskID, e.Err)
}

func (e BodyFailureError) Unwrap() error { return e.Err }

// IsBodyFailureError returns whether err is a BodyFailureError
func IsBodyFailureError(err error) bool {
	var e BodyFailureError
	return errors.As(err, &e)
}

// DeadlineExceededError indicates that no outcome was available when the task's due
// height was reconciled.
type DeadlineExceededError struct {
	TaskID    TaskID
	DueHeight uint64
}

func NewDeadlineExceededError(id TaskID, dueHeight uint64) error {
	return DeadlineExceededError{TaskID: id, DueHeight: dueHeight}
}

func (e DeadlineExceededError) Error() string {
	return fmt.Sprintf("%s produced no outcome by due height %d", e.TaskID, e.DueHeight)
}

// IsDeadlineExceededError returns whether err is a DeadlineExceededError
func IsDeadlineExceededError(err error) bool {
	var e DeadlineExceededError
	return errors.As(err, &e)
}

// CallbackFaultError indicates that a reconciliation callback returned an error. The
// block being processed must not be finalized and has to be retried from scratch.
type CallbackFaultError struct {
	TaskID TaskID
	Height uint64
	Err    error
}

func NewCallbackFaultError(id TaskID, height uint64, err error) error {
	return CallbackFaultError{TaskID: id, Height: height, Err: err}
}

func (e CallbackFaultError) Error() string {
	return fmt.Sprintf("callback of %s faulted at height %d: %v", e.TaskID, e.Height, e.Err)
}

func (e CallbackFaultError) Unwrap() error { return e.Err }

// IsCallbackFaultError returns whether err is a CallbackFaultError
func IsCallbackFaultError(err error) bool {
	var e CallbackFaultError
	return errors.As(err, &e)
}

// NonSequentialHeightError indicates that the host advanced to a height that is
// neither a retry of the current block nor its direct successor.
type NonSequentialHeightError struct {
	Current uint64
	Given   uint64
}

func NewNonSequentialHeightError(current, given uint64) error {
	return NonSequentialHeightError{Current: current, Given: given}
}

func (e NonSequentialHeightError) Error() string {
	return fmt.Sprintf("non-sequential block height %d (current %d, expected %d or %d)", e.Given, e.Current, e.Current, e.Current+1)
}

// IsNonSequentialHeightError returns whether err is a NonSequentialHeightError
func IsNonSequentialHeightError(err error) bool {
	var e NonSequentialHeightError
	return errors.As(err, &e)
}

// UnreconciledBlockError indicates that the host tried to advance past a block
// whose reconciliation did not complete.
type UnreconciledBlockError struct {
	Height uint64
}

func NewUnreconciledBlockError(height uint64) error {
	return UnreconciledBlockError{Height: height}
}

func (e UnreconciledBlockError) Error() string {
	return fmt.Sprintf("block %d was not reconciled and must be retried before advancing", e.Height)
}

// IsUnreconciledBlockError returns whether err is an UnreconciledBlockError
func IsUnreconciledBlockError(err error) bool {
	var e UnreconciledBlockError
	return errors.As(err, &e)
}
