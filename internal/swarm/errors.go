package swarm

import "errors"

var (
	ErrInvalidTopology = errors.New("invalid topology")
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrNotInitialized  = errors.New("coordinator not initialized")
	ErrWorkerBusy      = errors.New("worker is busy")
	ErrTerminated      = errors.New("worker terminated")
)

// TaskError is what RunTask returns when a worker's execution fails.
// Replacement is the id of the worker spawned in its place, empty when
// none was.
type TaskError struct {
	WorkerID    string
	Replacement string
	Err         error
}

func (e *TaskError) Error() string { return e.Err.Error() }

func (e *TaskError) Unwrap() error { return e.Err }
