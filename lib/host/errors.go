package host

import "errors"

var (
	// ErrWorkerTerminated fails the requests of a worker that exited.
	ErrWorkerTerminated = errors.New("worker terminated")
	// ErrWorkerStopped fails the requests still pending when Stop is called.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrNotRunning is returned by operations on a supervisor without a live worker.
	ErrNotRunning = errors.New("worker is not running")
	// ErrAlreadyStarted is returned by Start on a used supervisor.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrUnknownInstance is returned by Manager for an instance id without supervisor.
	ErrUnknownInstance = errors.New("unknown instance")
)
