package worker

import "errors"

var (
	// ErrNilProcessor is raised at construction when no processor is given.
	ErrNilProcessor = errors.New("worker: processor cannot be nil")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker: pool not started")
	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker: pool stopped")
	// ErrQueueFull is returned when the work queue is saturated.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrStopTimeout is returned when workers do not drain before the
	// stop deadline.
	ErrStopTimeout = errors.New("worker: stop timeout")
)
