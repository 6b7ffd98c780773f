package engine

import "errors"

var (
	ErrStopped   = errors.New("engine stopped")
	ErrStopping  = errors.New("engine stopping")
	ErrQueueFull = errors.New("engine queue full")
	// ErrOverlapSkip is returned when the job already has an invocation
	// queued or running.
	ErrOverlapSkip = errors.New("skipped: job already in flight")
)
