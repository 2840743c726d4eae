package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrAcquireTimeout indicates no grant arrived within the acquire
	// timeout. The wait is cancelled best-effort; if a grant raced the
	// timeout it is released immediately.
	ErrAcquireTimeout = errors.New("wfsync: timed out waiting for grant")

	// ErrUnsafeWorkflowTimeout indicates the acquiring workflow was started
	// with an execution or run timeout. Such a workflow can be cut down
	// before its release path runs, so acquisition is refused outright.
	ErrUnsafeWorkflowTimeout = errors.New("wfsync: acquiring workflow has an execution or run timeout")

	// ErrWaitQueueFull indicates the coordinator's wait queue is at capacity.
	ErrWaitQueueFull = errors.New("wfsync: coordinator wait queue is full")

	// ErrDraining indicates the coordinator is draining and denies new
	// acquisitions.
	ErrDraining = errors.New("wfsync: coordinator is draining")

	// ErrSlotMismatch indicates the requester and the coordinator disagree on
	// the semaphore's slot count.
	ErrSlotMismatch = errors.New("wfsync: semaphore slot count mismatch")

	// ErrNotHeld indicates an operation on a handle whose grant was already
	// released.
	ErrNotHeld = errors.New("wfsync: lock is not held by this handle")

	// ErrInvalidArgument indicates an empty or out-of-range request
	// parameter.
	ErrInvalidArgument = errors.New("wfsync: invalid argument")
)

// Application-error type tags, stable across the workflow boundary so callers
// outside this process can still classify failures.
const (
	errTypeUnsafeTimeout   = "WfsyncUnsafeWorkflowTimeout"
	errTypeInvalidArgument = "WfsyncInvalidArgument"
)

// denialError maps a coordinator denial reason to its sentinel.
func denialError(r DenialReason) error {
	switch r {
	case DenialQueueFull:
		return ErrWaitQueueFull
	case DenialDraining:
		return ErrDraining
	case DenialSlotMismatch:
		return ErrSlotMismatch
	default:
		return fmt.Errorf("wfsync: acquisition denied: %s", r)
	}
}
