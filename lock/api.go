// Package lock provides durable mutual exclusion for Temporal workflows.
//
// Ownership of a named resource is coordinated by a dedicated, long-lived
// coordinator workflow per resource: MutexWorkflow guards a single slot,
// SemaphoreWorkflow guards N interchangeable slots. Requester workflows use
// Mutex or Semaphore to deliver an acquire request (starting the coordinator
// if needed), wait for a grant notice, and release through the returned
// Handle. Waiters are served first-in first-out; every grant carries an
// unlock token that must accompany its release, and a grant held past its
// unlock timeout is forcibly reclaimed so a crashed holder cannot park a
// slot forever.
//
// There is no fencing: a holder that keeps running after forced reclamation
// is not prevented from touching the guarded resource. Critical sections that
// need protection against stale holders should hand Handle.Token and
// Handle.Deadline to systems that can check them.
package lock

import "go.temporal.io/sdk/workflow"

// Locker grants slots on named resources. Mutex and Semaphore implement it;
// code that only needs acquire/release semantics can accept a Locker and not
// care how many slots stand behind it.
type Locker interface {
	// Acquire requests a slot on the resource and blocks until it is granted,
	// denied, or the acquire timeout elapses.
	//
	// Returns a Handle whose Unlock returns the slot.
	//
	// Possible errors:
	//   - ErrAcquireTimeout: no grant arrived within the acquire timeout.
	//   - ErrWaitQueueFull, ErrDraining, ErrSlotMismatch: the coordinator
	//     denied the request.
	//   - ErrUnsafeWorkflowTimeout: the calling workflow was started with an
	//     execution or run timeout (non-retryable).
	//   - ErrInvalidArgument: empty resource or namespace.
	Acquire(ctx workflow.Context, resource string, opts ...AcquireOption) (*Handle, error)
}

var (
	_ Locker = (*Mutex)(nil)
	_ Locker = (*Semaphore)(nil)
)
