package lock

import (
	"fmt"
	"time"
)

// UnlockToken proves ownership of one grant. The coordinator mints a fresh
// token for every grant; a release or extend carrying any other value is
// ignored, so a duplicate release from an earlier grant can never free a slot
// it no longer owns.
type UnlockToken string

// CoordinatorKind selects which coordinator workflow guards a resource.
type CoordinatorKind string

const (
	// KindMutex is a single-slot coordinator.
	KindMutex CoordinatorKind = "mutex"

	// KindSemaphore is an N-slot coordinator.
	KindSemaphore CoordinatorKind = "semaphore"
)

// Grant records current ownership of one slot. A grant is created when a
// waiter is promoted and destroyed by exactly one of: a release carrying its
// token, or forced reclamation once its deadline passes.
type Grant struct {
	Resource      string        `json:"resource"`
	RequesterID   string        `json:"requester_id"`
	AcquireID     string        `json:"acquire_id"`
	Token         UnlockToken   `json:"token"`
	Slot          int           `json:"slot"`
	GrantedAt     time.Time     `json:"granted_at"`
	Deadline      time.Time     `json:"deadline"`
	UnlockTimeout time.Duration `json:"unlock_timeout"`
}

// Waiter is one queued acquisition request, kept in FIFO position until a
// slot frees up or the requester cancels.
type Waiter struct {
	RequesterID   string        `json:"requester_id"`
	AcquireID     string        `json:"acquire_id"`
	Slots         int           `json:"slots,omitempty"`
	UnlockTimeout time.Duration `json:"unlock_timeout"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}

// PoolSnapshot is the coordinator state carried across continue-as-new.
// Holder deadlines are absolute, so the next run re-arms its reclamation
// timer from them and forced reclamation survives the hop.
type PoolSnapshot struct {
	Slots    int      `json:"slots"`
	Draining bool     `json:"draining,omitempty"`
	Holders  []Grant  `json:"holders,omitempty"`
	Waiters  []Waiter `json:"waiters,omitempty"`
}

// MutexWorkflowInput starts or resumes a mutex coordinator.
type MutexWorkflowInput struct {
	Namespace string            `json:"namespace"`
	Resource  string            `json:"resource"`
	Config    CoordinatorConfig `json:"config"`

	// Pool is set only on continue-as-new.
	Pool *PoolSnapshot `json:"pool,omitempty"`
}

// SemaphoreWorkflowInput starts or resumes a semaphore coordinator. Slots is
// fixed for the coordinator's lifetime; a carried Pool wins over Slots.
type SemaphoreWorkflowInput struct {
	Namespace string            `json:"namespace"`
	Resource  string            `json:"resource"`
	Slots     int               `json:"slots"`
	Config    CoordinatorConfig `json:"config"`

	// Pool is set only on continue-as-new.
	Pool *PoolSnapshot `json:"pool,omitempty"`
}

// GrantInfo describes one current holder in a PoolStatus, minus its unlock
// token.
type GrantInfo struct {
	RequesterID string    `json:"requester_id"`
	AcquireID   string    `json:"acquire_id"`
	Slot        int       `json:"slot"`
	GrantedAt   time.Time `json:"granted_at"`
	Deadline    time.Time `json:"deadline"`
}

// WaiterInfo describes one queued waiter in a PoolStatus.
type WaiterInfo struct {
	RequesterID string    `json:"requester_id"`
	AcquireID   string    `json:"acquire_id"`
	Position    int       `json:"position"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// PoolStatus is the answer to PoolStatusQuery.
type PoolStatus struct {
	Resource  string       `json:"resource"`
	Slots     int          `json:"slots"`
	FreeSlots int          `json:"free_slots"`
	Draining  bool         `json:"draining,omitempty"`
	Holders   []GrantInfo  `json:"holders,omitempty"`
	Waiters   []WaiterInfo `json:"waiters,omitempty"`
}

// MutexWorkflowID returns the deterministic workflow ID of the mutex
// coordinator for a resource. Every client of the same namespace derives the
// same ID, which is what funnels them to one coordinator.
func MutexWorkflowID(namespace, resource string) string {
	return fmt.Sprintf("wfsync-mutex:%s:%s", namespace, resource)
}

// SemaphoreWorkflowID returns the deterministic workflow ID of the semaphore
// coordinator for a resource.
func SemaphoreWorkflowID(namespace, resource string) string {
	return fmt.Sprintf("wfsync-semaphore:%s:%s", namespace, resource)
}
