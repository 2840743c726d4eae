package lock

import "time"

// Signal and query names understood by coordinator workflows. They are part
// of the public contract: external processes may target a coordinator
// directly, using the payload types below.
const (
	// RequestLockSignal carries an AcquireRequest. Clients deliver it through
	// signal-with-start so a missing coordinator is started atomically.
	RequestLockSignal = "wfsync.request-lock"

	// ReleaseLockSignal carries a ReleaseRequest returning a granted slot.
	ReleaseLockSignal = "wfsync.release-lock"

	// ExtendLockSignal carries an ExtendRequest pushing a grant's deadline
	// out.
	ExtendLockSignal = "wfsync.extend-lock"

	// CancelWaitSignal carries a CancelRequest removing a queued waiter.
	CancelWaitSignal = "wfsync.cancel-wait"

	// DrainSignal tells the coordinator to deny new requests, serve out its
	// queue, and exit.
	DrainSignal = "wfsync.drain"

	// PoolStatusQuery returns the coordinator's PoolStatus.
	PoolStatusQuery = "wfsync.pool-status"
)

// GrantedSignalName returns the per-acquisition signal channel on the
// requester workflow where the coordinator delivers the GrantNotice.
func GrantedSignalName(acquireID string) string {
	return "wfsync.granted." + acquireID
}

// AcquireRequest asks the coordinator for one slot.
type AcquireRequest struct {
	// RequesterID is the workflow ID the grant notice is delivered to.
	RequesterID string `json:"requester_id"`

	// AcquireID distinguishes acquisition attempts. Redelivery of an
	// AcquireID that is already queued or granted is a no-op.
	AcquireID string `json:"acquire_id"`

	// Slots is the pool size the requester expects, zero to skip the check.
	// A nonzero mismatch is denied: interchangeable-slot pools must agree
	// on N.
	Slots int `json:"slots,omitempty"`

	// UnlockTimeout bounds how long the grant may be held before the
	// coordinator reclaims the slot. Zero selects the coordinator's default;
	// out-of-range values are clamped.
	UnlockTimeout time.Duration `json:"unlock_timeout,omitempty"`
}

// ReleaseRequest returns a slot. Only the token decides validity; the
// requester ID is carried for logs.
type ReleaseRequest struct {
	Token       UnlockToken `json:"token"`
	RequesterID string      `json:"requester_id,omitempty"`
}

// ExtendRequest pushes a grant's reclamation deadline out by ExtendBy,
// clamped so the total hold never exceeds the coordinator's max hold time.
type ExtendRequest struct {
	Token    UnlockToken   `json:"token"`
	ExtendBy time.Duration `json:"extend_by"`
}

// CancelRequest withdraws a queued acquisition. Clients send it after an
// acquire timeout; cancelling an unknown or already-granted acquisition is a
// no-op on the coordinator.
type CancelRequest struct {
	AcquireID   string `json:"acquire_id"`
	RequesterID string `json:"requester_id,omitempty"`
}

// DrainRequest puts the coordinator into drain mode.
type DrainRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DenialReason explains a denied acquisition in machine-readable form.
type DenialReason string

const (
	DenialQueueFull    DenialReason = "wait_queue_full"
	DenialDraining     DenialReason = "draining"
	DenialSlotMismatch DenialReason = "slot_count_mismatch"
)

// GrantNotice is delivered on the requester's per-acquisition channel, either
// granting a slot or denying the request.
type GrantNotice struct {
	Denied bool         `json:"denied,omitempty"`
	Reason DenialReason `json:"reason,omitempty"`

	Resource  string      `json:"resource"`
	Token     UnlockToken `json:"token,omitempty"`
	Slot      int         `json:"slot,omitempty"`
	GrantedAt time.Time   `json:"granted_at,omitempty"`
	Deadline  time.Time   `json:"deadline,omitempty"`
}
