package lock

import "time"

const (
	// DefaultUnlockTimeout bounds a grant's hold when the acquire request
	// does not carry its own unlock timeout.
	DefaultUnlockTimeout = 10 * time.Minute

	// MinHoldTime is the smallest accepted unlock timeout. Shorter values
	// are clamped up; a grant that expires before the holder even learns of
	// it is useless.
	MinHoldTime = 1 * time.Second

	// MaxHoldTime caps any grant's total hold, including extensions.
	MaxHoldTime = 1 * time.Hour

	// DefaultMaxWaiters bounds a coordinator's FIFO wait queue. Requests
	// beyond it are denied with DenialQueueFull.
	DefaultMaxWaiters = 1000

	// DefaultAcquireTimeout bounds the client's wait for a grant notice.
	DefaultAcquireTimeout = 5 * time.Second

	// signalWithStartTimeout bounds one attempt of the activity that
	// delivers an acquire request.
	signalWithStartTimeout = 10 * time.Second
)
