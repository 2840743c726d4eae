package lock

import "time"

// CoordinatorConfig tunes one coordinator workflow run. It travels inside the
// workflow input, so every field is serializable; the first starter of a
// coordinator fixes its configuration and continue-as-new carries it forward.
// Zero fields take the package defaults when the coordinator starts.
type CoordinatorConfig struct {
	// DefaultUnlockTimeout applies to requests that carry no unlock timeout.
	DefaultUnlockTimeout time.Duration `json:"default_unlock_timeout,omitempty"`

	// MinHoldTime is the smallest unlock timeout the coordinator accepts;
	// smaller requests are clamped up.
	MinHoldTime time.Duration `json:"min_hold_time,omitempty"`

	// MaxHoldTime caps any grant's total hold, including extensions.
	MaxHoldTime time.Duration `json:"max_hold_time,omitempty"`

	// MaxWaiters bounds the FIFO wait queue; requests beyond it are denied.
	MaxWaiters int `json:"max_waiters,omitempty"`
}

// DefaultCoordinatorConfig returns the package defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultUnlockTimeout: DefaultUnlockTimeout,
		MinHoldTime:          MinHoldTime,
		MaxHoldTime:          MaxHoldTime,
		MaxWaiters:           DefaultMaxWaiters,
	}
}

// CoordinatorOption adjusts a CoordinatorConfig. Out-of-range values are
// ignored; the coordinator never starts with an unusable configuration.
type CoordinatorOption func(*CoordinatorConfig)

// WithDefaultUnlockTimeout sets the unlock timeout applied to requests that
// carry none. It must lie within [MinHoldTime, MaxHoldTime].
func WithDefaultUnlockTimeout(d time.Duration) CoordinatorOption {
	return func(cfg *CoordinatorConfig) {
		if d >= MinHoldTime && d <= MaxHoldTime {
			cfg.DefaultUnlockTimeout = d
		}
	}
}

// WithMaxHoldTime caps any grant's total hold, including extensions.
func WithMaxHoldTime(d time.Duration) CoordinatorOption {
	return func(cfg *CoordinatorConfig) {
		if d > 0 {
			cfg.MaxHoldTime = d
		}
	}
}

// WithMinHoldTime sets the smallest accepted unlock timeout.
func WithMinHoldTime(d time.Duration) CoordinatorOption {
	return func(cfg *CoordinatorConfig) {
		if d > 0 {
			cfg.MinHoldTime = d
		}
	}
}

// WithMaxWaiters bounds the coordinator's wait queue.
func WithMaxWaiters(n int) CoordinatorOption {
	return func(cfg *CoordinatorConfig) {
		if n > 0 {
			cfg.MaxWaiters = n
		}
	}
}

// NewCoordinatorConfig applies options on top of the defaults.
func NewCoordinatorConfig(opts ...CoordinatorOption) CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// withDefaults fills zero fields so a coordinator started with a partial or
// zero config still behaves.
func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	d := DefaultCoordinatorConfig()
	if c.DefaultUnlockTimeout <= 0 {
		c.DefaultUnlockTimeout = d.DefaultUnlockTimeout
	}
	if c.MinHoldTime <= 0 {
		c.MinHoldTime = d.MinHoldTime
	}
	if c.MaxHoldTime <= 0 {
		c.MaxHoldTime = d.MaxHoldTime
	}
	if c.MaxHoldTime < c.MinHoldTime {
		c.MaxHoldTime = c.MinHoldTime
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = d.MaxWaiters
	}
	return c
}

// clampHold normalizes a requested unlock timeout into the accepted range.
func (c CoordinatorConfig) clampHold(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return c.DefaultUnlockTimeout
	case d < c.MinHoldTime:
		return c.MinHoldTime
	case d > c.MaxHoldTime:
		return c.MaxHoldTime
	default:
		return d
	}
}

// clientConfig is the per-client side of the tuning surface, fixed at Mutex
// or Semaphore construction.
type clientConfig struct {
	taskQueue      string
	acquireTimeout time.Duration
	coordinator    CoordinatorConfig
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		acquireTimeout: DefaultAcquireTimeout,
		coordinator:    DefaultCoordinatorConfig(),
	}
}

// ClientOption adjusts a Mutex or Semaphore at construction.
type ClientOption func(*clientConfig)

// WithCoordinatorTaskQueue routes coordinator workflows to a dedicated task
// queue. By default they run on the acquiring workflow's own task queue.
func WithCoordinatorTaskQueue(q string) ClientOption {
	return func(cfg *clientConfig) {
		if q != "" {
			cfg.taskQueue = q
		}
	}
}

// WithDefaultAcquireTimeout sets how long Acquire waits for a grant when the
// call carries no timeout of its own.
func WithDefaultAcquireTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.acquireTimeout = d
		}
	}
}

// WithCoordinatorConfig sets the configuration a coordinator is started with
// when this client is the one that starts it. A coordinator that is already
// running keeps the configuration it started with.
func WithCoordinatorConfig(c CoordinatorConfig) ClientOption {
	return func(cfg *clientConfig) {
		cfg.coordinator = c
	}
}

// acquireCall collects the per-call knobs of one Acquire.
type acquireCall struct {
	acquireTimeout time.Duration
	unlockTimeout  time.Duration
}

// AcquireOption adjusts a single Acquire call.
type AcquireOption func(*acquireCall)

// WithAcquireTimeout bounds this call's wait for a grant.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(c *acquireCall) {
		if d > 0 {
			c.acquireTimeout = d
		}
	}
}

// WithUnlockTimeout bounds how long this call's grant may be held before the
// coordinator reclaims the slot.
func WithUnlockTimeout(d time.Duration) AcquireOption {
	return func(c *acquireCall) {
		if d > 0 {
			c.unlockTimeout = d
		}
	}
}
