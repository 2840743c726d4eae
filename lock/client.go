package lock

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Mutex acquires exclusive ownership of named resources within one logical
// namespace. Construct one per workflow run and reuse it for every
// acquisition in that run: the client numbers its acquisitions, and two
// clients acquiring the same resource in one workflow would collide.
type Mutex struct {
	namespace string
	cfg       clientConfig
	seq       int
}

// NewMutex returns a mutex client for the namespace.
func NewMutex(namespace string, opts ...ClientOption) *Mutex {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Mutex{namespace: namespace, cfg: cfg}
}

// Acquire implements Locker against the resource's mutex coordinator.
func (m *Mutex) Acquire(ctx workflow.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	m.seq++
	return acquire(ctx, acquireParams{
		kind:      KindMutex,
		namespace: m.namespace,
		resource:  resource,
		poolSlots: 1,
		seq:       m.seq,
		cfg:       m.cfg,
		opts:      opts,
	})
}

// WithLock acquires the resource, runs fn, and releases exactly once on
// every path out of fn, including failure and cancellation. The error from
// fn is returned unchanged.
func (m *Mutex) WithLock(ctx workflow.Context, resource string, fn func(workflow.Context) error, opts ...AcquireOption) error {
	h, err := m.Acquire(ctx, resource, opts...)
	if err != nil {
		return err
	}
	defer releaseHandle(ctx, h)
	return fn(ctx)
}

// Semaphore acquires slots from an N-slot pool on named resources within one
// logical namespace. The same single-client-per-run rule as Mutex applies.
type Semaphore struct {
	namespace string
	slots     int
	cfg       clientConfig
	seq       int
}

// NewSemaphore returns a semaphore client for pools of the given slot count.
// Every client of the same resource must agree on the count; the coordinator
// denies mismatches.
func NewSemaphore(namespace string, slots int, opts ...ClientOption) *Semaphore {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Semaphore{namespace: namespace, slots: slots, cfg: cfg}
}

// Acquire implements Locker against the resource's semaphore coordinator.
func (s *Semaphore) Acquire(ctx workflow.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	s.seq++
	return acquire(ctx, acquireParams{
		kind:      KindSemaphore,
		namespace: s.namespace,
		resource:  resource,
		poolSlots: s.slots,
		seq:       s.seq,
		cfg:       s.cfg,
		opts:      opts,
	})
}

// WithSlot acquires one slot, runs fn, and releases exactly once on every
// path out of fn.
func (s *Semaphore) WithSlot(ctx workflow.Context, resource string, fn func(workflow.Context) error, opts ...AcquireOption) error {
	h, err := s.Acquire(ctx, resource, opts...)
	if err != nil {
		return err
	}
	defer releaseHandle(ctx, h)
	return fn(ctx)
}

// Handle is one grant of a coordinator slot, valid within the workflow run
// that acquired it.
type Handle struct {
	coordinatorID string
	requesterID   string
	acquireID     string
	resource      string
	token         UnlockToken
	slot          int
	grantedAt     time.Time
	deadline      time.Time
	released      bool
}

// Resource returns the guarded resource name.
func (h *Handle) Resource() string { return h.resource }

// Token returns the grant's unlock token. Systems that need stale-holder
// protection can record it alongside writes and compare later.
func (h *Handle) Token() UnlockToken { return h.token }

// Slot returns the granted slot id (always zero for a mutex).
func (h *Handle) Slot() int { return h.slot }

// Deadline returns the grant's reclamation deadline as last known to this
// handle; the coordinator may have clamped an extension below it.
func (h *Handle) Deadline() time.Time { return h.deadline }

// Held reports whether this handle still holds its grant as far as this run
// knows. Forced reclamation on the coordinator is not reflected here.
func (h *Handle) Held() bool { return !h.released }

// Unlock returns the slot. Delivery is best effort: when the coordinator is
// gone or unreachable the grant has been or will be reclaimed by its unlock
// timeout, so the handle counts as released either way. Unlocking twice
// returns ErrNotHeld. A canceled workflow may still call Unlock; the release
// is sent on a disconnected context.
func (h *Handle) Unlock(ctx workflow.Context) error {
	if h.released {
		return ErrNotHeld
	}
	h.released = true
	logger := log.With(workflow.GetLogger(ctx),
		"resource", h.resource, "acquire_id", h.acquireID)
	releaseToken(ctx, h.coordinatorID, h.requesterID, h.token, logger)
	return nil
}

// Extend asks the coordinator to push the grant's deadline out by the given
// duration. The coordinator clamps the new deadline to its max hold time and
// ignores stale tokens; only delivery failure is returned.
func (h *Handle) Extend(ctx workflow.Context, by time.Duration) error {
	if h.released {
		return ErrNotHeld
	}
	if by <= 0 {
		return fmt.Errorf("wfsync: extend by %v: %w", by, ErrInvalidArgument)
	}
	err := workflow.SignalExternalWorkflow(ctx, h.coordinatorID, "", ExtendLockSignal, ExtendRequest{
		Token:    h.token,
		ExtendBy: by,
	}).Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("wfsync: extend %q: %w", h.resource, err)
	}
	h.deadline = h.deadline.Add(by)
	return nil
}

// acquireParams collects everything one acquisition needs.
type acquireParams struct {
	kind      CoordinatorKind
	namespace string
	resource  string
	poolSlots int
	seq       int
	cfg       clientConfig
	opts      []AcquireOption
}

func acquire(ctx workflow.Context, p acquireParams) (*Handle, error) {
	if p.namespace == "" {
		return nil, fmt.Errorf("wfsync: empty namespace: %w", ErrInvalidArgument)
	}
	if p.resource == "" {
		return nil, fmt.Errorf("wfsync: empty resource: %w", ErrInvalidArgument)
	}
	if p.poolSlots < 1 {
		return nil, fmt.Errorf("wfsync: pool needs at least one slot, got %d: %w", p.poolSlots, ErrInvalidArgument)
	}

	info := workflow.GetInfo(ctx)
	if info.WorkflowExecutionTimeout > 0 || info.WorkflowRunTimeout > 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			"wfsync: acquiring workflow has an execution or run timeout, so its release path can be cut off",
			errTypeUnsafeTimeout, ErrUnsafeWorkflowTimeout)
	}

	call := acquireCall{acquireTimeout: p.cfg.acquireTimeout}
	for _, opt := range p.opts {
		opt(&call)
	}
	if call.acquireTimeout <= 0 {
		call.acquireTimeout = DefaultAcquireTimeout
	}

	requesterID := info.WorkflowExecution.ID
	acqID := newAcquireID(p.kind, requesterID, p.resource, p.seq)
	coordinatorID := coordinatorWorkflowID(p.kind, p.namespace, p.resource)
	taskQueue := p.cfg.taskQueue
	if taskQueue == "" {
		taskQueue = info.TaskQueueName
	}

	logger := log.With(workflow.GetLogger(ctx),
		"resource", p.resource, "coordinator_id", coordinatorID, "acquire_id", acqID)

	// Open the grant channel before the request goes out; a grant can arrive
	// the moment the coordinator sees the request.
	grantCh := workflow.GetSignalChannel(ctx, GrantedSignalName(acqID))

	start := CoordinatorStart{
		Kind:       p.kind,
		WorkflowID: coordinatorID,
		TaskQueue:  taskQueue,
		Namespace:  p.namespace,
		Resource:   p.resource,
		Slots:      p.poolSlots,
		Config:     p.cfg.coordinator,
		Request: AcquireRequest{
			RequesterID:   requesterID,
			AcquireID:     acqID,
			Slots:         p.poolSlots,
			UnlockTimeout: call.unlockTimeout,
		},
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: signalWithStartTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    200 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
			MaximumAttempts:    5,
		},
	})
	var a *Activities
	if err := workflow.ExecuteActivity(actx, a.SignalWithStartCoordinator, start).Get(ctx, nil); err != nil {
		return nil, fmt.Errorf("wfsync: deliver acquire request for %q: %w", p.resource, err)
	}

	var notice GrantNotice
	ok, _ := grantCh.ReceiveWithTimeout(ctx, call.acquireTimeout, &notice)
	if !ok {
		if ctx.Err() != nil {
			cancelWait(ctx, coordinatorID, requesterID, acqID, logger)
			return nil, fmt.Errorf("wfsync: acquire %q: %w", p.resource, ctx.Err())
		}
		cancelWait(ctx, coordinatorID, requesterID, acqID, logger)
		if grantCh.ReceiveAsync(&notice) && !notice.Denied {
			// The grant raced the timeout; hand it straight back.
			logger.Info("grant arrived after acquire timeout, releasing immediately")
			releaseToken(ctx, coordinatorID, requesterID, notice.Token, logger)
		}
		return nil, fmt.Errorf("wfsync: acquire %q after %v: %w", p.resource, call.acquireTimeout, ErrAcquireTimeout)
	}
	if notice.Denied {
		return nil, fmt.Errorf("wfsync: acquire %q: %w", p.resource, denialError(notice.Reason))
	}

	logger.Debug("grant received", "slot", notice.Slot, "deadline", notice.Deadline)
	return &Handle{
		coordinatorID: coordinatorID,
		requesterID:   requesterID,
		acquireID:     acqID,
		resource:      p.resource,
		token:         notice.Token,
		slot:          notice.Slot,
		grantedAt:     notice.GrantedAt,
		deadline:      notice.Deadline,
	}, nil
}

// newAcquireID builds the deterministic per-acquisition ID. Deriving it from
// the workflow ID and call order, rather than a random side effect, keeps the
// grant channel name predictable.
func newAcquireID(kind CoordinatorKind, workflowID, resource string, seq int) string {
	return fmt.Sprintf("%s:%s:%s#%d", kind, workflowID, resource, seq)
}

func coordinatorWorkflowID(kind CoordinatorKind, namespace, resource string) string {
	if kind == KindSemaphore {
		return SemaphoreWorkflowID(namespace, resource)
	}
	return MutexWorkflowID(namespace, resource)
}

// releaseHandle is the deferred release behind WithLock and WithSlot. A
// double release from fn is fine; anything else is logged, and the unlock
// timeout backstops a release that could not be delivered.
func releaseHandle(ctx workflow.Context, h *Handle) {
	if err := h.Unlock(ctx); err != nil && !errors.Is(err, ErrNotHeld) {
		workflow.GetLogger(ctx).Warn("release after critical section failed",
			"resource", h.resource, "error", err)
	}
}

// releaseToken delivers a release, best effort. A missing coordinator means
// the pool already went idle or reclaimed the grant.
func releaseToken(ctx workflow.Context, coordinatorID, requesterID string, token UnlockToken, logger log.Logger) {
	ctx = disconnectIfCanceled(ctx)
	err := workflow.SignalExternalWorkflow(ctx, coordinatorID, "", ReleaseLockSignal, ReleaseRequest{
		Token:       token,
		RequesterID: requesterID,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("release not delivered, unlock timeout will reclaim the slot", "error", err)
	}
}

// cancelWait withdraws a timed-out acquisition, best effort. A missing
// coordinator has already forgotten the waiter.
func cancelWait(ctx workflow.Context, coordinatorID, requesterID, acquireID string, logger log.Logger) {
	ctx = disconnectIfCanceled(ctx)
	err := workflow.SignalExternalWorkflow(ctx, coordinatorID, "", CancelWaitSignal, CancelRequest{
		AcquireID:   acquireID,
		RequesterID: requesterID,
	}).Get(ctx, nil)
	if err != nil {
		logger.Info("cancel-wait not delivered", "error", err)
	}
}

// disconnectIfCanceled returns a disconnected child context when the caller's
// context is already canceled, so cleanup signals still go out.
func disconnectIfCanceled(ctx workflow.Context) workflow.Context {
	if ctx.Err() == nil {
		return ctx
	}
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	return dctx
}
