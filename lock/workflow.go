package lock

import (
	"github.com/gofrs/uuid/v5"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// MutexWorkflow coordinates exclusive ownership of one resource. It is
// started, and revived after idle exit, by signal-with-start from the client
// side; register it on every worker that serves the coordinator task queue.
func MutexWorkflow(ctx workflow.Context, input MutexWorkflowInput) error {
	return runCoordinator(ctx, coordinatorRun{
		kind:      KindMutex,
		namespace: input.Namespace,
		resource:  input.Resource,
		slots:     1,
		config:    input.Config,
		pool:      input.Pool,
		resume: func(ctx workflow.Context, snap *PoolSnapshot) error {
			input.Pool = snap
			return workflow.NewContinueAsNewError(ctx, MutexWorkflow, input)
		},
	})
}

// SemaphoreWorkflow coordinates N interchangeable slots on one resource. The
// slot count is fixed for the coordinator's lifetime, including across
// continue-as-new.
func SemaphoreWorkflow(ctx workflow.Context, input SemaphoreWorkflowInput) error {
	return runCoordinator(ctx, coordinatorRun{
		kind:      KindSemaphore,
		namespace: input.Namespace,
		resource:  input.Resource,
		slots:     input.Slots,
		config:    input.Config,
		pool:      input.Pool,
		resume: func(ctx workflow.Context, snap *PoolSnapshot) error {
			input.Pool = snap
			return workflow.NewContinueAsNewError(ctx, SemaphoreWorkflow, input)
		},
	})
}

// coordinatorRun carries one coordinator invocation's parameters plus the
// continue-as-new constructor for its concrete workflow type.
type coordinatorRun struct {
	kind      CoordinatorKind
	namespace string
	resource  string
	slots     int
	config    CoordinatorConfig
	pool      *PoolSnapshot
	resume    func(ctx workflow.Context, snap *PoolSnapshot) error
}

// coordinator is the single-coroutine state behind a coordinator workflow.
// Every signal is funneled through one selector loop, so pool mutations are
// serialized structurally; there is no shared mutable state and no mutex.
type coordinator struct {
	cfg      CoordinatorConfig
	pool     *slotPool
	logger   log.Logger
	draining bool
}

func runCoordinator(ctx workflow.Context, run coordinatorRun) error {
	if run.resource == "" {
		return temporal.NewNonRetryableApplicationError(
			"wfsync: coordinator started without a resource", errTypeInvalidArgument, ErrInvalidArgument)
	}

	logger := log.With(workflow.GetLogger(ctx),
		"component", string(run.kind), "namespace", run.namespace, "resource", run.resource)

	var pool *slotPool
	switch {
	case run.pool != nil:
		pool = restorePool(run.resource, run.pool)
		logger.Info("restored pool from previous run",
			"slots", pool.slots, "holders", pool.held(), "waiters", pool.waiting())
	case run.slots < 1:
		logger.Warn("slot count below one, coordinating a single slot", "requested", run.slots)
		pool = newSlotPool(run.resource, 1)
	default:
		pool = newSlotPool(run.resource, run.slots)
	}

	c := &coordinator{
		cfg:      run.config.withDefaults(),
		pool:     pool,
		logger:   logger,
		draining: run.pool != nil && run.pool.Draining,
	}

	chans := coordinatorChannels{
		request: workflow.GetSignalChannel(ctx, RequestLockSignal),
		release: workflow.GetSignalChannel(ctx, ReleaseLockSignal),
		extend:  workflow.GetSignalChannel(ctx, ExtendLockSignal),
		cancel:  workflow.GetSignalChannel(ctx, CancelWaitSignal),
		drain:   workflow.GetSignalChannel(ctx, DrainSignal),
	}

	if err := workflow.SetQueryHandler(ctx, PoolStatusQuery, func() (PoolStatus, error) {
		st := c.pool.status()
		st.Draining = c.draining
		return st, nil
	}); err != nil {
		return err
	}

	for {
		c.reclaimExpired(ctx)
		c.promoteWaiters(ctx)

		if c.pool.idle() {
			// Catch a request that slipped in while promoting before
			// deciding the pool is done.
			var req AcquireRequest
			if chans.request.ReceiveAsync(&req) {
				c.handleRequest(ctx, req)
				continue
			}
			logger.Info("pool idle, coordinator exiting")
			return nil
		}

		if workflow.GetInfo(ctx).GetContinueAsNewSuggested() {
			c.drainSignals(ctx, chans)
			snap := c.pool.snapshot()
			snap.Draining = c.draining
			logger.Info("continuing as new",
				"holders", c.pool.held(), "waiters", c.pool.waiting())
			return run.resume(ctx, snap)
		}

		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(chans.request, func(ch workflow.ReceiveChannel, _ bool) {
			var req AcquireRequest
			ch.Receive(ctx, &req)
			c.handleRequest(ctx, req)
		})
		selector.AddReceive(chans.release, func(ch workflow.ReceiveChannel, _ bool) {
			var req ReleaseRequest
			ch.Receive(ctx, &req)
			c.handleRelease(req)
		})
		selector.AddReceive(chans.extend, func(ch workflow.ReceiveChannel, _ bool) {
			var req ExtendRequest
			ch.Receive(ctx, &req)
			c.handleExtend(req)
		})
		selector.AddReceive(chans.cancel, func(ch workflow.ReceiveChannel, _ bool) {
			var req CancelRequest
			ch.Receive(ctx, &req)
			c.handleCancel(req)
		})
		selector.AddReceive(chans.drain, func(ch workflow.ReceiveChannel, _ bool) {
			var req DrainRequest
			ch.Receive(ctx, &req)
			c.handleDrain(req)
		})
		selector.AddReceive(ctx.Done(), func(workflow.ReceiveChannel, bool) {})
		if deadline, ok := c.pool.nextDeadline(); ok {
			selector.AddFuture(workflow.NewTimer(timerCtx, deadline.Sub(workflow.Now(ctx))), func(f workflow.Future) {
				// A canceled timer resolves with an error; only a fired
				// timer may reclaim.
				if f.Get(timerCtx, nil) == nil {
					c.reclaimExpired(ctx)
				}
			})
		}

		selector.Select(ctx)
		cancelTimer()

		if ctx.Err() != nil {
			logger.Warn("coordinator canceled",
				"holders", c.pool.held(), "waiters", c.pool.waiting())
			return ctx.Err()
		}
	}
}

func (c *coordinator) handleRequest(ctx workflow.Context, req AcquireRequest) {
	if req.RequesterID == "" || req.AcquireID == "" {
		c.logger.Warn("ignored malformed acquire request",
			"requester_id", req.RequesterID, "acquire_id", req.AcquireID)
		return
	}
	if c.draining {
		c.deny(ctx, req, DenialDraining)
		return
	}
	result, reason := c.pool.admit(req, workflow.Now(ctx), c.cfg)
	switch result {
	case admitDuplicate:
		c.logger.Warn("ignored redelivered acquire request", "acquire_id", req.AcquireID)
	case admitDenied:
		c.deny(ctx, req, reason)
	case admitted:
		c.logger.Debug("queued acquire request",
			"acquire_id", req.AcquireID, "waiting", c.pool.waiting())
	}
}

func (c *coordinator) handleRelease(req ReleaseRequest) {
	g, ok := c.pool.release(req.Token)
	if !ok {
		// Stale or duplicate token: the grant was already released or
		// reclaimed, and the slot may belong to someone else by now.
		c.logger.Info("ignored release with unknown token", "requester_id", req.RequesterID)
		return
	}
	c.logger.Info("released slot",
		"requester_id", g.RequesterID, "acquire_id", g.AcquireID, "slot", g.Slot)
}

func (c *coordinator) handleExtend(req ExtendRequest) {
	g, ok := c.pool.extend(req.Token, req.ExtendBy, c.cfg)
	if !ok {
		c.logger.Info("ignored extend with unknown token or invalid duration",
			"extend_by", req.ExtendBy)
		return
	}
	c.logger.Debug("extended grant",
		"acquire_id", g.AcquireID, "deadline", g.Deadline)
}

func (c *coordinator) handleCancel(req CancelRequest) {
	if c.pool.cancel(req.AcquireID) {
		c.logger.Info("canceled waiter", "acquire_id", req.AcquireID)
		return
	}
	// The cancel raced with a promotion or was redelivered; the unlock
	// timeout backstops an abandoned grant.
	c.logger.Info("ignored cancel for unknown waiter", "acquire_id", req.AcquireID)
}

func (c *coordinator) handleDrain(req DrainRequest) {
	if c.draining {
		c.logger.Debug("already draining")
		return
	}
	c.draining = true
	c.logger.Warn("draining, new acquire requests will be denied", "reason", req.Reason)
}

// deny notifies the requester that its acquisition was rejected. Delivery
// failure only matters to a requester that is gone anyway.
func (c *coordinator) deny(ctx workflow.Context, req AcquireRequest, reason DenialReason) {
	c.logger.Warn("denied acquire request",
		"acquire_id", req.AcquireID, "reason", string(reason))
	notice := GrantNotice{Denied: true, Reason: reason, Resource: c.pool.resource}
	if err := c.notify(ctx, req.RequesterID, req.AcquireID, notice); err != nil {
		c.logger.Warn("denial notification failed",
			"requester_id", req.RequesterID, "error", err)
	}
}

// promoteWaiters hands every free slot to the queue in FIFO order. A waiter
// whose grant notification fails is skipped and its slot immediately offered
// to the next one; the coordinator never blocks on an unreachable requester.
func (c *coordinator) promoteWaiters(ctx workflow.Context) {
	for c.pool.canPromote() {
		token, err := c.newToken(ctx)
		if err != nil {
			c.logger.Error("token generation failed, leaving waiters queued", "error", err)
			return
		}
		g := c.pool.promote(token, workflow.Now(ctx))
		notice := GrantNotice{
			Resource:  g.Resource,
			Token:     g.Token,
			Slot:      g.Slot,
			GrantedAt: g.GrantedAt,
			Deadline:  g.Deadline,
		}
		if err := c.notify(ctx, g.RequesterID, g.AcquireID, notice); err != nil {
			c.logger.Warn("grant notification failed, skipping waiter",
				"requester_id", g.RequesterID, "acquire_id", g.AcquireID, "error", err)
			c.pool.reclaim(g)
			continue
		}
		c.logger.Info("granted slot",
			"requester_id", g.RequesterID, "acquire_id", g.AcquireID,
			"slot", g.Slot, "deadline", g.Deadline)
	}
}

// reclaimExpired force-releases every grant whose unlock timeout has elapsed.
// The holder may still be running; nothing fences it off the resource, the
// slot is handed on regardless.
func (c *coordinator) reclaimExpired(ctx workflow.Context) {
	for _, g := range c.pool.expireDue(workflow.Now(ctx)) {
		c.logger.Warn("unlock timeout elapsed, reclaiming slot",
			"requester_id", g.RequesterID, "acquire_id", g.AcquireID,
			"slot", g.Slot, "deadline", g.Deadline)
	}
}

// coordinatorChannels bundles the coordinator's signal channels.
type coordinatorChannels struct {
	request workflow.ReceiveChannel
	release workflow.ReceiveChannel
	extend  workflow.ReceiveChannel
	cancel  workflow.ReceiveChannel
	drain   workflow.ReceiveChannel
}

// drainSignals empties every signal channel into the pool before
// continue-as-new, so nothing buffered is lost on the hop. Releases are
// applied, requests join the carried queue.
func (c *coordinator) drainSignals(ctx workflow.Context, chans coordinatorChannels) {
	for {
		var req AcquireRequest
		if !chans.request.ReceiveAsync(&req) {
			break
		}
		c.handleRequest(ctx, req)
	}
	for {
		var req ReleaseRequest
		if !chans.release.ReceiveAsync(&req) {
			break
		}
		c.handleRelease(req)
	}
	for {
		var req ExtendRequest
		if !chans.extend.ReceiveAsync(&req) {
			break
		}
		c.handleExtend(req)
	}
	for {
		var req CancelRequest
		if !chans.cancel.ReceiveAsync(&req) {
			break
		}
		c.handleCancel(req)
	}
	for {
		var req DrainRequest
		if !chans.drain.ReceiveAsync(&req) {
			break
		}
		c.handleDrain(req)
	}
}

// notify delivers a grant notice on the requester's per-acquisition channel.
// An error means the requester workflow is gone or unreachable.
func (c *coordinator) notify(ctx workflow.Context, requesterID, acquireID string, notice GrantNotice) error {
	return workflow.SignalExternalWorkflow(
		ctx, requesterID, "", GrantedSignalName(acquireID), notice,
	).Get(ctx, nil)
}

// newToken draws a fresh unlock token through a side effect so replay reuses
// the recorded value.
func (c *coordinator) newToken(ctx workflow.Context) (UnlockToken, error) {
	var s string
	err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return uuid.Must(uuid.NewV4()).String()
	}).Get(&s)
	if err != nil {
		return "", err
	}
	return UnlockToken(s), nil
}
