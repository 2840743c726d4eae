package lock

import (
	"sort"
	"time"
)

// slotPool is the coordinator's slot accounting: which slots are held by
// which grant, and who waits for one. It is pure state owned by the single
// coordinator coroutine, which supplies the time; nothing here touches the
// clock, the scheduler, or the network.
type slotPool struct {
	resource string
	slots    int

	// free holds currently unheld slot ids in ascending order, so the lowest
	// slot is always handed out next and replays stay deterministic.
	free []int

	holders map[UnlockToken]*Grant
	queue   []*Waiter

	// live indexes AcquireIDs that are queued or granted, for dropping
	// redelivered requests.
	live map[string]struct{}
}

func newSlotPool(resource string, slots int) *slotPool {
	p := &slotPool{
		resource: resource,
		slots:    slots,
		free:     make([]int, 0, slots),
		holders:  make(map[UnlockToken]*Grant),
		live:     make(map[string]struct{}),
	}
	for i := 0; i < slots; i++ {
		p.free = append(p.free, i)
	}
	return p
}

// restorePool rebuilds a pool from a continue-as-new snapshot. The snapshot's
// slot count wins over anything else: it is fixed for the pool's lifetime.
func restorePool(resource string, s *PoolSnapshot) *slotPool {
	p := newSlotPool(resource, s.Slots)
	for i := range s.Holders {
		g := s.Holders[i]
		p.holders[g.Token] = &g
		p.live[g.AcquireID] = struct{}{}
		p.takeSlot(g.Slot)
	}
	for i := range s.Waiters {
		w := s.Waiters[i]
		p.queue = append(p.queue, &w)
		p.live[w.AcquireID] = struct{}{}
	}
	return p
}

func (p *slotPool) takeSlot(slot int) {
	for i, s := range p.free {
		if s == slot {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// admitResult classifies what admit did with a request.
type admitResult int

const (
	admitted admitResult = iota
	admitDuplicate
	admitDenied
)

// admit validates and enqueues an acquire request. Duplicates (same
// AcquireID queued or granted) are dropped; a slot-count mismatch or a full
// queue is denied. The request's unlock timeout is clamped here so the
// waiter carries the value its eventual grant will use.
func (p *slotPool) admit(req AcquireRequest, now time.Time, cfg CoordinatorConfig) (admitResult, DenialReason) {
	if _, dup := p.live[req.AcquireID]; dup {
		return admitDuplicate, ""
	}
	if req.Slots != 0 && req.Slots != p.slots {
		return admitDenied, DenialSlotMismatch
	}
	if len(p.queue) >= cfg.MaxWaiters {
		return admitDenied, DenialQueueFull
	}
	p.queue = append(p.queue, &Waiter{
		RequesterID:   req.RequesterID,
		AcquireID:     req.AcquireID,
		Slots:         req.Slots,
		UnlockTimeout: cfg.clampHold(req.UnlockTimeout),
		EnqueuedAt:    now,
	})
	p.live[req.AcquireID] = struct{}{}
	return admitted, ""
}

// canPromote reports whether a free slot and a waiter are both available.
func (p *slotPool) canPromote() bool {
	return len(p.free) > 0 && len(p.queue) > 0
}

// promote pops the head waiter onto the lowest free slot. The caller supplies
// the unlock token so token generation stays in the workflow's side-effect
// machinery. Returns nil when nothing can be promoted.
func (p *slotPool) promote(token UnlockToken, now time.Time) *Grant {
	if !p.canPromote() {
		return nil
	}
	w := p.queue[0]
	p.queue = p.queue[1:]
	slot := p.free[0]
	p.free = p.free[1:]
	g := &Grant{
		Resource:      p.resource,
		RequesterID:   w.RequesterID,
		AcquireID:     w.AcquireID,
		Token:         token,
		Slot:          slot,
		GrantedAt:     now,
		Deadline:      now.Add(w.UnlockTimeout),
		UnlockTimeout: w.UnlockTimeout,
	}
	p.holders[token] = g
	return g
}

// reclaim destroys a grant and returns its slot to the free list.
func (p *slotPool) reclaim(g *Grant) {
	delete(p.holders, g.Token)
	delete(p.live, g.AcquireID)
	p.free = append(p.free, g.Slot)
	sort.Ints(p.free)
}

// release frees the grant owning the token. Unknown tokens return false: a
// stale or duplicate release must never free a slot out from under a newer
// grant.
func (p *slotPool) release(token UnlockToken) (*Grant, bool) {
	g, ok := p.holders[token]
	if !ok {
		return nil, false
	}
	p.reclaim(g)
	return g, true
}

// extend pushes a grant's deadline out by the given duration, clamped so the
// total hold never exceeds the max hold time past GrantedAt.
func (p *slotPool) extend(token UnlockToken, by time.Duration, cfg CoordinatorConfig) (*Grant, bool) {
	if by <= 0 {
		return nil, false
	}
	g, ok := p.holders[token]
	if !ok {
		return nil, false
	}
	deadline := g.Deadline.Add(by)
	if limit := g.GrantedAt.Add(cfg.MaxHoldTime); deadline.After(limit) {
		deadline = limit
	}
	g.Deadline = deadline
	return g, true
}

// expireDue reclaims every grant whose deadline has passed, in deterministic
// order (deadline, then token).
func (p *slotPool) expireDue(now time.Time) []*Grant {
	var due []*Grant
	for _, g := range p.holders {
		if !g.Deadline.After(now) {
			due = append(due, g)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].Deadline.Before(due[j].Deadline)
		}
		return due[i].Token < due[j].Token
	})
	for _, g := range due {
		p.reclaim(g)
	}
	return due
}

// nextDeadline returns the earliest holder deadline, if any slot is held.
func (p *slotPool) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, g := range p.holders {
		if !found || g.Deadline.Before(earliest) {
			earliest = g.Deadline
			found = true
		}
	}
	return earliest, found
}

// cancel removes a queued waiter. Granted or unknown acquisitions are left
// alone: the cancel raced with a promotion or was redelivered.
func (p *slotPool) cancel(acquireID string) bool {
	for i, w := range p.queue {
		if w.AcquireID == acquireID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			delete(p.live, acquireID)
			return true
		}
	}
	return false
}

func (p *slotPool) held() int    { return len(p.holders) }
func (p *slotPool) waiting() int { return len(p.queue) }

// idle reports whether no slot is held and nobody waits.
func (p *slotPool) idle() bool {
	return len(p.holders) == 0 && len(p.queue) == 0
}

// snapshot captures the pool for continue-as-new. Holders are sorted by slot
// so the snapshot is deterministic; waiters keep their FIFO order.
func (p *slotPool) snapshot() *PoolSnapshot {
	s := &PoolSnapshot{Slots: p.slots}
	for _, g := range p.holders {
		s.Holders = append(s.Holders, *g)
	}
	sort.Slice(s.Holders, func(i, j int) bool { return s.Holders[i].Slot < s.Holders[j].Slot })
	for _, w := range p.queue {
		s.Waiters = append(s.Waiters, *w)
	}
	return s
}

// status reports the pool for PoolStatusQuery, without unlock tokens.
func (p *slotPool) status() PoolStatus {
	st := PoolStatus{
		Resource:  p.resource,
		Slots:     p.slots,
		FreeSlots: len(p.free),
	}
	for _, g := range p.holders {
		st.Holders = append(st.Holders, GrantInfo{
			RequesterID: g.RequesterID,
			AcquireID:   g.AcquireID,
			Slot:        g.Slot,
			GrantedAt:   g.GrantedAt,
			Deadline:    g.Deadline,
		})
	}
	sort.Slice(st.Holders, func(i, j int) bool { return st.Holders[i].Slot < st.Holders[j].Slot })
	for i, w := range p.queue {
		st.Waiters = append(st.Waiters, WaiterInfo{
			RequesterID: w.RequesterID,
			AcquireID:   w.AcquireID,
			Position:    i,
			EnqueuedAt:  w.EnqueuedAt,
		})
	}
	return st
}
