package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

// sentSignal records one outbound notification attempt, successful or not.
type sentSignal struct {
	workflowID string
	name       string
	notice     GrantNotice
}

// captureGrants mocks outbound grant notifications, recording every delivery
// attempt and indexing unlock tokens by target workflow id so later callbacks
// can release what an earlier grant handed out.
func captureGrants(env *testsuite.TestWorkflowEnvironment) (*[]sentSignal, map[string]UnlockToken) {
	sent := &[]sentSignal{}
	tokens := make(map[string]UnlockToken)
	env.OnSignalExternalWorkflow(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).
		Run(func(args mock.Arguments) {
			s := sentSignal{
				workflowID: args.String(1),
				name:       args.String(3),
				notice:     args.Get(4).(GrantNotice),
			}
			*sent = append(*sent, s)
			if !s.notice.Denied {
				tokens[s.workflowID] = s.notice.Token
			}
		})
	return sent, tokens
}

func signalAt(env *testsuite.TestWorkflowEnvironment, at time.Duration, name string, arg interface{}) {
	env.RegisterDelayedCallback(func() { env.SignalWorkflow(name, arg) }, at)
}

// releaseAt sends a release for whatever token the named workflow holds when
// the callback fires.
func releaseAt(env *testsuite.TestWorkflowEnvironment, at time.Duration, tokens map[string]UnlockToken, workflowID string) {
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ReleaseLockSignal, ReleaseRequest{
			Token:       tokens[workflowID],
			RequesterID: workflowID,
		})
	}, at)
}

func requestFrom(id string, slots int, unlock time.Duration) AcquireRequest {
	return AcquireRequest{
		RequesterID:   "wf-" + id,
		AcquireID:     id + "#1",
		Slots:         slots,
		UnlockTimeout: unlock,
	}
}

func mutexInput(resource string) MutexWorkflowInput {
	return MutexWorkflowInput{Namespace: "default", Resource: resource}
}

func TestMutexWorkflowGrantsAndReleases(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 2*time.Minute))
	releaseAt(env, time.Millisecond, tokens, "wf-a")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 1)
	g := (*sent)[0]
	require.Equal(t, "wf-a", g.workflowID)
	require.Equal(t, GrantedSignalName("a#1"), g.name)
	require.False(t, g.notice.Denied)
	require.Equal(t, "orders", g.notice.Resource)
	require.Equal(t, 0, g.notice.Slot)
	require.NotEmpty(t, g.notice.Token)
	require.Equal(t, 2*time.Minute, g.notice.Deadline.Sub(g.notice.GrantedAt))
}

func TestMutexWorkflowGrantsInRequestOrder(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 0))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 0))
	signalAt(env, 2*time.Millisecond, RequestLockSignal, requestFrom("c", 1, 0))
	releaseAt(env, 10*time.Millisecond, tokens, "wf-a")
	releaseAt(env, 20*time.Millisecond, tokens, "wf-b")
	releaseAt(env, 30*time.Millisecond, tokens, "wf-c")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 3)
	var order []string
	for _, s := range *sent {
		require.False(t, s.notice.Denied)
		require.Equal(t, 0, s.notice.Slot, "a mutex only ever hands out slot zero")
		order = append(order, s.workflowID)
	}
	require.Equal(t, []string{"wf-a", "wf-b", "wf-c"}, order)
	require.NotEqual(t, (*sent)[0].notice.Token, (*sent)[1].notice.Token)
	require.NotEqual(t, (*sent)[1].notice.Token, (*sent)[2].notice.Token)
}

func TestMutexWorkflowReclaimsAfterUnlockTimeout(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	// The holder never releases; the waiter must get the slot when the
	// holder's unlock timeout elapses, two minutes after its grant.
	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 2*time.Minute))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 2*time.Minute))
	releaseAt(env, 3*time.Minute, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 2)
	a, b := (*sent)[0], (*sent)[1]
	require.Equal(t, "wf-a", a.workflowID)
	require.Equal(t, "wf-b", b.workflowID)
	require.Equal(t, 2*time.Minute, b.notice.GrantedAt.Sub(a.notice.GrantedAt))
	require.Equal(t, 0, b.notice.Slot)
}

func TestMutexWorkflowExtendMovesReclaimDeadline(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 2*time.Minute))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 2*time.Minute))
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ExtendLockSignal, ExtendRequest{
			Token:    tokens["wf-a"],
			ExtendBy: 2 * time.Minute,
		})
	}, time.Minute)
	releaseAt(env, 5*time.Minute, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// Without the extension the waiter would have been promoted at two
	// minutes; the extension pushes the reclaim out to four.
	require.Len(t, *sent, 2)
	a, b := (*sent)[0], (*sent)[1]
	require.Equal(t, "wf-b", b.workflowID)
	require.Equal(t, 4*time.Minute, b.notice.GrantedAt.Sub(a.notice.GrantedAt))
}

func TestMutexWorkflowIgnoresRedeliveredRequest(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	req := requestFrom("a", 1, 0)
	signalAt(env, 0, RequestLockSignal, req)
	signalAt(env, time.Millisecond, RequestLockSignal, req)
	releaseAt(env, 2*time.Millisecond, tokens, "wf-a")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Len(t, *sent, 1, "a redelivered request must not produce a second grant")
}

func TestMutexWorkflowIgnoresStaleRelease(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 10*time.Minute))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 10*time.Minute))
	signalAt(env, time.Minute, ReleaseLockSignal, ReleaseRequest{Token: "bogus", RequesterID: "wf-x"})
	releaseAt(env, 2*time.Minute, tokens, "wf-a")
	releaseAt(env, 3*time.Minute, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// The bogus token at one minute must not free the slot; the waiter is
	// promoted only by the real release at two.
	require.Len(t, *sent, 2)
	a, b := (*sent)[0], (*sent)[1]
	require.Equal(t, 2*time.Minute, b.notice.GrantedAt.Sub(a.notice.GrantedAt))
}

func TestMutexWorkflowDeniesWhenQueueFull(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 0))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 0))
	signalAt(env, 2*time.Millisecond, RequestLockSignal, requestFrom("c", 1, 0))
	signalAt(env, 3*time.Millisecond, CancelWaitSignal, CancelRequest{AcquireID: "b#1", RequesterID: "wf-b"})
	releaseAt(env, 4*time.Millisecond, tokens, "wf-a")

	input := mutexInput("orders")
	input.Config = CoordinatorConfig{MaxWaiters: 1}
	env.ExecuteWorkflow(MutexWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 2)
	require.Equal(t, "wf-a", (*sent)[0].workflowID)
	denial := (*sent)[1]
	require.Equal(t, "wf-c", denial.workflowID)
	require.Equal(t, GrantedSignalName("c#1"), denial.name)
	require.True(t, denial.notice.Denied)
	require.Equal(t, DenialQueueFull, denial.notice.Reason)
}

func TestMutexWorkflowDrainDeniesNewRequests(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 0))
	signalAt(env, time.Millisecond, DrainSignal, DrainRequest{Reason: "deploy"})
	signalAt(env, 2*time.Millisecond, RequestLockSignal, requestFrom("b", 1, 0))
	releaseAt(env, 3*time.Millisecond, tokens, "wf-a")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 2)
	denial := (*sent)[1]
	require.Equal(t, "wf-b", denial.workflowID)
	require.True(t, denial.notice.Denied)
	require.Equal(t, DenialDraining, denial.notice.Reason)

	val, err := env.QueryWorkflow(PoolStatusQuery)
	require.NoError(t, err)
	var st PoolStatus
	require.NoError(t, val.Get(&st))
	require.True(t, st.Draining)
	require.Equal(t, 1, st.FreeSlots)
	require.Empty(t, st.Holders)
	require.Empty(t, st.Waiters)
}

func TestMutexWorkflowSkipsWaiterOnFailedNotification(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	var attempts []sentSignal
	tokens := make(map[string]UnlockToken)
	record := func(args mock.Arguments) {
		s := sentSignal{
			workflowID: args.String(1),
			name:       args.String(3),
			notice:     args.Get(4).(GrantNotice),
		}
		attempts = append(attempts, s)
		if !s.notice.Denied {
			tokens[s.workflowID] = s.notice.Token
		}
	}
	env.OnSignalExternalWorkflow(mock.Anything, "wf-a", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("workflow execution already completed")).
		Run(record)
	env.OnSignalExternalWorkflow(mock.Anything, "wf-b", mock.Anything, mock.Anything, mock.Anything).
		Return(nil).
		Run(record)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 0))
	signalAt(env, 0, RequestLockSignal, requestFrom("b", 1, 0))
	releaseAt(env, time.Millisecond, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// The unreachable holder is skipped and its slot offered to the next
	// waiter instead of wedging the pool.
	require.Len(t, attempts, 2)
	require.Equal(t, "wf-a", attempts[0].workflowID)
	require.Equal(t, "wf-b", attempts[1].workflowID)
	require.Equal(t, 0, attempts[1].notice.Slot)
}

func TestMutexWorkflowIgnoresMalformedRequest(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, _ := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, AcquireRequest{})

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Empty(t, *sent)
}

func TestMutexWorkflowRequiresResource(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	env.ExecuteWorkflow(MutexWorkflow, MutexWorkflowInput{Namespace: "default"})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, errTypeInvalidArgument, appErr.Type())
	require.True(t, appErr.NonRetryable())
}

func TestMutexWorkflowResumesFromSnapshot(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	now := time.Now()
	input := mutexInput("orders")
	input.Pool = &PoolSnapshot{
		Slots: 1,
		Holders: []Grant{{
			Resource:      "orders",
			RequesterID:   "wf-a",
			AcquireID:     "a#1",
			Token:         "carried-token",
			Slot:          0,
			GrantedAt:     now,
			Deadline:      now.Add(time.Hour),
			UnlockTimeout: time.Hour,
		}},
		Waiters: []Waiter{{
			RequesterID:   "wf-b",
			AcquireID:     "b#1",
			Slots:         1,
			UnlockTimeout: 2 * time.Minute,
			EnqueuedAt:    now,
		}},
	}

	signalAt(env, time.Millisecond, ReleaseLockSignal, ReleaseRequest{Token: "carried-token", RequesterID: "wf-a"})
	releaseAt(env, 2*time.Millisecond, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// The carried token stays valid across the hop, and the carried waiter
	// is promoted with the unlock timeout it enqueued with.
	require.Len(t, *sent, 1)
	b := (*sent)[0]
	require.Equal(t, "wf-b", b.workflowID)
	require.Equal(t, 0, b.notice.Slot)
	require.Equal(t, 2*time.Minute, b.notice.Deadline.Sub(b.notice.GrantedAt))
}

func TestMutexWorkflowQueryReportsPool(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	_, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 1, 0))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 1, 0))

	var st PoolStatus
	var queryErr error
	env.RegisterDelayedCallback(func() {
		val, err := env.QueryWorkflow(PoolStatusQuery)
		if err != nil {
			queryErr = err
			return
		}
		queryErr = val.Get(&st)
	}, 2*time.Millisecond)

	releaseAt(env, 3*time.Millisecond, tokens, "wf-a")
	releaseAt(env, 4*time.Millisecond, tokens, "wf-b")

	env.ExecuteWorkflow(MutexWorkflow, mutexInput("orders"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.NoError(t, queryErr)
	require.Equal(t, "orders", st.Resource)
	require.Equal(t, 1, st.Slots)
	require.Equal(t, 0, st.FreeSlots)
	require.False(t, st.Draining)
	require.Len(t, st.Holders, 1)
	require.Equal(t, "a#1", st.Holders[0].AcquireID)
	require.Len(t, st.Waiters, 1)
	require.Equal(t, "b#1", st.Waiters[0].AcquireID)
	require.Equal(t, 0, st.Waiters[0].Position)
}

func TestSemaphoreWorkflowGrantsSlotsIndependently(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, tokens := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 2, 0))
	signalAt(env, time.Millisecond, RequestLockSignal, requestFrom("b", 2, 0))
	signalAt(env, 2*time.Millisecond, RequestLockSignal, requestFrom("c", 2, 0))
	releaseAt(env, 3*time.Millisecond, tokens, "wf-a")
	releaseAt(env, 4*time.Millisecond, tokens, "wf-c")
	releaseAt(env, 5*time.Millisecond, tokens, "wf-b")

	env.ExecuteWorkflow(SemaphoreWorkflow, SemaphoreWorkflowInput{
		Namespace: "default",
		Resource:  "pool",
		Slots:     2,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	// Two slots serve two holders at once; the third waiter inherits the
	// first slot freed.
	require.Len(t, *sent, 3)
	require.Equal(t, "wf-a", (*sent)[0].workflowID)
	require.Equal(t, 0, (*sent)[0].notice.Slot)
	require.Equal(t, "wf-b", (*sent)[1].workflowID)
	require.Equal(t, 1, (*sent)[1].notice.Slot)
	require.Equal(t, "wf-c", (*sent)[2].workflowID)
	require.Equal(t, 0, (*sent)[2].notice.Slot)
}

func TestSemaphoreWorkflowDeniesSlotCountMismatch(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sent, _ := captureGrants(env)

	signalAt(env, 0, RequestLockSignal, requestFrom("a", 3, 0))

	env.ExecuteWorkflow(SemaphoreWorkflow, SemaphoreWorkflowInput{
		Namespace: "default",
		Resource:  "pool",
		Slots:     2,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *sent, 1)
	denial := (*sent)[0]
	require.True(t, denial.notice.Denied)
	require.Equal(t, DenialSlotMismatch, denial.notice.Reason)
	require.Equal(t, "pool", denial.notice.Resource)
}
