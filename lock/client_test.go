package lock

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

// testWorkflowID is the workflow id the test environment runs workflows
// under; acquire ids derive from it.
const testWorkflowID = "default-test-workflow-id"

// newClientTestEnv clears the environment's workflow timeouts so acquisitions
// get past the unsafe-timeout guard, the same shape a production caller
// without an execution or run timeout has.
func newClientTestEnv() *testsuite.TestWorkflowEnvironment {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.SetWorkflowExecutionTimeout(0)
	env.SetWorkflowRunTimeout(0)
	return env
}

// captureStarts mocks the signal-with-start activity and records every
// coordinator start it would have delivered.
func captureStarts(env *testsuite.TestWorkflowEnvironment) *[]CoordinatorStart {
	starts := &[]CoordinatorStart{}
	env.OnActivity((&Activities{}).SignalWithStartCoordinator, mock.Anything, mock.Anything).
		Return(nil).
		Run(func(args mock.Arguments) {
			*starts = append(*starts, args.Get(1).(CoordinatorStart))
		})
	return starts
}

// coordinatorSignal records one signal the client sent to a coordinator.
type coordinatorSignal struct {
	workflowID string
	name       string
	arg        interface{}
}

func captureCoordinatorSignals(env *testsuite.TestWorkflowEnvironment) *[]coordinatorSignal {
	sigs := &[]coordinatorSignal{}
	env.OnSignalExternalWorkflow(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).
		Run(func(args mock.Arguments) {
			*sigs = append(*sigs, coordinatorSignal{
				workflowID: args.String(1),
				name:       args.String(3),
				arg:        args.Get(4),
			})
		})
	return sigs
}

func deliverGrant(env *testsuite.TestWorkflowEnvironment, at time.Duration, acquireID string, notice GrantNotice) {
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(GrantedSignalName(acquireID), notice)
	}, at)
}

func mutexAcquireID(resource string, seq int) string {
	return newAcquireID(KindMutex, testWorkflowID, resource, seq)
}

// handleView carries handle state out of a test workflow for assertions.
type handleView struct {
	Resource string
	Token    UnlockToken
	Slot     int
	Deadline time.Time
	Held     bool
}

func TestMutexAcquireReturnsGrantedHandle(t *testing.T) {
	env := newClientTestEnv()
	starts := captureStarts(env)
	sigs := captureCoordinatorSignals(env)

	grantedAt := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	deadline := grantedAt.Add(10 * time.Minute)
	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{
		Resource:  "orders",
		Token:     "tok-1",
		Slot:      0,
		GrantedAt: grantedAt,
		Deadline:  deadline,
	})

	env.ExecuteWorkflow(func(ctx workflow.Context) (handleView, error) {
		m := NewMutex("billing", WithCoordinatorTaskQueue("wfsync-coordinators"))
		h, err := m.Acquire(ctx, "orders")
		if err != nil {
			return handleView{}, err
		}
		v := handleView{
			Resource: h.Resource(),
			Token:    h.Token(),
			Slot:     h.Slot(),
			Deadline: h.Deadline(),
			Held:     h.Held(),
		}
		if err := h.Unlock(ctx); err != nil {
			return v, err
		}
		if h.Held() {
			return v, errors.New("handle still held after unlock")
		}
		return v, nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var v handleView
	require.NoError(t, env.GetWorkflowResult(&v))
	require.Equal(t, "orders", v.Resource)
	require.Equal(t, UnlockToken("tok-1"), v.Token)
	require.Equal(t, 0, v.Slot)
	require.True(t, v.Deadline.Equal(deadline))
	require.True(t, v.Held)

	require.Len(t, *starts, 1)
	start := (*starts)[0]
	require.Equal(t, KindMutex, start.Kind)
	require.Equal(t, MutexWorkflowID("billing", "orders"), start.WorkflowID)
	require.Equal(t, "wfsync-coordinators", start.TaskQueue)
	require.Equal(t, 1, start.Slots)
	require.Equal(t, testWorkflowID, start.Request.RequesterID)
	require.Equal(t, mutexAcquireID("orders", 1), start.Request.AcquireID)

	require.Len(t, *sigs, 1)
	rel := (*sigs)[0]
	require.Equal(t, MutexWorkflowID("billing", "orders"), rel.workflowID)
	require.Equal(t, ReleaseLockSignal, rel.name)
	require.Equal(t, ReleaseRequest{Token: "tok-1", RequesterID: testWorkflowID}, rel.arg)
}

func TestMutexAcquireNumbersAcquisitions(t *testing.T) {
	env := newClientTestEnv()
	starts := captureStarts(env)
	captureCoordinatorSignals(env)

	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{Resource: "orders", Token: "tok-1"})
	deliverGrant(env, 2*time.Millisecond, mutexAcquireID("orders", 2), GrantNotice{Resource: "orders", Token: "tok-2"})

	env.ExecuteWorkflow(func(ctx workflow.Context) ([]string, error) {
		m := NewMutex("billing")
		var tokens []string
		for i := 0; i < 2; i++ {
			h, err := m.Acquire(ctx, "orders")
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, string(h.Token()))
			if err := h.Unlock(ctx); err != nil {
				return nil, err
			}
		}
		return tokens, nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var tokens []string
	require.NoError(t, env.GetWorkflowResult(&tokens))
	require.Equal(t, []string{"tok-1", "tok-2"}, tokens)

	require.Len(t, *starts, 2)
	require.Equal(t, mutexAcquireID("orders", 1), (*starts)[0].Request.AcquireID)
	require.Equal(t, mutexAcquireID("orders", 2), (*starts)[1].Request.AcquireID)
}

func TestWithLockReleasesOnFunctionError(t *testing.T) {
	env := newClientTestEnv()
	captureStarts(env)
	sigs := captureCoordinatorSignals(env)

	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{Resource: "orders", Token: "tok-1"})

	env.ExecuteWorkflow(func(ctx workflow.Context) error {
		m := NewMutex("billing")
		return m.WithLock(ctx, "orders", func(workflow.Context) error {
			return errors.New("charge declined")
		})
	})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "charge declined")

	// The critical section failed, the slot still went back.
	require.Len(t, *sigs, 1)
	require.Equal(t, ReleaseLockSignal, (*sigs)[0].name)
	require.Equal(t, ReleaseRequest{Token: "tok-1", RequesterID: testWorkflowID}, (*sigs)[0].arg)
}

func TestAcquireTimeoutIsCatchable(t *testing.T) {
	env := newClientTestEnv()
	captureStarts(env)
	sigs := captureCoordinatorSignals(env)

	// No grant ever arrives.
	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		m := NewMutex("billing")
		_, err := m.Acquire(ctx, "orders", WithAcquireTimeout(time.Second))
		if errors.Is(err, ErrAcquireTimeout) {
			return "timed out, moving on", nil
		}
		return "", err
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "timed out, moving on", out)

	// The abandoned wait was withdrawn from the coordinator's queue.
	require.Len(t, *sigs, 1)
	cancel := (*sigs)[0]
	require.Equal(t, CancelWaitSignal, cancel.name)
	require.Equal(t, CancelRequest{
		AcquireID:   mutexAcquireID("orders", 1),
		RequesterID: testWorkflowID,
	}, cancel.arg)
}

func TestAcquireDenialMapsToSentinel(t *testing.T) {
	tests := []struct {
		name   string
		reason DenialReason
		want   error
	}{
		{"queue full", DenialQueueFull, ErrWaitQueueFull},
		{"draining", DenialDraining, ErrDraining},
		{"slot mismatch", DenialSlotMismatch, ErrSlotMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newClientTestEnv()
			captureStarts(env)
			captureCoordinatorSignals(env)

			deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{
				Denied: true,
				Reason: tt.reason,
			})

			want := tt.want
			env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
				m := NewMutex("billing")
				_, err := m.Acquire(ctx, "orders")
				if errors.Is(err, want) {
					return "mapped", nil
				}
				return "", err
			})

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())
			var out string
			require.NoError(t, env.GetWorkflowResult(&out))
			require.Equal(t, "mapped", out)
		})
	}
}

func TestAcquireRefusesWorkflowRunTimeout(t *testing.T) {
	env := newClientTestEnv()
	env.SetWorkflowRunTimeout(time.Hour)

	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		m := NewMutex("billing")
		_, err := m.Acquire(ctx, "orders")
		if !errors.Is(err, ErrUnsafeWorkflowTimeout) {
			return "", fmt.Errorf("want unsafe timeout error, got %w", err)
		}
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) || !appErr.NonRetryable() {
			return "", fmt.Errorf("want non-retryable application error, got %w", err)
		}
		return "refused", nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "refused", out)
}

func TestUnlockTwiceReturnsNotHeld(t *testing.T) {
	env := newClientTestEnv()
	captureStarts(env)
	captureCoordinatorSignals(env)

	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{Resource: "orders", Token: "tok-1"})

	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		m := NewMutex("billing")
		h, err := m.Acquire(ctx, "orders")
		if err != nil {
			return "", err
		}
		if err := h.Unlock(ctx); err != nil {
			return "", err
		}
		if err := h.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
			return "", fmt.Errorf("want not held, got %v", err)
		}
		return "single release", nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "single release", out)
}

func TestUnlockToleratesMissingCoordinator(t *testing.T) {
	env := newClientTestEnv()
	captureStarts(env)

	// The pool went idle and its workflow completed before the release.
	env.OnSignalExternalWorkflow(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("workflow not found"))

	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{Resource: "orders", Token: "tok-1"})

	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		m := NewMutex("billing")
		h, err := m.Acquire(ctx, "orders")
		if err != nil {
			return "", err
		}
		if err := h.Unlock(ctx); err != nil {
			return "", fmt.Errorf("unlock should be best effort, got %w", err)
		}
		if h.Held() {
			return "", errors.New("handle still held")
		}
		return "released", nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "released", out)
}

func TestExtendSignalsCoordinator(t *testing.T) {
	env := newClientTestEnv()
	captureStarts(env)
	sigs := captureCoordinatorSignals(env)

	grantedAt := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	deliverGrant(env, time.Millisecond, mutexAcquireID("orders", 1), GrantNotice{
		Resource:  "orders",
		Token:     "tok-1",
		GrantedAt: grantedAt,
		Deadline:  grantedAt.Add(10 * time.Minute),
	})

	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		m := NewMutex("billing")
		h, err := m.Acquire(ctx, "orders")
		if err != nil {
			return "", err
		}
		if err := h.Extend(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
			return "", fmt.Errorf("want invalid argument for zero extension, got %v", err)
		}
		before := h.Deadline()
		if err := h.Extend(ctx, 30*time.Minute); err != nil {
			return "", err
		}
		if moved := h.Deadline().Sub(before); moved != 30*time.Minute {
			return "", fmt.Errorf("deadline moved by %v", moved)
		}
		if err := h.Unlock(ctx); err != nil {
			return "", err
		}
		if err := h.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
			return "", fmt.Errorf("want not held after unlock, got %v", err)
		}
		return "extended", nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "extended", out)

	require.Len(t, *sigs, 2)
	require.Equal(t, ExtendLockSignal, (*sigs)[0].name)
	require.Equal(t, ExtendRequest{Token: "tok-1", ExtendBy: 30 * time.Minute}, (*sigs)[0].arg)
	require.Equal(t, ReleaseLockSignal, (*sigs)[1].name)
}

func TestSemaphoreAcquirePropagatesSlotCount(t *testing.T) {
	env := newClientTestEnv()
	starts := captureStarts(env)
	captureCoordinatorSignals(env)

	deliverGrant(env, time.Millisecond, newAcquireID(KindSemaphore, testWorkflowID, "render", 1),
		GrantNotice{Resource: "render", Token: "tok-1", Slot: 1})
	deliverGrant(env, 2*time.Millisecond, newAcquireID(KindSemaphore, testWorkflowID, "render", 2),
		GrantNotice{Resource: "render", Token: "tok-2", Slot: 2})

	env.ExecuteWorkflow(func(ctx workflow.Context) (int, error) {
		s := NewSemaphore("billing", 3)
		err := s.WithSlot(ctx, "render", func(workflow.Context) error {
			return nil
		})
		if err != nil {
			return 0, err
		}
		h, err := s.Acquire(ctx, "render")
		if err != nil {
			return 0, err
		}
		slot := h.Slot()
		return slot, h.Unlock(ctx)
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	require.Len(t, *starts, 2)
	start := (*starts)[0]
	require.Equal(t, KindSemaphore, start.Kind)
	require.Equal(t, SemaphoreWorkflowID("billing", "render"), start.WorkflowID)
	require.Equal(t, 3, start.Slots)
	require.Equal(t, 3, start.Request.Slots)

	var slot int
	require.NoError(t, env.GetWorkflowResult(&slot))
	require.Equal(t, 2, slot)
}

func TestAcquireValidatesArguments(t *testing.T) {
	env := newClientTestEnv()

	env.ExecuteWorkflow(func(ctx workflow.Context) (string, error) {
		if _, err := NewMutex("").Acquire(ctx, "orders"); !errors.Is(err, ErrInvalidArgument) {
			return "", fmt.Errorf("empty namespace: got %v", err)
		}
		if _, err := NewMutex("billing").Acquire(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
			return "", fmt.Errorf("empty resource: got %v", err)
		}
		if _, err := NewSemaphore("billing", 0).Acquire(ctx, "render"); !errors.Is(err, ErrInvalidArgument) {
			return "", fmt.Errorf("zero slots: got %v", err)
		}
		return "all rejected", nil
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "all rejected", out)
}
