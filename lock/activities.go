package lock

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/wfsync/wfsync/internal/obs"
)

// CoordinatorStart tells SignalWithStartCoordinator which coordinator to
// revive and the acquire request to deliver atomically with the start.
type CoordinatorStart struct {
	Kind       CoordinatorKind   `json:"kind"`
	WorkflowID string            `json:"workflow_id"`
	TaskQueue  string            `json:"task_queue"`
	Namespace  string            `json:"namespace"`
	Resource   string            `json:"resource"`
	Slots      int               `json:"slots,omitempty"`
	Config     CoordinatorConfig `json:"config"`
	Request    AcquireRequest    `json:"request"`
}

// Activities holds the substrate client used on the acquisition path.
// Register one instance on every worker that runs workflows using Mutex or
// Semaphore. The client is injected here explicitly instead of living in a
// global or a context value.
type Activities struct {
	Client  client.Client
	Metrics *obs.Metrics
}

// NewActivities binds the activities to a substrate client. Metrics may be
// nil.
func NewActivities(c client.Client, m *obs.Metrics) *Activities {
	return &Activities{Client: c, Metrics: m}
}

// SignalWithStartCoordinator delivers an acquire request, starting the
// coordinator workflow when it is not already running. Start and signal are
// atomic on the server, so a coordinator that exited idle, or was never
// started, is revived without losing the request.
func (a *Activities) SignalWithStartCoordinator(ctx context.Context, start CoordinatorStart) error {
	began := time.Now()
	opts := client.StartWorkflowOptions{
		ID:        start.WorkflowID,
		TaskQueue: start.TaskQueue,
	}

	var err error
	switch start.Kind {
	case KindMutex:
		_, err = a.Client.SignalWithStartWorkflow(ctx,
			start.WorkflowID, RequestLockSignal, start.Request, opts,
			MutexWorkflow, MutexWorkflowInput{
				Namespace: start.Namespace,
				Resource:  start.Resource,
				Config:    start.Config,
			})
	case KindSemaphore:
		_, err = a.Client.SignalWithStartWorkflow(ctx,
			start.WorkflowID, RequestLockSignal, start.Request, opts,
			SemaphoreWorkflow, SemaphoreWorkflowInput{
				Namespace: start.Namespace,
				Resource:  start.Resource,
				Slots:     start.Slots,
				Config:    start.Config,
			})
	default:
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("wfsync: unknown coordinator kind %q", start.Kind),
			errTypeInvalidArgument, ErrInvalidArgument)
	}

	a.Metrics.ObserveSignalWithStart(string(start.Kind), time.Since(began), err)
	if err != nil {
		return fmt.Errorf("signal with start %q: %w", start.WorkflowID, err)
	}
	return nil
}
