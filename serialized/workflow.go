// Package serialized processes update-submitted messages strictly in
// sequence order, one at a time, on a workflow that survives worker crashes
// and history rollover.
//
// Submitters call the SubmitUpdate update with a Message; the update blocks
// until the message has been applied and returns its MessageResult. Messages
// may arrive out of order and may be redelivered: the processor buffers
// ahead-of-turn sequences, drops duplicates in favor of the first writer,
// and releases work to the downstream calls only in contiguous sequence
// order.
package serialized

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/wfsync/wfsync/ordering"
)

// ProcessorWorkflow consumes submitted messages in sequence order. Each
// message makes exactly two downstream calls, prepare then apply, and no
// message starts before the previous one has finished both. The run rolls
// over to a fresh history once it has applied MaxPerRun messages or the
// server suggests it, carrying the buffer in its input; the rollover waits
// for every in-flight submit to observe its result first.
func ProcessorWorkflow(ctx workflow.Context, input ProcessorInput) error {
	logger := log.With(workflow.GetLogger(ctx), "component", "processor")

	p := &processor{
		queue:     ordering.New[Message](ordering.WithLogger(logger)),
		results:   make(map[int64]MessageResult),
		maxPerRun: input.MaxPerRun,
		logger:    logger,
	}
	if p.maxPerRun <= 0 {
		p.maxPerRun = DefaultMaxPerRun
	}
	if input.Queue != nil {
		p.queue.Restore(*input.Queue)
		logger.Info("restored queue from previous run",
			"next_seq", p.queue.NextSeq(), "buffered", p.queue.Len())
	}

	if err := workflow.SetQueryHandler(ctx, PendingQuery, func() (PendingStatus, error) {
		return PendingStatus{
			NextSeq:  p.queue.NextSeq(),
			Buffered: p.queue.Len(),
			Applied:  p.applied,
		}, nil
	}); err != nil {
		return err
	}
	if err := workflow.SetUpdateHandlerWithOptions(ctx, SubmitUpdate, p.submit,
		workflow.UpdateHandlerOptions{Validator: p.validateSubmit}); err != nil {
		return err
	}

	for {
		if err := workflow.Await(ctx, func() bool {
			return p.queue.Ready() || (p.hopDue(ctx) && workflow.AllHandlersFinished(ctx))
		}); err != nil {
			logger.Warn("processor canceled", "buffered", p.queue.Len())
			return err
		}
		if msg, ok := p.queue.TryNext(); ok {
			p.applyNext(ctx, msg)
			continue
		}
		snap := p.queue.Snapshot()
		input.Queue = &snap
		logger.Info("continuing as new",
			"next_seq", p.queue.NextSeq(), "buffered", p.queue.Len(), "applied", p.applied)
		return workflow.NewContinueAsNewError(ctx, ProcessorWorkflow, input)
	}
}

// processor is the single-consumer state behind ProcessorWorkflow. The main
// loop is the only coroutine that pops the queue or writes results; update
// handlers only add and read, so no two messages are ever in flight at once.
type processor struct {
	queue     *ordering.Queue[Message]
	results   map[int64]MessageResult
	applied   int
	maxPerRun int
	logger    log.Logger
}

// hopDue reports whether this run should roll over once nothing is ready and
// every in-flight handler has returned.
func (p *processor) hopDue(ctx workflow.Context) bool {
	return p.applied >= p.maxPerRun || workflow.GetInfo(ctx).GetContinueAsNewSuggested()
}

func (p *processor) validateSubmit(ctx workflow.Context, msg Message) error {
	if msg.Seq < 0 {
		return fmt.Errorf("sequence must be non-negative, got %d: %w", msg.Seq, ErrInvalidMessage)
	}
	if msg.Body == "" {
		return fmt.Errorf("message %d has an empty body: %w", msg.Seq, ErrInvalidMessage)
	}
	return nil
}

// submit admits one message and blocks until its result is recorded. A
// redelivered sequence gets the original result back; the duplicate's body
// is ignored.
func (p *processor) submit(ctx workflow.Context, msg Message) (MessageResult, error) {
	if res, ok := p.results[msg.Seq]; ok {
		return p.deliver(res)
	}
	if msg.Seq < p.queue.NextSeq() {
		return MessageResult{}, fmt.Errorf("message %d: %w", msg.Seq, ErrAlreadyApplied)
	}
	p.queue.Add(msg.Seq, msg)
	if err := workflow.Await(ctx, func() bool {
		_, done := p.results[msg.Seq]
		return done
	}); err != nil {
		return MessageResult{}, err
	}
	return p.deliver(p.results[msg.Seq])
}

// deliver turns a recorded failure back into an update error.
func (p *processor) deliver(res MessageResult) (MessageResult, error) {
	if res.Failure != "" {
		return res, fmt.Errorf("wfsync: message %d failed: %s", res.Seq, res.Failure)
	}
	return res, nil
}

// applyNext runs the two downstream calls for one message and records the
// outcome. A message that exhausts its retries is recorded as failed and the
// stream moves on: it had its turn, and holding the line would wedge every
// sequence behind it.
func (p *processor) applyNext(ctx workflow.Context, msg Message) {
	res, err := p.apply(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("message application failed", "seq", msg.Seq, "error", err)
		res = MessageResult{Seq: msg.Seq, Failure: err.Error(), AppliedAt: workflow.Now(ctx)}
	}
	p.results[msg.Seq] = res
	p.applied++
}

func (p *processor) apply(ctx workflow.Context, msg Message) (MessageResult, error) {
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})
	var a *Activities
	var receipt string
	if err := workflow.ExecuteActivity(actx, a.PrepareMessage, msg).Get(ctx, &receipt); err != nil {
		return MessageResult{}, fmt.Errorf("prepare message %d: %w", msg.Seq, err)
	}
	var outcome string
	if err := workflow.ExecuteActivity(actx, a.ApplyMessage, ApplyInput{Message: msg, Receipt: receipt}).Get(ctx, &outcome); err != nil {
		return MessageResult{}, fmt.Errorf("apply message %d: %w", msg.Seq, err)
	}
	return MessageResult{
		Seq:       msg.Seq,
		Receipt:   receipt,
		Outcome:   outcome,
		AppliedAt: workflow.Now(ctx),
	}, nil
}
