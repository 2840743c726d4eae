package serialized

import (
	"errors"
	"time"

	"github.com/wfsync/wfsync/ordering"
)

// Message is one ordered unit of work submitted to a processor.
type Message struct {
	Seq  int64  `json:"seq"`
	Body string `json:"body"`
}

// MessageResult is the recorded outcome of one applied message.
type MessageResult struct {
	Seq       int64     `json:"seq"`
	Receipt   string    `json:"receipt,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// ApplyInput carries the prepared receipt into the commit call.
type ApplyInput struct {
	Message Message `json:"message"`
	Receipt string  `json:"receipt"`
}

// ProcessorInput parameterizes one processor run and carries its buffer
// across continue-as-new.
type ProcessorInput struct {
	Queue     *ordering.Snapshot[Message] `json:"queue,omitempty"`
	MaxPerRun int                         `json:"max_per_run,omitempty"`
}

// PendingStatus answers PendingQuery.
type PendingStatus struct {
	NextSeq  int64 `json:"next_seq"`
	Buffered int   `json:"buffered"`
	Applied  int   `json:"applied"`
}

const (
	// SubmitUpdate is the update messages are submitted through. The update
	// does not return until the message has been applied or recorded as
	// failed.
	SubmitUpdate = "wfsync.submit"

	// PendingQuery reports the processor's queue state.
	PendingQuery = "wfsync.pending"

	// DefaultMaxPerRun bounds how many messages one run applies before
	// rolling its history over.
	DefaultMaxPerRun = 500
)

var (
	// ErrInvalidMessage indicates a submission was rejected before it
	// entered the queue.
	ErrInvalidMessage = errors.New("wfsync: invalid message")

	// ErrAlreadyApplied indicates the sequence was applied by an earlier
	// run; its recorded result did not survive the history rollover.
	ErrAlreadyApplied = errors.New("wfsync: message already applied")
)
