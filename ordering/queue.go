// Package ordering provides an in-workflow buffer that accepts out-of-order
// (sequence, payload) pairs and releases them strictly in ascending sequence
// order, starting from zero, with no gaps and no reordering.
//
// A Queue is plain workflow state: it performs no IO, spawns no goroutines,
// and never skips the release cursor past a missing sequence. Snapshot and
// Restore carry buffered state across continue-as-new boundaries.
package ordering

import (
	"sort"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/workflow"
)

// Entry is a buffered payload together with its sequence number.
type Entry[T any] struct {
	Seq   int64 `json:"seq"`
	Value T     `json:"value"`
}

// Snapshot is the serializable state of a Queue, suitable for passing as a
// continue-as-new argument. Entries are sorted by sequence number.
type Snapshot[T any] struct {
	// Next is the sequence number the queue will release next.
	Next int64 `json:"next"`

	// Entries holds every buffered payload at or past Next.
	Entries []Entry[T] `json:"entries"`
}

// Option configures a Queue at construction time.
type Option func(*config)

type config struct {
	logger log.Logger
}

// WithLogger sets the logger used to report rejected, duplicate, and
// colliding sequence numbers. Inside a workflow, pass workflow.GetLogger(ctx)
// so log output is suppressed during replay.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Queue buffers payloads by sequence number and releases them in strict
// ascending order. The zero sequence is released first; a payload whose
// sequence is ahead of the release cursor stays buffered until every earlier
// sequence has been released.
type Queue[T any] struct {
	next     int64
	buffered map[int64]T
	logger   log.Logger
}

// New returns an empty queue whose release cursor starts at sequence zero.
func New[T any](opts ...Option) *Queue[T] {
	cfg := config{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue[T]{
		buffered: make(map[int64]T),
		logger:   cfg.logger,
	}
}

// Add buffers v at the given sequence number.
//
// Sequences behind the release cursor have already been delivered, so
// re-adding them is a no-op; at-least-once redelivery is harmless. When seq
// is already buffered the existing payload is kept and the new one dropped.
// Negative sequences are rejected.
func (q *Queue[T]) Add(seq int64, v T) {
	switch {
	case seq < 0:
		q.logger.Warn("rejected negative sequence", "seq", seq)
	case seq < q.next:
		q.logger.Warn("ignored already released sequence", "seq", seq, "next", q.next)
	default:
		if _, dup := q.buffered[seq]; dup {
			q.logger.Warn("duplicate sequence, kept first payload", "seq", seq)
			return
		}
		q.buffered[seq] = v
	}
}

// Ready reports whether the payload at the release cursor is buffered, i.e.
// whether Next would return without blocking.
func (q *Queue[T]) Ready() bool {
	_, ok := q.buffered[q.next]
	return ok
}

// Next blocks until the payload at the release cursor arrives, then removes
// and returns it and advances the cursor. Successive calls return strictly
// consecutive sequences. The returned error is non-nil only when the workflow
// context is canceled while waiting.
func (q *Queue[T]) Next(ctx workflow.Context) (T, error) {
	if err := workflow.Await(ctx, q.Ready); err != nil {
		var zero T
		return zero, err
	}
	v, _ := q.TryNext()
	return v, nil
}

// TryNext is the non-blocking form of Next. It returns false when the payload
// at the release cursor has not arrived yet.
func (q *Queue[T]) TryNext() (T, bool) {
	v, ok := q.buffered[q.next]
	if !ok {
		var zero T
		return zero, false
	}
	delete(q.buffered, q.next)
	q.next++
	return v, true
}

// Len returns the number of buffered payloads, including any that are ahead
// of the release cursor and not yet deliverable.
func (q *Queue[T]) Len() int {
	return len(q.buffered)
}

// NextSeq returns the sequence number the queue will release next.
func (q *Queue[T]) NextSeq() int64 {
	return q.next
}

// Snapshot returns the queue's serializable state. Entries are sorted so the
// result is deterministic across replays.
func (q *Queue[T]) Snapshot() Snapshot[T] {
	entries := make([]Entry[T], 0, len(q.buffered))
	for seq, v := range q.buffered {
		entries = append(entries, Entry[T]{Seq: seq, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return Snapshot[T]{Next: q.next, Entries: entries}
}

// Restore merges a snapshot into the queue. The release cursor moves to the
// later of the two cursors. Snapshot entries at or past the merged cursor are
// adopted unless the sequence is already buffered, in which case the existing
// payload is kept and an error is logged. Entries behind the merged cursor,
// from either side, are dropped.
func (q *Queue[T]) Restore(s Snapshot[T]) {
	if s.Next > q.next {
		q.next = s.Next
	}
	for _, e := range s.Entries {
		if e.Seq < q.next {
			q.logger.Warn("dropped restored sequence behind cursor", "seq", e.Seq, "next", q.next)
			continue
		}
		if _, exists := q.buffered[e.Seq]; exists {
			q.logger.Error("restore collision, kept existing payload", "seq", e.Seq)
			continue
		}
		q.buffered[e.Seq] = e.Value
	}
	stale := make([]int64, 0)
	for seq := range q.buffered {
		if seq < q.next {
			stale = append(stale, seq)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, seq := range stale {
		q.logger.Warn("dropped buffered sequence behind restored cursor", "seq", seq)
		delete(q.buffered, seq)
	}
}

// nopLogger discards all log output. It is the default until WithLogger is
// applied.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
