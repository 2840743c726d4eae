package serialized

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.temporal.io/sdk/activity"
)

// Activities are the processor's two downstream calls. They stand in for
// whatever pair of systems a deployment commits each message to; a worker
// may register its own implementations under the same activity names and the
// processor will call those instead.
type Activities struct{}

func NewActivities() *Activities {
	return &Activities{}
}

// PrepareMessage stages a message downstream and returns the staging receipt
// the commit call needs. Safe to retry; every attempt mints a fresh receipt.
func (a *Activities) PrepareMessage(ctx context.Context, msg Message) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("mint receipt: %w", err)
	}
	receipt := fmt.Sprintf("rcpt-%d-%s", msg.Seq, id)
	activity.GetLogger(ctx).Debug("prepared message", "seq", msg.Seq, "receipt", receipt)
	return receipt, nil
}

// ApplyMessage commits a prepared message and returns the downstream
// outcome. The receipt keys the commit, so a retried apply lands on the same
// staged entry.
func (a *Activities) ApplyMessage(ctx context.Context, in ApplyInput) (string, error) {
	if in.Receipt == "" {
		return "", fmt.Errorf("message %d reached apply without a receipt", in.Message.Seq)
	}
	activity.GetLogger(ctx).Debug("applied message", "seq", in.Message.Seq, "receipt", in.Receipt)
	return fmt.Sprintf("message %d applied under %s", in.Message.Seq, in.Receipt), nil
}
