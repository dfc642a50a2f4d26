package jobqueue

import (
	"fmt"

	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

var (
	ErrInvalidConfig  = serrors.NewError("JOBQUEUE_INVALID_CONFIG", "invalid job queue configuration", "")
	ErrInvalidMessage = serrors.NewError("JOBQUEUE_INVALID_MESSAGE", "invalid job queue message", "")
)

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

func validateMessage(msg Message) error {
	if msg.JobID == uuidZero() {
		return fmt.Errorf("%w: job_id is required", ErrInvalidMessage)
	}
	if msg.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidMessage)
	}
	return nil
}
