package jobqueue

import (
	"context"

	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

// Handler processes one delivery. A non-nil error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

type HandlerFunc func(ctx context.Context, d Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Publisher stores messages in the same transaction as the job row when the transport allows it.
type Publisher interface {
	Enqueue(ctx context.Context, tx repo.Tx, msg Message) (sequence int64, err error)
	Transactional() bool
}

// Consumer runs until ctx is cancelled, delivering messages to h.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}
