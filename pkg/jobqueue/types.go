package jobqueue

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const TopicProcessUpload = "ingest.process_upload"

// Message is the unit stored in the job queue. JobID is the idempotency key.
type Message struct {
	JobID   uuid.UUID       `json:"job_id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Meta is the stable delivery metadata.
type Meta struct {
	Queue    string
	Table    pgx.Identifier
	JobID    uuid.UUID
	Topic    string
	Sequence int64
	Attempts int
}

// Delivery is the unit handed to a Handler by a worker.
type Delivery struct {
	Meta    Meta
	Payload json.RawMessage
}
