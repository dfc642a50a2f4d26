package uploadjob

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

type Status string

const (
	StatusQueued     Status = "Queued"
	StatusParsing    Status = "Parsing"
	StatusValidating Status = "Validating"
	StatusLoaded     Status = "Loaded"
	StatusError      Status = "Error"
)

const (
	MessageQueued    = "Queued for processing"
	MessageDuplicate = "Duplicate upload detected"
	MessageSkipped   = "Upload skipped due to overlapping records"
)

var (
	ErrJobNotFound        = serrors.NewError("UPLOAD_JOB_NOT_FOUND", "upload job does not exist", "")
	ErrInvalidTransition  = serrors.NewError("UPLOAD_JOB_INVALID_TRANSITION", "invalid upload job status transition", "")
	ErrResultNotRecorded  = serrors.NewError("UPLOAD_JOB_RESULT_MISSING", "Cannot save rejected rows path before recording results", "")
	ErrUnknownStatusValue = serrors.NewError("UPLOAD_JOB_UNKNOWN_STATUS", "unknown upload job status", "")
)

// predecessors lists the states a job may be in when moving to the key state.
// Re-entry into the same non-terminal state is allowed for redelivered jobs.
var predecessors = map[Status][]Status{
	StatusQueued:     {StatusQueued},
	StatusParsing:    {StatusQueued, StatusParsing},
	StatusValidating: {StatusParsing, StatusValidating},
	StatusLoaded:     {StatusParsing, StatusValidating},
	StatusError:      {StatusQueued, StatusParsing, StatusValidating},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := predecessors[st]; !ok {
		return "", ErrUnknownStatusValue
	}
	return st, nil
}

// Predecessors returns the statuses from which a job may move to s.
func Predecessors(s Status) []Status {
	return append([]Status(nil), predecessors[s]...)
}

func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusLoaded || s == StatusError
}

type Job struct {
	ID               uuid.UUID
	OriginalFilename string
	StoredPath       string
	WorkbookType     string
	WorkbookName     string
	WorksheetName    string
	FileSize         int64
	Status           Status
	StatusMessage    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Event struct {
	ID        int64
	JobID     uuid.UUID
	Status    Status
	Message   string
	CreatedAt time.Time
}

type Result struct {
	JobID               uuid.UUID
	TotalRows           int64
	ProcessedRows       int64
	SuccessfulRows      int64
	RejectedRows        int64
	NormalizedTableName string
	RejectedRowsPath    string
	CoverageMetadata    map[string][]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (r *Result) CoverageJSON() (json.RawMessage, error) {
	if r.CoverageMetadata == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(r.CoverageMetadata)
}

// Summary is one row of the recent-uploads listing.
type Summary struct {
	Job
	LatestMessage       string
	ProcessedRows       *int64
	SuccessfulRows      *int64
	RejectedRows        *int64
	NormalizedTableName string
}

// StatusChanged is published on the event bus after every persisted transition.
type StatusChanged struct {
	JobID   uuid.UUID
	Status  Status
	Message string
	At      time.Time
}

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Transition(ctx context.Context, id uuid.UUID, to Status, message string) (*Event, error)
	RecordResults(ctx context.Context, result *Result) error
	SaveRejectedRowsPath(ctx context.Context, id uuid.UUID, path string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	Events(ctx context.Context, id uuid.UUID, limit int) ([]*Event, error)
	Result(ctx context.Context, id uuid.UUID) (*Result, error)
	ListRecent(ctx context.Context, limit int) ([]*Summary, error)
}
