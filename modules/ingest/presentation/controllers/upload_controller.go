package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/storage"
	"github.com/iota-uz/sheet-ingest/modules/ingest/presentation/dtos"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/httpapi"
	"github.com/iota-uz/sheet-ingest/pkg/middleware"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	multipartMemory  = 32 << 20
	// Bodies may exceed the file size limit by this much so the limit is
	// recorded against a job instead of failing the request.
	bodySlack = 10 << 20
)

type uploadService interface {
	Enqueue(ctx context.Context, req services.EnqueueRequest) (*services.EnqueueResult, error)
	GetJob(ctx context.Context, id uuid.UUID) (*services.JobDetail, error)
	ListJobEvents(ctx context.Context, id uuid.UUID, limit int) ([]*uploadjob.Event, error)
	ListRecentJobs(ctx context.Context, limit int) ([]*uploadjob.Summary, error)
}

type UploadControllerOptions struct {
	BasePath string
	// MaxBodyBytes caps request bodies; 0 leaves them unbounded.
	MaxBodyBytes int64
	// RateLimit is the per-IP POST budget per minute; 0 disables it.
	RateLimit int64
}

type UploadController struct {
	uploads  uploadService
	storage  *storage.FileStorage
	basePath string
	opts     UploadControllerOptions
}

func NewUploadController(app application.Application, opts UploadControllerOptions) application.Controller {
	return newUploadController(
		app.Service(services.JobRunner{}).(*services.JobRunner),
		app.Service(storage.FileStorage{}).(*storage.FileStorage),
		opts,
	)
}

func newUploadController(uploads uploadService, files *storage.FileStorage, opts UploadControllerOptions) *UploadController {
	if opts.BasePath == "" {
		opts.BasePath = "/uploads"
	}
	if opts.MaxBodyBytes > 0 {
		opts.MaxBodyBytes += bodySlack
	}
	return &UploadController{uploads: uploads, storage: files, basePath: opts.BasePath, opts: opts}
}

func (c *UploadController) Key() string {
	return c.basePath
}

func (c *UploadController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()

	traced := func(name string, h http.Handler) http.Handler {
		return middleware.TracedMiddleware("uploads." + name)(h)
	}
	router.Handle("", traced("create", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerPeriod: c.opts.RateLimit,
	})(http.HandlerFunc(c.Create)))).Methods(http.MethodPost)
	router.Handle("", traced("list", http.HandlerFunc(c.List))).Methods(http.MethodGet)
	router.Handle("/{id}", traced("get", http.HandlerFunc(c.Get))).Methods(http.MethodGet)
	router.Handle("/{id}/events", traced("events", http.HandlerFunc(c.Events))).Methods(http.MethodGet)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	meta := map[string]string{}
	if id := middleware.RequestID(r.Context()); id != "" {
		meta["request_id"] = id
	}
	if len(meta) == 0 {
		meta = nil
	}
	_ = httpapi.WriteError(w, status, code, message, meta)
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (c *UploadController) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_JOB_ID", "job id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (c *UploadController) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, uploadjob.ErrJobNotFound) {
		writeAPIError(w, r, http.StatusNotFound, "UPLOAD_JOB_NOT_FOUND", "upload job does not exist")
		return
	}
	composables.UseLogger(r.Context()).WithError(err).Error("upload job lookup failed")
	writeAPIError(w, r, http.StatusInternalServerError, "INGEST_INTERNAL", "internal server error")
}

// Create stores the uploaded workbook and enqueues a job for it.
func (c *UploadController) Create(w http.ResponseWriter, r *http.Request) {
	logger := composables.UseLogger(r.Context())
	if c.opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, c.opts.MaxBodyBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, r, http.StatusRequestEntityTooLarge, "INGEST_BODY_TOO_LARGE", "request body is too large")
			return
		}
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_BODY", "expected a multipart/form-data body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_FILE_REQUIRED", "file is required")
		return
	}
	defer file.Close()

	if err := storage.ValidateExtension(header.Filename); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_UNSUPPORTED_FILE", err.Error())
		return
	}

	dto, err := dtos.DecodeEnqueueUpload(r.MultipartForm.Value)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_BODY", err.Error())
		return
	}
	if errs, ok := dto.Ok(); !ok {
		_ = httpapi.WriteValidationErrors(w, errs)
		return
	}

	stored, size, err := c.storage.Save(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedType) {
			writeAPIError(w, r, http.StatusBadRequest, "INGEST_UNSUPPORTED_FILE", err.Error())
			return
		}
		logger.WithError(err).Error("failed to store upload")
		writeAPIError(w, r, http.StatusInternalServerError, "INGEST_INTERNAL", "failed to store upload")
		return
	}

	req, err := dto.ToRequest(stored, header.Filename, size)
	if err != nil {
		_ = c.storage.Remove(stored)
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_BODY", err.Error())
		return
	}

	res, err := c.uploads.Enqueue(r.Context(), req)
	var overlapErr *pipeline.OverlapConflictError
	var limitErr *pipeline.LimitError
	switch {
	case err == nil:
		_ = httpapi.WriteJSON(w, http.StatusAccepted, dtos.EnqueueResponse{
			JobID:    res.JobID.String(),
			Status:   string(uploadjob.StatusQueued),
			Overlaps: res.Overlaps,
		})
	case errors.As(err, &overlapErr):
		_ = c.storage.Remove(stored)
		_ = httpapi.WriteJSON(w, http.StatusConflict, dtos.OverlapConflictResponse{
			Code:     "INGEST_OVERLAP_CONFLICT",
			Message:  overlapErr.Summary(),
			Overlaps: overlapErr.Overlaps,
		})
	case errors.As(err, &limitErr):
		meta := map[string]string{}
		if res != nil {
			meta["job_id"] = res.JobID.String()
		}
		_ = httpapi.WriteError(w, http.StatusBadRequest, "INGEST_LIMIT_EXCEEDED", limitErr.Message, meta)
	default:
		if res == nil {
			_ = c.storage.Remove(stored)
		}
		logger.WithError(err).Error("failed to enqueue upload")
		writeAPIError(w, r, http.StatusInternalServerError, "INGEST_INTERNAL", "failed to enqueue upload")
	}
}

func (c *UploadController) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_QUERY", "limit must be a positive integer")
		return
	}
	jobs, err := c.uploads.ListRecentJobs(r.Context(), limit)
	if err != nil {
		c.writeLookupError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"jobs": dtos.ToSummaryResponses(jobs)})
}

func (c *UploadController) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	detail, err := c.uploads.GetJob(r.Context(), id)
	if err != nil {
		c.writeLookupError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.ToJobResponse(detail))
}

func (c *UploadController) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := c.jobID(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeAPIError(w, r, http.StatusBadRequest, "INGEST_INVALID_QUERY", "limit must be a positive integer")
		return
	}
	events, err := c.uploads.ListJobEvents(r.Context(), id, limit)
	if err != nil {
		c.writeLookupError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"job_id": id.String(),
		"events": dtos.ToEventResponses(events),
	})
}
