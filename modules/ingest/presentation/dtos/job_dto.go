package dtos

import (
	"time"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
)

type JobResponse struct {
	JobID            string          `json:"job_id"`
	OriginalFilename string          `json:"original_filename"`
	WorkbookType     string          `json:"workbook_type"`
	WorkbookName     string          `json:"workbook_name"`
	WorksheetName    string          `json:"worksheet_name"`
	FileSize         int64           `json:"file_size"`
	Status           string          `json:"status"`
	StatusMessage    string          `json:"status_message"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Result           *ResultResponse `json:"result,omitempty"`
}

type ResultResponse struct {
	TotalRows           int64               `json:"total_rows"`
	ProcessedRows       int64               `json:"processed_rows"`
	SuccessfulRows      int64               `json:"successful_rows"`
	RejectedRows        int64               `json:"rejected_rows"`
	NormalizedTableName string              `json:"normalized_table_name,omitempty"`
	RejectedRowsPath    string              `json:"rejected_rows_path,omitempty"`
	CoverageMetadata    map[string][]string `json:"coverage_metadata,omitempty"`
}

type EventResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type JobSummaryResponse struct {
	JobID               string    `json:"job_id"`
	OriginalFilename    string    `json:"original_filename"`
	WorksheetName       string    `json:"worksheet_name"`
	Status              string    `json:"status"`
	LatestMessage       string    `json:"latest_message"`
	ProcessedRows       *int64    `json:"processed_rows"`
	SuccessfulRows      *int64    `json:"successful_rows"`
	RejectedRows        *int64    `json:"rejected_rows"`
	NormalizedTableName string    `json:"normalized_table_name,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type EnqueueResponse struct {
	JobID    string             `json:"job_id"`
	Status   string             `json:"status"`
	Overlaps []pipeline.Overlap `json:"overlaps,omitempty"`
}

type OverlapConflictResponse struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Overlaps []pipeline.Overlap `json:"overlaps"`
}

func ToResultResponse(r *uploadjob.Result) *ResultResponse {
	if r == nil {
		return nil
	}
	return &ResultResponse{
		TotalRows:           r.TotalRows,
		ProcessedRows:       r.ProcessedRows,
		SuccessfulRows:      r.SuccessfulRows,
		RejectedRows:        r.RejectedRows,
		NormalizedTableName: r.NormalizedTableName,
		RejectedRowsPath:    r.RejectedRowsPath,
		CoverageMetadata:    r.CoverageMetadata,
	}
}

func ToJobResponse(d *services.JobDetail) *JobResponse {
	j := d.Job
	return &JobResponse{
		JobID:            j.ID.String(),
		OriginalFilename: j.OriginalFilename,
		WorkbookType:     j.WorkbookType,
		WorkbookName:     j.WorkbookName,
		WorksheetName:    j.WorksheetName,
		FileSize:         j.FileSize,
		Status:           string(j.Status),
		StatusMessage:    j.StatusMessage,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		Result:           ToResultResponse(d.Result),
	}
}

func ToEventResponses(events []*uploadjob.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{Status: string(ev.Status), Message: ev.Message, CreatedAt: ev.CreatedAt})
	}
	return out
}

func ToSummaryResponses(summaries []*uploadjob.Summary) []JobSummaryResponse {
	out := make([]JobSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, JobSummaryResponse{
			JobID:               s.ID.String(),
			OriginalFilename:    s.OriginalFilename,
			WorksheetName:       s.WorksheetName,
			Status:              string(s.Status),
			LatestMessage:       s.LatestMessage,
			ProcessedRows:       s.ProcessedRows,
			SuccessfulRows:      s.SuccessfulRows,
			RejectedRows:        s.RejectedRows,
			NormalizedTableName: s.NormalizedTableName,
			CreatedAt:           s.CreatedAt,
			UpdatedAt:           s.UpdatedAt,
		})
	}
	return out
}
