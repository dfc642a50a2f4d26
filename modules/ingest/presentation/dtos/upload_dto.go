package dtos

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/form"
	"github.com/go-playground/validator/v10"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/constants"
	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

const dateLayout = "2006-01-02"

var decoder = form.NewDecoder()

// EnqueueUploadDTO holds the non-file fields of a multipart upload.
type EnqueueUploadDTO struct {
	Sheet               string   `form:"sheet" validate:"required,max=255"`
	WorkbookType        string   `form:"workbook_type" validate:"omitempty,max=64"`
	WorkbookName        string   `form:"workbook_name" validate:"omitempty,max=255"`
	SourceYear          *int     `form:"source_year" validate:"omitempty,gte=1900,lte=2200"`
	BatchID             string   `form:"batch_id" validate:"omitempty,max=64"`
	ConflictResolution  string   `form:"conflict_resolution" validate:"omitempty,oneof=append replace skip"`
	OverlapAcknowledged bool     `form:"overlap_acknowledged"`
	TimeRangeStart      []string `form:"time_range_start" validate:"omitempty,dive,datetime=2006-01-02"`
	TimeRangeEnd        []string `form:"time_range_end" validate:"omitempty,dive,datetime=2006-01-02"`
}

// DecodeEnqueueUpload reads the DTO from multipart or urlencoded form values.
func DecodeEnqueueUpload(values url.Values) (*EnqueueUploadDTO, error) {
	dto := &EnqueueUploadDTO{}
	if err := decoder.Decode(dto, values); err != nil {
		return nil, fmt.Errorf("invalid form fields: %w", err)
	}
	dto.Sheet = strings.TrimSpace(dto.Sheet)
	dto.WorkbookType = strings.TrimSpace(dto.WorkbookType)
	return dto, nil
}

func message(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", err.Field(), err.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 1900 and 2200", err.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
	case "datetime":
		return fmt.Sprintf("%s must be a date in YYYY-MM-DD format", err.Field())
	default:
		return fmt.Sprintf("%s is invalid", err.Field())
	}
}

func (dto *EnqueueUploadDTO) Ok() (serrors.ValidationErrors, bool) {
	errorMessages := serrors.ValidationErrors{}
	if errs := constants.Validate.Struct(dto); errs != nil {
		var fieldErrs validator.ValidationErrors
		if ve, ok := errs.(validator.ValidationErrors); ok {
			fieldErrs = ve
		}
		for _, err := range fieldErrs {
			if _, seen := errorMessages[err.Field()]; !seen {
				errorMessages[err.Field()] = message(err)
			}
		}
	}
	if len(dto.TimeRangeStart) != len(dto.TimeRangeEnd) {
		errorMessages["TimeRangeEnd"] = "TimeRangeStart and TimeRangeEnd must have the same number of values"
	}
	return errorMessages, len(errorMessages) == 0
}

// TimeRanges pairs the start and end dates. Call after Ok.
func (dto *EnqueueUploadDTO) TimeRanges() ([]pipeline.TimeRange, error) {
	ranges := make([]pipeline.TimeRange, 0, len(dto.TimeRangeStart))
	for i := range dto.TimeRangeStart {
		start, err := time.Parse(dateLayout, dto.TimeRangeStart[i])
		if err != nil {
			return nil, err
		}
		end, err := time.Parse(dateLayout, dto.TimeRangeEnd[i])
		if err != nil {
			return nil, err
		}
		if end.Before(start) {
			start, end = end, start
		}
		ranges = append(ranges, pipeline.TimeRange{Start: start, End: end})
	}
	return ranges, nil
}

// ToRequest builds the enqueue request for a workbook already saved at storedPath.
func (dto *EnqueueUploadDTO) ToRequest(storedPath, originalFilename string, size int64) (services.EnqueueRequest, error) {
	ranges, err := dto.TimeRanges()
	if err != nil {
		return services.EnqueueRequest{}, err
	}
	policy, err := sheetconfig.ParsePolicy(dto.ConflictResolution)
	if err != nil {
		return services.EnqueueRequest{}, err
	}
	if strings.TrimSpace(dto.ConflictResolution) == "" {
		policy = ""
	}
	return services.EnqueueRequest{
		WorkbookPath:        storedPath,
		OriginalFilename:    originalFilename,
		Sheet:               dto.Sheet,
		WorkbookType:        dto.WorkbookType,
		WorkbookName:        dto.WorkbookName,
		SourceYear:          dto.SourceYear,
		BatchID:             strings.TrimSpace(dto.BatchID),
		TimeRanges:          ranges,
		ConflictResolution:  policy,
		OverlapAcknowledged: dto.OverlapAcknowledged,
		FileSize:            &size,
	}, nil
}
