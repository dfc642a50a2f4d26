package services

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

const DefaultRejectedRowsDir = "uploads/rejected"

// RowCheck inspects one prepared row and returns a non-empty message when it fails.
type RowCheck func(row []any, columns []string) string

// RequireValues fails rows where any of cols is null or blank.
func RequireValues(cols ...string) RowCheck {
	return func(row []any, columns []string) string {
		var missing []string
		for _, want := range cols {
			for i, c := range columns {
				if c != want || i >= len(row) {
					continue
				}
				if isBlank(row[i]) {
					missing = append(missing, want)
				}
				break
			}
		}
		if len(missing) == 0 {
			return ""
		}
		return "missing value for " + strings.Join(missing, ", ")
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

type Validation struct {
	Prepared         *pipeline.Prepared
	RejectedRowsPath string
	Errors           []string
}

type Validator struct {
	dir string
	log *logrus.Entry
}

func NewValidator(rejectedDir string, log *logrus.Entry) *Validator {
	if strings.TrimSpace(rejectedDir) == "" {
		rejectedDir = DefaultRejectedRowsDir
	}
	return &Validator{dir: rejectedDir, log: componentLogger(log, "validator")}
}

// Validate runs checks over every accepted row. Failing rows join the coercion
// rejections; when jobID is set and anything was rejected, all rejections are
// written to <dir>/<jobID>.csv.
func (v *Validator) Validate(jobID string, prepared *pipeline.Prepared, checks ...RowCheck) (*Validation, error) {
	out := &pipeline.Prepared{
		Mappings:        prepared.Mappings,
		MetadataColumns: prepared.MetadataColumns,
		Columns:         prepared.Columns,
		Types:           prepared.Types,
		Rejected:        append([]pipeline.RejectedRow(nil), prepared.Rejected...),
	}
	for _, row := range prepared.Rows {
		var errs []string
		for _, check := range checks {
			if msg := check(row, prepared.Columns); msg != "" {
				errs = append(errs, msg)
			}
		}
		if len(errs) > 0 {
			out.Rejected = append(out.Rejected, pipeline.RejectedRow{Data: prepared.RowMap(row), Errors: errs})
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	res := &Validation{Prepared: out, Errors: out.Errors()}
	if jobID == "" || len(out.Rejected) == 0 {
		return res, nil
	}
	path, err := v.writeRejected(jobID, out.Rejected)
	if err != nil {
		return res, err
	}
	res.RejectedRowsPath = path
	v.log.WithFields(logrus.Fields{"job_id": jobID, "rejected": len(out.Rejected), "path": path}).Info("rejected rows written")
	return res, nil
}

func (v *Validator) writeRejected(jobID string, rejected []pipeline.RejectedRow) (string, error) {
	if err := os.MkdirAll(v.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create rejected rows directory: %w", err)
	}
	path := filepath.Join(v.dir, jobID+".csv")

	fieldSet := map[string]struct{}{}
	for _, r := range rejected {
		for k := range r.Data {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet)+1)
	for k := range fieldSet {
		if k != "errors" {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	fields = append(fields, "errors")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		_ = f.Close()
		return "", err
	}
	record := make([]string, len(fields))
	for _, r := range rejected {
		for i, k := range fields[:len(fields)-1] {
			record[i] = formatCell(r.Data[k])
		}
		record[len(fields)-1] = strings.Join(r.Errors, "; ")
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format(time.DateOnly)
		}
		return t.Format(time.RFC3339)
	case decimal.Decimal:
		return t.String()
	}
	return fmt.Sprint(v)
}
