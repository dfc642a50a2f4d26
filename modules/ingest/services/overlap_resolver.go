package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// OverlapResolver finds stored records whose time range intersects a requested one.
type OverlapResolver struct {
	store OverlapStore
	log   *logrus.Entry
}

func NewOverlapResolver(store OverlapStore, log *logrus.Entry) *OverlapResolver {
	return &OverlapResolver{store: store, log: componentLogger(log, "overlap_resolver")}
}

func (r *OverlapResolver) check(table, column string) error {
	if !sqlident.Valid(column) {
		return fmt.Errorf("%w: time range column %q", pipeline.ErrUnsafeIdentifier, column)
	}
	if _, err := parseTable(table); err != nil {
		return err
	}
	return nil
}

// Find returns one Overlap per stored range intersecting any of ranges. An
// empty table or column disables the check.
func (r *OverlapResolver) Find(ctx context.Context, workbookType, table, column string, ranges []pipeline.TimeRange) ([]pipeline.Overlap, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(column) == "" || len(ranges) == 0 {
		return nil, nil
	}
	if err := r.check(table, column); err != nil {
		return nil, err
	}
	ident, _ := parseTable(table)

	var out []pipeline.Overlap
	for _, rng := range ranges {
		existing, err := r.store.Find(ctx, ident, column, rng)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			out = append(out, pipeline.Overlap{
				WorkbookType:    workbookType,
				TargetTable:     table,
				TimeRangeColumn: column,
				RequestedStart:  rng.Start,
				RequestedEnd:    rng.End,
				ExistingStart:   e.Start,
				ExistingEnd:     e.End,
				RecordID:        e.RecordID,
			})
		}
	}
	if len(out) > 0 {
		r.log.WithFields(logrus.Fields{"table": table, "column": column, "overlaps": len(out)}).Info("overlaps detected")
	}
	return out, nil
}

// Replace deletes stored records intersecting ranges and returns how many were removed.
func (r *OverlapResolver) Replace(ctx context.Context, table, column string, ranges []pipeline.TimeRange) (int64, error) {
	if err := r.check(table, column); err != nil {
		return 0, err
	}
	ident, _ := parseTable(table)
	var total int64
	for _, rng := range ranges {
		n, err := r.store.Delete(ctx, ident, column, rng)
		if err != nil {
			return total, err
		}
		total += n
	}
	r.log.WithFields(logrus.Fields{"table": table, "column": column, "deleted": total}).Info("overlapping records replaced")
	return total, nil
}

// OverlapSummary is the operator-facing description of overlaps.
func OverlapSummary(overlaps []pipeline.Overlap) string {
	return (&pipeline.OverlapConflictError{Overlaps: overlaps}).Summary()
}
