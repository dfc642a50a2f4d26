package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
)

// loadMetadataColumns are appended to every staged CSV record, in this order.
var loadMetadataColumns = []string{
	sheetconfig.ColumnFileHash,
	sheetconfig.ColumnBatchID,
	sheetconfig.ColumnSourceYear,
	sheetconfig.ColumnIngestedAt,
}

type LoadMeta struct {
	FileHash   string
	BatchID    string
	SourceYear *int
	IngestedAt time.Time
}

type LoadOutcome struct {
	Rows      int64
	BatchID   string
	Duplicate bool
}

type StagingLoader struct {
	store StagingStore
	runTx TxRunner
	log   *logrus.Entry
}

func NewStagingLoader(store StagingStore, runTx TxRunner, log *logrus.Entry) *StagingLoader {
	if runTx == nil {
		runTx = composables.InTx
	}
	return &StagingLoader{store: store, runTx: runTx, log: componentLogger(log, "staging_loader")}
}

// Load streams the staged CSV into the staging table in one transaction. The
// CSV header must equal layout.Columns. A concurrent load of the same hash
// that commits first turns this one into a duplicate.
func (l *StagingLoader) Load(ctx context.Context, layout *StagingLayout, src io.Reader, meta LoadMeta) (*LoadOutcome, error) {
	if meta.BatchID == "" {
		meta.BatchID = uuid.NewString()
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}
	out := &LoadOutcome{BatchID: meta.BatchID}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to read staged CSV header")
	}
	if !equalColumns(header, layout.Columns) {
		return nil, fmt.Errorf("%w: got %v, want %v", pipeline.ErrHeaderMismatch, header, layout.Columns)
	}

	columns := append(append([]string(nil), layout.Columns...), loadMetadataColumns...)
	err = l.runTx(ctx, func(txCtx context.Context) error {
		ok, err := l.store.CanBulkLoad(txCtx, layout.Table)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", pipeline.ErrLocalLoadDisabled, layout.Table.Sanitize())
		}
		if err := l.store.LockHash(txCtx, meta.FileHash); err != nil {
			return err
		}
		seen, err := l.store.HashExists(txCtx, layout.Table, meta.FileHash)
		if err != nil {
			return err
		}
		if seen {
			out.Duplicate = true
			return nil
		}

		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(appendMetadata(reader, pw, len(layout.Columns), meta))
		}()
		n, err := l.store.Load(txCtx, layout.Table, columns, pr)
		_ = pr.CloseWithError(io.ErrClosedPipe)
		if err != nil {
			return err
		}
		if n == 0 {
			if n, err = l.store.CountByHash(txCtx, layout.Table, meta.FileHash); err != nil {
				return err
			}
		}
		if n == 0 {
			return pipeline.ErrEmptyLoad
		}
		out.Rows = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"table":     layout.Table.Sanitize(),
		"file_hash": meta.FileHash,
		"batch_id":  meta.BatchID,
		"rows":      out.Rows,
		"duplicate": out.Duplicate,
	}).Info("staging load finished")
	return out, nil
}

// appendMetadata re-encodes every remaining record padded to width with the
// load metadata appended.
func appendMetadata(r *csv.Reader, w io.Writer, width int, meta LoadMeta) error {
	year := ""
	if meta.SourceYear != nil {
		year = strconv.Itoa(*meta.SourceYear)
	}
	tail := []string{meta.FileHash, meta.BatchID, year, meta.IngestedAt.UTC().Format(time.RFC3339Nano)}

	cw := csv.NewWriter(w)
	record := make([]string, width+len(tail))
	copy(record[width:], tail)
	for {
		in, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to read staged CSV")
		}
		for i := 0; i < width; i++ {
			record[i] = ""
			if i < len(in) {
				record[i] = in[i]
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
