package persistence

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence/models"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
)

const sheetConfigSelectQuery = `
	SELECT
		workbook_type,
		sheet_name,
		staging_table,
		normalized_table,
		metadata_columns,
		required_columns,
		column_mappings,
		column_types,
		options
	FROM sheet_ingest_config
	ORDER BY id`

type SheetConfigRepository struct{}

func NewSheetConfigRepository() sheetconfig.Repository {
	return &SheetConfigRepository{}
}

func (r *SheetConfigRepository) All(ctx context.Context) ([]*sheetconfig.Config, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	rows, err := tx.Query(ctx, sheetConfigSelectQuery)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sheet_ingest_config")
	}
	defer rows.Close()

	var configs []*sheetconfig.Config
	for rows.Next() {
		var row models.SheetIngestConfig
		if err := rows.Scan(
			&row.WorkbookType,
			&row.SheetName,
			&row.StagingTable,
			&row.NormalizedTable,
			&row.MetadataColumns,
			&row.RequiredColumns,
			&row.ColumnMappings,
			&row.ColumnTypes,
			&row.Options,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan sheet_ingest_config row")
		}
		cfg, err := toDomainSheetConfig(&row)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read sheet_ingest_config")
	}
	return configs, nil
}
