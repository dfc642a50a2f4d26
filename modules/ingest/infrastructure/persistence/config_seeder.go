package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	jsondiff "github.com/wI2L/jsondiff"
	"gopkg.in/yaml.v3"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
)

const sheetConfigUpsertQuery = `
	INSERT INTO sheet_ingest_config (
		workbook_type,
		sheet_name,
		staging_table,
		normalized_table,
		metadata_columns,
		required_columns,
		column_mappings,
		column_types,
		options
	) VALUES (
		:workbook_type,
		:sheet_name,
		:staging_table,
		:normalized_table,
		CAST(:metadata_columns AS json),
		CAST(:required_columns AS json),
		CAST(:column_mappings AS json),
		CAST(:column_types AS json),
		CAST(:options AS json)
	)
	ON CONFLICT (workbook_type, sheet_name) DO UPDATE SET
		staging_table = EXCLUDED.staging_table,
		normalized_table = EXCLUDED.normalized_table,
		metadata_columns = EXCLUDED.metadata_columns,
		required_columns = EXCLUDED.required_columns,
		column_mappings = EXCLUDED.column_mappings,
		column_types = EXCLUDED.column_types,
		options = EXCLUDED.options,
		updated_at = now()`

// SeedSheet is one sheet entry in a YAML or TOML seed file.
type SeedSheet struct {
	WorkbookType       string                `yaml:"workbook_type" toml:"workbook_type"`
	SheetName          string                `yaml:"sheet_name" toml:"sheet_name"`
	StagingTable       string                `yaml:"staging_table" toml:"staging_table"`
	NormalizedTable    string                `yaml:"normalized_table" toml:"normalized_table"`
	MetadataColumns    []string              `yaml:"metadata_columns" toml:"metadata_columns"`
	RequiredColumns    []string              `yaml:"required_columns" toml:"required_columns"`
	ColumnMappings     []sheetconfig.Mapping `yaml:"column_mappings" toml:"column_mappings"`
	ColumnTypes        map[string]string     `yaml:"column_types" toml:"column_types"`
	RenameLastSubject  bool                  `yaml:"rename_last_subject" toml:"rename_last_subject"`
	TimeRangeColumn    string                `yaml:"time_range_column" toml:"time_range_column"`
	TimeRangeFormat    string                `yaml:"time_range_format" toml:"time_range_format"`
	OverlapTargetTable string                `yaml:"overlap_target_table" toml:"overlap_target_table"`
	ConflictResolution string                `yaml:"conflict_resolution" toml:"conflict_resolution"`
	RequiredValues     []string              `yaml:"required_values" toml:"required_values"`

	NormalizedMetadataColumns     []string          `yaml:"normalized_metadata_columns" toml:"normalized_metadata_columns"`
	ReservedSourceColumns         []string          `yaml:"reserved_source_columns" toml:"reserved_source_columns"`
	NormalizedColumnTypeOverrides map[string]string `yaml:"normalized_column_type_overrides" toml:"normalized_column_type_overrides"`
}

type SeedFile struct {
	Sheets []SeedSheet `yaml:"sheets" toml:"sheets"`
}

func (s SeedSheet) toConfig() (*sheetconfig.Config, error) {
	if strings.TrimSpace(s.SheetName) == "" {
		return nil, errors.New("sheet_name is required")
	}
	if strings.TrimSpace(s.StagingTable) == "" {
		return nil, errors.Errorf("sheet %q: staging_table is required", s.SheetName)
	}
	policy, err := sheetconfig.ParsePolicy(s.ConflictResolution)
	if err != nil {
		return nil, errors.Wrapf(err, "sheet %q", s.SheetName)
	}
	cfg := &sheetconfig.Config{
		WorkbookType:                  strings.TrimSpace(s.WorkbookType),
		SheetName:                     strings.TrimSpace(s.SheetName),
		StagingTable:                  strings.TrimSpace(s.StagingTable),
		NormalizedTable:               strings.TrimSpace(s.NormalizedTable),
		NormalizedTableExplicit:       strings.TrimSpace(s.NormalizedTable) != "",
		MetadataColumns:               s.MetadataColumns,
		RequiredColumns:               s.RequiredColumns,
		ColumnMappings:                s.ColumnMappings,
		ColumnTypes:                   s.ColumnTypes,
		NormalizedMetadataColumns:     s.NormalizedMetadataColumns,
		ReservedSourceColumns:         s.ReservedSourceColumns,
		NormalizedColumnTypeOverrides: s.NormalizedColumnTypeOverrides,
		OverlapTargetTable:            s.OverlapTargetTable,
		TimeRangeColumn:               s.TimeRangeColumn,
		TimeRangeFormat:               s.TimeRangeFormat,
		ConflictResolution:            policy,
		RenameLastSubject:             s.RenameLastSubject,
		RequiredValues:                s.RequiredValues,
	}
	if cfg.WorkbookType == "" {
		cfg.WorkbookType = sheetconfig.DefaultWorkbookType
	}
	return cfg, nil
}

// ParseSeed decodes a seed document. format is "yaml" or "toml".
func ParseSeed(data []byte, format string) ([]*sheetconfig.Config, error) {
	var file SeedFile
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML seed")
		}
	case "toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, errors.Wrap(err, "failed to parse TOML seed")
		}
	default:
		return nil, errors.Errorf("unsupported seed format %q", format)
	}
	configs := make([]*sheetconfig.Config, 0, len(file.Sheets))
	seen := map[sheetconfig.Key]struct{}{}
	for _, s := range file.Sheets {
		cfg, err := s.toConfig()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.Key()]; dup {
			return nil, errors.Errorf("duplicate seed entry %s", cfg.Key())
		}
		seen[cfg.Key()] = struct{}{}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadSeedFile reads a .yaml, .yml or .toml seed file.
func LoadSeedFile(path string) ([]*sheetconfig.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read seed file")
	}
	return ParseSeed(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// seedRow binds JSON columns as text so lib/pq does not send them as bytea.
type seedRow struct {
	WorkbookType    string  `db:"workbook_type"`
	SheetName       string  `db:"sheet_name"`
	StagingTable    string  `db:"staging_table"`
	NormalizedTable *string `db:"normalized_table"`
	MetadataColumns string  `db:"metadata_columns"`
	RequiredColumns string  `db:"required_columns"`
	ColumnMappings  string  `db:"column_mappings"`
	ColumnTypes     string  `db:"column_types"`
	Options         string  `db:"options"`
}

// ConfigSeeder upserts sheet configs through database/sql.
type ConfigSeeder struct {
	db  *sqlx.DB
	log *logrus.Entry
}

func NewConfigSeeder(db *sqlx.DB, log *logrus.Entry) *ConfigSeeder {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &ConfigSeeder{db: db, log: log.WithField("component", "config_seeder")}
}

// OpenSeederDB opens a lib/pq handle for the seeder.
func OpenSeederDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return db, nil
}

const sheetConfigSeedSelectQuery = `
	SELECT
		workbook_type,
		sheet_name,
		staging_table,
		normalized_table,
		metadata_columns::text AS metadata_columns,
		required_columns::text AS required_columns,
		column_mappings::text AS column_mappings,
		column_types::text AS column_types,
		options::text AS options
	FROM sheet_ingest_config
	WHERE workbook_type = $1 AND sheet_name = $2`

func seedRows(configs []*sheetconfig.Config) ([]seedRow, error) {
	rows := make([]seedRow, 0, len(configs))
	for _, cfg := range configs {
		m, err := toDBSheetConfig(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s", cfg.Key())
		}
		row := seedRow{
			WorkbookType:    m.WorkbookType,
			SheetName:       m.SheetName,
			StagingTable:    m.StagingTable,
			MetadataColumns: string(m.MetadataColumns),
			RequiredColumns: string(m.RequiredColumns),
			ColumnMappings:  string(m.ColumnMappings),
			ColumnTypes:     string(m.ColumnTypes),
			Options:         string(m.Options),
		}
		if m.NormalizedTable.Valid {
			row.NormalizedTable = &m.NormalizedTable.String
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rawJSON(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// document renders the row as one JSON object so two versions can be diffed.
func (r seedRow) document() ([]byte, error) {
	return json.Marshal(map[string]any{
		"staging_table":    r.StagingTable,
		"normalized_table": r.NormalizedTable,
		"metadata_columns": rawJSON(r.MetadataColumns),
		"required_columns": rawJSON(r.RequiredColumns),
		"column_mappings":  rawJSON(r.ColumnMappings),
		"column_types":     rawJSON(r.ColumnTypes),
		"options":          rawJSON(r.Options),
	})
}

const (
	ChangeCreate    = "create"
	ChangeUpdate    = "update"
	ChangeUnchanged = "unchanged"
)

// ConfigChange describes what Sync would do to one stored config.
type ConfigChange struct {
	WorkbookType string         `json:"workbook_type"`
	SheetName    string         `json:"sheet_name"`
	Action       string         `json:"action"`
	Patch        jsondiff.Patch `json:"patch,omitempty"`
}

// Diff compares configs with the stored rows without writing anything. Updates
// carry the JSON patch from the stored version to the seed version.
func (s *ConfigSeeder) Diff(ctx context.Context, configs []*sheetconfig.Config) ([]ConfigChange, error) {
	rows, err := seedRows(configs)
	if err != nil {
		return nil, err
	}
	changes := make([]ConfigChange, 0, len(rows))
	for _, row := range rows {
		change := ConfigChange{WorkbookType: row.WorkbookType, SheetName: row.SheetName}
		var stored seedRow
		err := s.db.GetContext(ctx, &stored, sheetConfigSeedSelectQuery, row.WorkbookType, row.SheetName)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			change.Action = ChangeCreate
			changes = append(changes, change)
			continue
		case err != nil:
			return nil, errors.Wrapf(err, "failed to read %s/%s", row.WorkbookType, row.SheetName)
		}

		before, err := stored.document()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode stored %s/%s", row.WorkbookType, row.SheetName)
		}
		after, err := row.document()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s/%s", row.WorkbookType, row.SheetName)
		}
		patch, err := jsondiff.CompareJSON(before, after)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to diff %s/%s", row.WorkbookType, row.SheetName)
		}
		change.Action = ChangeUnchanged
		if len(patch) > 0 {
			change.Action = ChangeUpdate
			change.Patch = patch
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// Sync upserts every config in one transaction and returns how many were written.
func (s *ConfigSeeder) Sync(ctx context.Context, configs []*sheetconfig.Config) (int, error) {
	rows, err := seedRows(configs)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, sheetConfigUpsertQuery, row); err != nil {
			return 0, errors.Wrapf(err, "failed to upsert %s/%s", row.WorkbookType, row.SheetName)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit sheet config seed")
	}
	s.log.WithField("configs", len(rows)).Info("sheet configuration synced")
	return len(rows), nil
}
