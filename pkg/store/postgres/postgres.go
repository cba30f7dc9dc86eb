// Package postgres implements the store against PostgreSQL via GORM.
// Mirrored records land in per-object tables named crm_<objecttype>,
// created on demand the first time an object type is mirrored.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/crmmirror/crmmirror/pkg/models"
	"github.com/crmmirror/crmmirror/pkg/store"
)

// Store is the PostgreSQL-backed store.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger

	mu            sync.Mutex
	ensuredTables map[string]bool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and returns a Store. Call Migrate before first
// use.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}

	return &Store{
		db:            db,
		logger:        logger,
		ensuredTables: make(map[string]bool),
	}, nil
}

// NewWithDB wraps an existing GORM handle, for tests and embedding.
func NewWithDB(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:            db,
		logger:        logger,
		ensuredTables: make(map[string]bool),
	}
}

// Migrate creates the supporting tables. Mirror tables are created
// lazily per object type.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.SyncTarget{},
		&models.SyncLogEntry{},
		&models.APICallLog{},
		&models.RateBudget{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MirrorTableName maps an object type to its mirror table.
func MirrorTableName(objectType string) string {
	return "crm_" + strings.ToLower(objectType)
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ApplyChange applies the record and its audit row in one transaction.
// CREATE, UPDATE and UNDELETE upsert by record id; DELETE removes the
// row and is a no-op when the row is already gone.
func (s *Store) ApplyChange(ctx context.Context, rec *models.ChangeRecord, entry *models.SyncLogEntry) error {
	table := MirrorTableName(rec.ObjectType)
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("unusable object type %q", rec.ObjectType)
	}

	if err := s.ensureMirrorTable(ctx, table); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch rec.Operation {
		case models.OperationDelete:
			if err := tx.Exec("DELETE FROM "+table+" WHERE id = ?", rec.RecordID).Error; err != nil {
				return fmt.Errorf("deleting %s %s: %w", rec.ObjectType, rec.RecordID, err)
			}
		default:
			row := mirrorRow(rec)
			if err := tx.Table(table).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.Assignments(updateAssignments(row)),
			}).Create(row).Error; err != nil {
				return fmt.Errorf("upserting %s %s: %w", rec.ObjectType, rec.RecordID, err)
			}
		}

		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("appending sync log: %w", err)
		}
		return nil
	})
}

// AppendSyncLog writes one audit row outside of any mirror change.
func (s *Store) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// AppendAPICallLog writes one call log row.
func (s *Store) AppendAPICallLog(ctx context.Context, entry *models.APICallLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListRealtimeEnabledObjects returns every sync target row.
func (s *Store) ListRealtimeEnabledObjects(ctx context.Context) ([]models.SyncTarget, error) {
	var targets []models.SyncTarget
	if err := s.db.WithContext(ctx).Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

// SaveSyncTarget inserts or updates one sync target.
func (s *Store) SaveSyncTarget(ctx context.Context, target models.SyncTarget) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "object_type"}},
		UpdateAll: true,
	}).Create(&target).Error
}

// LoadRateBudgets returns all persisted budgets.
func (s *Store) LoadRateBudgets(ctx context.Context) ([]models.RateBudget, error) {
	var budgets []models.RateBudget
	if err := s.db.WithContext(ctx).Find(&budgets).Error; err != nil {
		return nil, err
	}
	return budgets, nil
}

// SaveRateBudgets upserts the given budgets.
func (s *Store) SaveRateBudgets(ctx context.Context, budgets []models.RateBudget) error {
	if len(budgets) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_category"}, {Name: "window"}},
		UpdateAll: true,
	}).Create(&budgets).Error
}

// ensureMirrorTable creates the per-object mirror table on first use.
// The layout is deliberately loose: record identity plus the full
// document, so schema drift on the platform side never breaks writes.
func (s *Store) ensureMirrorTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensuredTables[table] {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		document JSONB NOT NULL DEFAULT '{}',
		source_timestamp TIMESTAMPTZ,
		synced_at TIMESTAMPTZ NOT NULL
	)`, table)

	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return fmt.Errorf("creating mirror table %s: %w", table, err)
	}

	s.ensuredTables[table] = true
	s.logger.Info().Str("table", table).Msg("mirror table ready")
	return nil
}

func mirrorRow(rec *models.ChangeRecord) map[string]any {
	doc, err := json.Marshal(rec.FieldValues)
	if err != nil {
		doc = []byte("{}")
	}
	return map[string]any{
		"id":               rec.RecordID,
		"document":         string(doc),
		"source_timestamp": rec.SourceTimestamp,
		"synced_at":        time.Now().UTC(),
	}
}

func updateAssignments(row map[string]any) map[string]any {
	assignments := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" {
			continue
		}
		assignments[k] = v
	}
	return assignments
}
