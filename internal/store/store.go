// Package store persists callers, usage records and the model table with
// gorm. SQLite (pure Go, via gormlite) serves single-node deployments and
// tests; MySQL serves shared ones.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3/gormlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	// Embedded SQLite build for gormlite.
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/pkg/metering"
	"github.com/jmylchreest/llmgate/pkg/model/registry"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects the database.
type Config struct {
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite mysql"`
	DSN    string `mapstructure:"dsn" json:"dsn" yaml:"dsn" validate:"required"`
	// Debug logs every statement.
	Debug bool `mapstructure:"debug" json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Store is the gorm-backed implementation of metering.Store,
// metering.BalanceReader and registry.Source.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

var (
	_ metering.Store         = (*Store)(nil)
	_ metering.BalanceReader = (*Store)(nil)
	_ registry.Source        = (*Store)(nil)
)

// Open connects to the configured database. It does not migrate.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverSQLite:
		dialector = gormlite.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := gormlogger.Silent
	if cfg.Debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver != DriverMySQL {
		// SQLite allows one writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db, log: logger.Component("store")}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Caller{}, &UsageRecord{}, &Model{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Callers ---

// SetCaller creates or replaces a caller. A nil limit makes the caller
// unmetered; otherwise the remaining balance is reset to the limit.
func (s *Store) SetCaller(ctx context.Context, id, name string, limit *float64) (*Caller, error) {
	c := Caller{ID: id, Name: name, CreditLimit: limit}
	if limit != nil {
		remaining := *limit
		c.Remaining = &remaining
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "credit_limit", "remaining", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return nil, fmt.Errorf("set caller %s: %w", id, err)
	}
	return s.Caller(ctx, id)
}

// Caller returns one caller.
func (s *Store) Caller(ctx context.Context, id string) (*Caller, error) {
	var c Caller
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, metering.ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get caller %s: %w", id, err)
	}
	return &c, nil
}

// Callers returns every caller ordered by id.
func (s *Store) Callers(ctx context.Context) ([]Caller, error) {
	var callers []Caller
	if err := s.db.WithContext(ctx).Order("id").Find(&callers).Error; err != nil {
		return nil, fmt.Errorf("list callers: %w", err)
	}
	return callers, nil
}

// Balance implements metering.BalanceReader.
func (s *Store) Balance(ctx context.Context, callerID string) (metering.Balance, error) {
	c, err := s.Caller(ctx, callerID)
	if err != nil {
		return metering.Balance{}, err
	}
	return metering.Balance{Limit: c.CreditLimit, Remaining: c.Remaining}, nil
}

// DecrementBalance implements metering.Store. The update is a single
// statement, so concurrent charges never lose an update. Unmetered and
// unknown callers are left untouched.
func (s *Store) DecrementBalance(ctx context.Context, callerID string, amount float64) error {
	err := s.db.WithContext(ctx).
		Model(&Caller{}).
		Where("id = ? AND remaining IS NOT NULL", callerID).
		Update("remaining", gorm.Expr("CASE WHEN remaining > ? THEN remaining - ? ELSE 0 END", amount, amount)).
		Error
	if err != nil {
		return fmt.Errorf("decrement balance for %s: %w", callerID, err)
	}
	return nil
}

// --- Usage ---

// CreateUsageRecord implements metering.Store.
func (s *Store) CreateUsageRecord(ctx context.Context, rec metering.Record) (metering.Record, error) {
	row := usageRow(rec)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return metering.Record{}, fmt.Errorf("create usage record: %w", err)
	}
	return row.record(), nil
}

// Usage returns a caller's most recent usage records, newest first. A
// limit of zero returns all of them.
func (s *Store) Usage(ctx context.Context, callerID string, limit int) ([]metering.Record, error) {
	q := s.db.WithContext(ctx).Where("caller_id = ?", callerID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []UsageRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list usage for %s: %w", callerID, err)
	}
	out := make([]metering.Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// UsageTotals sums a caller's usage.
func (s *Store) UsageTotals(ctx context.Context, callerID string) (Totals, error) {
	var t Totals
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("COUNT(*) AS calls, COALESCE(SUM(input_tokens), 0) AS input_tokens, " +
			"COALESCE(SUM(output_tokens), 0) AS output_tokens, COALESCE(SUM(cost), 0) AS cost").
		Where("caller_id = ?", callerID).
		Scan(&t).Error
	if err != nil {
		return Totals{}, fmt.Errorf("sum usage for %s: %w", callerID, err)
	}
	return t, nil
}

// --- Models ---

// UpsertModels inserts or replaces registry entries.
func (s *Store) UpsertModels(ctx context.Context, models ...registry.ModelInfo) error {
	if len(models) == 0 {
		return nil
	}
	rows := make([]Model, len(models))
	for i, m := range models {
		rows[i] = modelRow(m)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert models: %w", err)
	}
	s.log.DebugContext(ctx, "models upserted", "count", len(rows))
	return nil
}

// DeleteModel removes a registry entry.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Model{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete model %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", registry.ErrModelNotFound, id)
	}
	return nil
}

// LoadModels implements registry.Source.
func (s *Store) LoadModels(ctx context.Context) ([]registry.ModelInfo, error) {
	var rows []Model
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	out := make([]registry.ModelInfo, len(rows))
	for i, r := range rows {
		out[i] = r.info()
	}
	return out, nil
}
