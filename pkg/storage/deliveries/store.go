package deliveries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinelhooks/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DefaultTable     = "sentinelhooks_deliveries"
	defaultListLimit = 50
	maxListLimit     = 500
)

// Config mirrors the storage configuration for the deliveries table.
type Config struct {
	Driver      string
	DSN         string
	Dialect     string
	Table       string
	AutoMigrate bool
}

// Store implements storage.DeliveryStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	DeliveryID string    `gorm:"column:delivery_id;size:128;not null;uniqueIndex:idx_delivery_id"`
	Provider   string    `gorm:"column:provider;size:32;not null"`
	Event      string    `gorm:"column:event;size:64;index:idx_delivery_event"`
	Outcome    string    `gorm:"column:outcome;size:32;index:idx_delivery_outcome"`
	StatusCode int       `gorm:"column:status_code"`
	Message    string    `gorm:"column:message;size:255"`
	Repository string    `gorm:"column:repository;size:255;index:idx_delivery_repository"`
	CommitSHA  string    `gorm:"column:commit_sha;size:64"`
	JobID      string    `gorm:"column:job_id;size:384"`
	Priority   int       `gorm:"column:priority"`
	SourceIP   string    `gorm:"column:source_ip;size:64"`
	Error      string    `gorm:"column:error;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed deliveries store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		driver = normalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	store := &Store{
		db:    gormDB,
		table: table,
	}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordDelivery inserts a delivery, or updates it when GitHub redelivers
// the same delivery id.
func (s *Store) RecordDelivery(ctx context.Context, record storage.DeliveryRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.DeliveryID == "" {
		return errors.New("delivery id is required")
	}
	if record.Provider == "" {
		return errors.New("provider is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "delivery_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"event", "outcome", "status_code", "message", "repository",
				"commit_sha", "job_id", "priority", "source_ip", "error", "updated_at",
			}),
		}).
		Create(&data).Error
}

// GetDelivery returns nil when the delivery is unknown.
func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*storage.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// ListDeliveries returns the newest deliveries matching filter.
func (s *Store) ListDeliveries(ctx context.Context, filter storage.DeliveryFilter) ([]storage.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	query := s.tableDB().WithContext(ctx)
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.Event != "" {
		query = query.Where("event = ?", filter.Event)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	if filter.Repository != "" {
		query = query.Where("repository = ?", filter.Repository)
	}

	var data []row
	err := query.
		Order("created_at desc").
		Order("id desc").
		Limit(listLimit(filter.Limit)).
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.DeliveryRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.DeliveryRecord) row {
	return row{
		DeliveryID: record.DeliveryID,
		Provider:   record.Provider,
		Event:      record.Event,
		Outcome:    record.Outcome,
		StatusCode: record.StatusCode,
		Message:    record.Message,
		Repository: record.Repository,
		CommitSHA:  record.CommitSHA,
		JobID:      record.JobID,
		Priority:   record.Priority,
		SourceIP:   record.SourceIP,
		Error:      record.Error,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}

func fromRow(data row) storage.DeliveryRecord {
	return storage.DeliveryRecord{
		DeliveryID: data.DeliveryID,
		Provider:   data.Provider,
		Event:      data.Event,
		Outcome:    data.Outcome,
		StatusCode: data.StatusCode,
		Message:    data.Message,
		Repository: data.Repository,
		CommitSHA:  data.CommitSHA,
		JobID:      data.JobID,
		Priority:   data.Priority,
		SourceIP:   data.SourceIP,
		Error:      data.Error,
		CreatedAt:  data.CreatedAt,
		UpdatedAt:  data.UpdatedAt,
	}
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
