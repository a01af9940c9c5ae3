package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CollectionDocument is one persisted collection stored in PostgreSQL.
type CollectionDocument struct {
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	Name      string    `gorm:"primaryKey"`
	Body      string    `gorm:"type:text;not null"`
	Features  int       `gorm:"not null"`
}

// TableName specifies the table name for CollectionDocument.
func (CollectionDocument) TableName() string {
	return "beacon_collections"
}

// GormConfig holds the PostgreSQL configuration for a GormStore.
type GormConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// DSN returns the connection string for cfg.
func (cfg *GormConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}

// GormStore persists collections as rows of the beacon_collections table.
type GormStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewGormStore connects to PostgreSQL and migrates the collections table.
func NewGormStore(cfg *GormConfig) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// A single writer saves two documents per accepted record.
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	return NewGormStoreFromDB(db, cfg.Logger)
}

// NewGormStoreFromDB wraps an open connection and migrates the collections table.
func NewGormStoreFromDB(db *gorm.DB, l *slog.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if l == nil {
		return nil, errors.New("logger cannot be nil")
	}

	l.Info("running database migrations")
	if err := db.AutoMigrate(&CollectionDocument{}); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}
	l.Info("database migrations completed successfully")

	return &GormStore{logger: l, db: db}, nil
}

// Load reads a collection document.
func (g *GormStore) Load(ctx context.Context, name Collection) (*FeatureCollection, error) {
	var doc CollectionDocument
	err := g.db.WithContext(ctx).First(&doc, "name = ?", string(name)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	var fc FeatureCollection
	if err := json.Unmarshal([]byte(doc.Body), &fc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
	}
	return &fc, nil
}

// Save upserts a collection document.
func (g *GormStore) Save(ctx context.Context, name Collection, fc *FeatureCollection) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	doc := &CollectionDocument{
		Name:     string(name),
		Body:     string(data),
		Features: len(fc.Features),
	}

	err = g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "features", "updated_at"}),
		}).
		Create(doc).Error
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}

	return nil
}

// Close closes the database connection.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	g.logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
