package database

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaVersion is the schema version the running code expects.
const SchemaVersion = 6

// Config holds database configuration
type Config struct {
	Driver   string // "sqlite" or "postgres"
	Path     string // sqlite database file
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	// AllowUpgrade permits running migrations when the stored schema
	// version is older than SchemaVersion.
	AllowUpgrade bool
}

// Connect opens the database, runs migrations and checks the schema version.
func Connect(cfg Config) (*gorm.DB, error) {
	var gormLogger logger.Interface
	switch cfg.LogLevel {
	case "silent":
		gormLogger = logger.Default.LogMode(logger.Silent)
	case "error":
		gormLogger = logger.Default.LogMode(logger.Error)
	case "warn":
		gormLogger = logger.Default.LogMode(logger.Warn)
	default:
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "index.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", errs.ErrBadRequest, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// The index is single-writer: one transaction at a time holds the
	// process-wide mutex, so one connection is enough for sqlite.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	if cfg.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := checkSchemaVersion(db, cfg.AllowUpgrade); err != nil {
		return nil, err
	}

	log.Info().Str("driver", cfg.Driver).Msg("Database connected and migrated")
	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Resource{},
		&models.Metadata{},
		&models.AttachedFile{},
		&models.MainDicomTag{},
		&models.DicomIdentifier{},
		&models.Change{},
		&models.PatientRecyclingOrder{},
		&models.GlobalProperty{},
		&models.Modality{},
		&models.Peer{},
	)
}

// checkSchemaVersion gates startup on the stored DatabaseSchemaVersion: a
// newer database always fails, an older one fails unless upgrades are
// allowed.
func checkSchemaVersion(db *gorm.DB, allowUpgrade bool) error {
	var prop models.GlobalProperty
	err := db.First(&prop, "property = ?", models.PropertyDatabaseSchemaVersion).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Fresh database.
		prop = models.GlobalProperty{
			Property: models.PropertyDatabaseSchemaVersion,
			Value:    strconv.Itoa(SchemaVersion),
		}
		return db.Create(&prop).Error
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}

	stored, err := strconv.Atoi(prop.Value)
	if err != nil {
		return fmt.Errorf("%w: invalid schema version %q", errs.ErrDatabase, prop.Value)
	}

	switch {
	case stored == SchemaVersion:
		return nil
	case stored > SchemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d",
			errs.ErrIncompatibleDatabase, stored, SchemaVersion)
	case !allowUpgrade:
		return fmt.Errorf("%w: database has version %d, expected %d (upgrade forbidden)",
			errs.ErrIncompatibleDatabase, stored, SchemaVersion)
	default:
		return upgradeSchema(db, stored)
	}
}

// upgradeSchema applies the migrations between the stored version and
// SchemaVersion. AutoMigrate already reconciled columns; the explicit steps
// only cover data rewrites.
func upgradeSchema(db *gorm.DB, from int) error {
	for v := from; v < SchemaVersion; v++ {
		log.Warn().Int("from", v).Int("to", v+1).Msg("Upgrading database schema")
		if step, ok := migrations[v]; ok {
			if err := step(db); err != nil {
				return fmt.Errorf("%w: migration %d -> %d: %v", errs.ErrDatabase, v, v+1, err)
			}
		}
	}
	return db.Model(&models.GlobalProperty{}).
		Where("property = ?", models.PropertyDatabaseSchemaVersion).
		Update("value", strconv.Itoa(SchemaVersion)).Error
}

// migrations maps a schema version to the step bringing it to the next one.
var migrations = map[int]func(*gorm.DB) error{}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
