// Package config loads the server configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig
	Dicom    DicomConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Jobs     JobsConfig
	Cache    CacheConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DicomConfig struct {
	// AET is the application entity title this server answers to.
	AET    string
	Port   int
	MaxPDU int

	// ScuTimeout bounds every outgoing DIMSE exchange.
	ScuTimeout time.Duration

	// SynchronousCMove serves C-MOVE sub-operations on the incoming
	// association's thread; when false a job is submitted instead.
	SynchronousCMove bool

	// QueryArchiveSize bounds the archive of remote query answers.
	QueryArchiveSize int
}

type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	AllowUpgrade bool
}

type StorageConfig struct {
	Directory string

	// MaxSize caps the total compressed size in bytes; 0 disables the
	// quota. MaxPatientCount caps the patient count the same way.
	MaxSize         int64
	MaxPatientCount int64

	// Compress stores attachments zlib-compressed.
	Compress bool

	// OverwriteInstances replaces an already stored instance instead of
	// keeping the first version.
	OverwriteInstances bool
}

type JobsConfig struct {
	Workers       int
	FlushInterval time.Duration
}

type CacheConfig struct {
	Enabled bool
	Type    string // "memory" or "redis"
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads the configuration. A .env file is honored when present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         env("HTTP_HOST", ""),
			Port:         envInt("HTTP_PORT", 8042),
			ReadTimeout:  envDuration("HTTP_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: envDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		},
		Dicom: DicomConfig{
			AET:              env("DICOM_AET", "ARCHIVE"),
			Port:             envInt("DICOM_PORT", 4242),
			MaxPDU:           envInt("DICOM_MAX_PDU", 16384),
			ScuTimeout:       envDuration("DICOM_SCU_TIMEOUT", 30*time.Second),
			SynchronousCMove: envBool("SYNCHRONOUS_CMOVE", true),
			QueryArchiveSize: envInt("QUERY_ARCHIVE_SIZE", 100),
		},
		Database: DatabaseConfig{
			Driver:       env("DB_DRIVER", "sqlite"),
			Path:         env("DB_PATH", "index.db"),
			Host:         env("DB_HOST", "localhost"),
			Port:         envInt("DB_PORT", 5432),
			User:         env("DB_USER", "archive"),
			Password:     env("DB_PASSWORD", ""),
			DBName:       env("DB_NAME", "archive"),
			SSLMode:      env("DB_SSLMODE", "disable"),
			LogLevel:     env("DB_LOG_LEVEL", "warn"),
			AllowUpgrade: envBool("DB_ALLOW_UPGRADE", true),
		},
		Storage: StorageConfig{
			Directory:          env("STORAGE_DIR", "storage"),
			MaxSize:            envInt64("MAX_STORAGE_SIZE", 0),
			MaxPatientCount:    envInt64("MAX_PATIENT_COUNT", 0),
			Compress:           envBool("STORAGE_COMPRESSION", false),
			OverwriteInstances: envBool("OVERWRITE_INSTANCES", false),
		},
		Jobs: JobsConfig{
			Workers:       envInt("JOBS_WORKERS", 2),
			FlushInterval: envDuration("JOBS_FLUSH_INTERVAL", 10*time.Second),
		},
		Cache: CacheConfig{
			Enabled: envBool("CACHE_ENABLED", true),
			Type:    env("CACHE_TYPE", "memory"),
			TTL:     envDuration("CACHE_TTL", time.Minute),
		},
		Redis: RedisConfig{
			Host:     env("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: env("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: envList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: envList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "Authorization"}),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("METRICS_ENABLED", true),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", "json"),
		},
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Dicom.AET == "" || len(c.Dicom.AET) > 16 {
		return fmt.Errorf("DICOM_AET must be 1 to 16 characters")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT %d is out of range", c.Server.Port)
	}
	if c.Dicom.Port <= 0 || c.Dicom.Port > 65535 {
		return fmt.Errorf("DICOM_PORT %d is out of range", c.Dicom.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER %q is not supported", c.Database.Driver)
	}
	if c.Storage.MaxSize < 0 || c.Storage.MaxPatientCount < 0 {
		return fmt.Errorf("storage quotas cannot be negative")
	}
	return nil
}

func env(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

func envInt(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
