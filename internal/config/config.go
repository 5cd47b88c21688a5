package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Index    IndexConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Origin is the index server the client side refreshes from. Empty
	// disables remote refresh.
	Origin string
}

type LogConfig struct {
	Level  string
	Format string
}

type IndexConfig struct {
	Base      string
	SourceDir string
	// SourceURL switches discovery to crawling hypertext listings.
	SourceURL        string
	SourceUsername   string
	SourcePassword   string
	SourceAPIKey     string
	OutputPath       string
	SplitDir         string
	Workers          int
	Limit            int
	RequestTimeout   time.Duration
	RequireSignature bool
	BuildOnStart     bool
}

type CacheConfig struct {
	Enabled    bool
	Type       string // memory, redis or badger
	TTL        time.Duration
	BadgerPath string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads .env (when present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  GetEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: GetEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			Origin:       GetEnv("INDEX_SERVER_ORIGIN", ""),
		},
		Log: LogConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
		Index: IndexConfig{
			Base:             GetEnv("INDEX_BASE", "/dicoms/"),
			SourceDir:        GetEnv("INDEX_SOURCE_DIR", "./dicoms"),
			SourceURL:        GetEnv("INDEX_SOURCE_URL", ""),
			SourceUsername:   GetEnv("INDEX_SOURCE_USERNAME", ""),
			SourcePassword:   GetEnv("INDEX_SOURCE_PASSWORD", ""),
			SourceAPIKey:     GetEnv("INDEX_SOURCE_API_KEY", ""),
			OutputPath:       GetEnv("INDEX_OUTPUT", "./dicoms.index.json"),
			SplitDir:         GetEnv("INDEX_SPLIT_DIR", ""),
			Workers:          GetEnvInt("INDEX_WORKERS", 8),
			Limit:            GetEnvInt("INDEX_LIMIT", 100000),
			RequestTimeout:   GetEnvDuration("INDEX_REQUEST_TIMEOUT", 5*time.Second),
			RequireSignature: GetEnvBool("INDEX_REQUIRE_SIGNATURE", false),
			BuildOnStart:     GetEnvBool("INDEX_BUILD_ON_START", true),
		},
		Cache: CacheConfig{
			Enabled:    GetEnvBool("CACHE_ENABLED", true),
			Type:       GetEnv("CACHE_TYPE", "memory"),
			TTL:        GetEnvDuration("CACHE_TTL", 0),
			BadgerPath: GetEnv("CACHE_BADGER_PATH", "./data/cache"),
		},
		Redis: RedisConfig{
			Host:     GetEnv("REDIS_HOST", "localhost"),
			Port:     GetEnvInt("REDIS_PORT", 6379),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:  GetEnvBool("DB_ENABLED", false),
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnvInt("DB_PORT", 5432),
			User:     GetEnv("DB_USER", "postgres"),
			Password: GetEnv("DB_PASSWORD", ""),
			DBName:   GetEnv("DB_NAME", "dicom_indexer"),
			SSLMode:  GetEnv("DB_SSLMODE", "disable"),
			LogLevel: GetEnv("DB_LOG_LEVEL", "warn"),
		},
		CORS: CORSConfig{
			AllowedOrigins: GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: GetEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: GetEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "If-None-Match"}),
		},
		Metrics: MetricsConfig{
			Enabled: GetEnvBool("METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Index.Workers <= 0 {
		return fmt.Errorf("index workers must be positive, got %d", c.Index.Workers)
	}
	if c.Index.Limit < 0 {
		return fmt.Errorf("index limit must not be negative, got %d", c.Index.Limit)
	}
	if c.Index.Base == "" {
		return errors.New("index base is required")
	}
	switch c.Cache.Type {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}
	if c.Cache.Enabled && c.Cache.Type == "badger" && c.Cache.BadgerPath == "" {
		return errors.New("badger cache requires CACHE_BADGER_PATH")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Log.Format)
	}
	return nil
}

// GetEnv retrieves an environment variable or returns a default value
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// GetEnvInt parses an integer variable, falling back on absence or error
func GetEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// GetEnvBool parses a boolean variable, falling back on absence or error
func GetEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// GetEnvDuration parses a duration such as 5s or 2m. Bare integers are seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// GetEnvList splits a comma-separated variable
func GetEnvList(key string, fallback []string) []string {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
