package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/cesargomez89/hymnsync/internal/constants"
)

// Config holds all application configuration
type Config struct {
	SupabaseURL     string
	AnonKey         string
	Email           string
	Password        string
	Bucket          string
	BlobPrefix      string
	DBPath          string
	PDFDir          string
	WorkIdentity    string
	LogLevel        string
	LogFormat       string
	BatchSize       int
	Concurrency     int
	MaxAttempts     int
	RetryBase       time.Duration
	BatchPause      time.Duration
	TokenRefresh    time.Duration
	RequestInterval time.Duration
	CreateBucket    bool

	parseErrors []string
}

// LoadEnvFile reads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	c := &Config{
		SupabaseURL:  strings.TrimSuffix(getEnv("SUPABASE_URL", constants.DefaultSupabaseURL), "/"),
		AnonKey:      getEnv("SUPABASE_ANON_KEY", ""),
		Email:        getEnv("SUPABASE_EMAIL", ""),
		Password:     getEnv("SUPABASE_PASSWORD", ""),
		Bucket:       getEnv("BUCKET_NAME", constants.DefaultBucket),
		BlobPrefix:   getEnv("BLOB_PREFIX", constants.DefaultBlobPrefix),
		DBPath:       getEnv("DB_PATH", constants.DefaultDBPath),
		PDFDir:       getEnv("PDF_DIR", constants.DefaultPDFDir),
		WorkIdentity: getEnv("WORK_IDENTITY", constants.WorkIdentityTitle),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}

	c.BatchSize = c.getEnvInt("BATCH_SIZE", constants.DefaultBatchSize)
	c.Concurrency = c.getEnvInt("CONCURRENCY", constants.DefaultConcurrency)
	c.MaxAttempts = c.getEnvInt("MAX_ATTEMPTS", constants.DefaultRetryCount)
	c.RetryBase = c.getEnvDuration("RETRY_BASE", constants.DefaultRetryBase)
	c.BatchPause = c.getEnvDuration("BATCH_PAUSE", constants.DefaultBatchPause)
	c.TokenRefresh = c.getEnvDuration("TOKEN_REFRESH_INTERVAL", constants.DefaultTokenRefresh)
	c.RequestInterval = c.getEnvDuration("MIN_REQUEST_INTERVAL", constants.DefaultRequestInterval)
	c.CreateBucket = c.getEnvBool("CREATE_BUCKET", false)

	return c
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	errors := append([]string(nil), c.parseErrors...)

	// Validate SupabaseURL
	if c.SupabaseURL == "" {
		errors = append(errors, "SUPABASE_URL cannot be empty")
	} else if u, err := url.Parse(c.SupabaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("SUPABASE_URL is not a valid URL: %s", c.SupabaseURL))
	}

	if c.AnonKey == "" {
		errors = append(errors, "SUPABASE_ANON_KEY cannot be empty")
	}
	if c.Email == "" {
		errors = append(errors, "SUPABASE_EMAIL cannot be empty")
	}
	if c.Password == "" {
		errors = append(errors, "SUPABASE_PASSWORD cannot be empty")
	}
	if c.Bucket == "" {
		errors = append(errors, "BUCKET_NAME cannot be empty")
	}
	if c.DBPath == "" {
		errors = append(errors, "DB_PATH cannot be empty")
	}

	if c.BatchSize < 1 {
		errors = append(errors, fmt.Sprintf("BATCH_SIZE must be at least 1, got: %d", c.BatchSize))
	}
	if c.Concurrency < 1 {
		errors = append(errors, fmt.Sprintf("CONCURRENCY must be at least 1, got: %d", c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("MAX_ATTEMPTS must be at least 1, got: %d", c.MaxAttempts))
	}
	if c.RetryBase < 0 {
		errors = append(errors, "RETRY_BASE cannot be negative")
	}
	if c.BatchPause < 0 {
		errors = append(errors, "BATCH_PAUSE cannot be negative")
	}
	if c.TokenRefresh <= 0 {
		errors = append(errors, "TOKEN_REFRESH_INTERVAL must be positive")
	}

	validIdentities := map[string]bool{
		constants.WorkIdentityTitle:        true,
		constants.WorkIdentityTitleCreator: true,
	}
	if !validIdentities[c.WorkIdentity] {
		errors = append(errors, fmt.Sprintf("WORK_IDENTITY must be one of: title, title_creator, got: %s", c.WorkIdentity))
	}

	// Validate LogLevel
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	// Validate LogFormat
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func (c *Config) getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a valid number, got: %s", key, value))
		return fallback
	}
	return n
}

func (c *Config) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a duration like 30s or 5m, got: %s", key, value))
		return fallback
	}
	return d
}

func (c *Config) getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be true or false, got: %s", key, value))
		return fallback
	}
	return b
}
