package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cesargomez89/hymnsync/internal/constants"
)

func validConfig() Config {
	return Config{
		SupabaseURL:  "http://localhost:54321",
		AnonKey:      "anon",
		Email:        "admin@example.com",
		Password:     "secret",
		Bucket:       "hymn",
		DBPath:       "test.db",
		WorkIdentity: constants.WorkIdentityTitle,
		LogLevel:     "info",
		LogFormat:    "text",
		BatchSize:    5,
		Concurrency:  5,
		MaxAttempts:  3,
		RetryBase:    time.Second,
		BatchPause:   time.Second,
		TokenRefresh: 30 * time.Minute,
	}
}

func TestLoad(t *testing.T) {
	cfg := Load()

	if cfg.DBPath != constants.DefaultDBPath {
		t.Errorf("Expected DBPath to be %s, got %s", constants.DefaultDBPath, cfg.DBPath)
	}

	if cfg.Bucket != constants.DefaultBucket {
		t.Errorf("Expected Bucket to be %s, got %s", constants.DefaultBucket, cfg.Bucket)
	}

	if cfg.BatchSize != constants.DefaultBatchSize {
		t.Errorf("Expected BatchSize to be %d, got %d", constants.DefaultBatchSize, cfg.BatchSize)
	}

	if cfg.TokenRefresh != constants.DefaultTokenRefresh {
		t.Errorf("Expected TokenRefresh to be %v, got %v", constants.DefaultTokenRefresh, cfg.TokenRefresh)
	}

	if cfg.WorkIdentity != constants.WorkIdentityTitle {
		t.Errorf("Expected WorkIdentity to be %s, got %s", constants.WorkIdentityTitle, cfg.WorkIdentity)
	}
}

func TestLoadWithEnvVars(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("RETRY_BASE", "250ms")
	t.Setenv("CREATE_BUCKET", "true")

	cfg := Load()

	if cfg.SupabaseURL != "https://example.supabase.co" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", cfg.SupabaseURL)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("Expected DBPath to be /tmp/test.db, got %s", cfg.DBPath)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("Expected BatchSize to be 10, got %d", cfg.BatchSize)
	}
	if cfg.RetryBase != 250*time.Millisecond {
		t.Errorf("Expected RetryBase to be 250ms, got %v", cfg.RetryBase)
	}
	if !cfg.CreateBucket {
		t.Error("Expected CreateBucket to be true")
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	t.Setenv("CONCURRENCY", "many")
	t.Setenv("BATCH_PAUSE", "soon")

	cfg := Load()
	cfg.AnonKey = "anon"
	cfg.Email = "admin@example.com"
	cfg.Password = "secret"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error for unparsable values")
	}
	if !strings.Contains(err.Error(), "CONCURRENCY") || !strings.Contains(err.Error(), "BATCH_PAUSE") {
		t.Errorf("Expected both keys in error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "empty url", mutate: func(c *Config) { c.SupabaseURL = "" }, wantErr: true},
		{name: "url without scheme", mutate: func(c *Config) { c.SupabaseURL = "example.com" }, wantErr: true},
		{name: "missing anon key", mutate: func(c *Config) { c.AnonKey = "" }, wantErr: true},
		{name: "missing password", mutate: func(c *Config) { c.Password = "" }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero token refresh", mutate: func(c *Config) { c.TokenRefresh = 0 }, wantErr: true},
		{name: "title_creator identity", mutate: func(c *Config) { c.WorkIdentity = constants.WorkIdentityTitleCreator }, wantErr: false},
		{name: "invalid identity", mutate: func(c *Config) { c.WorkIdentity = "isbn" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.LogLevel = "invalid" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")

	value := getEnv("TEST_VAR", "default")
	if value != "test_value" {
		t.Errorf("Expected 'test_value', got '%s'", value)
	}

	value = getEnv("NON_EXISTENT_VAR", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Expected missing env file to be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("HYMNSYNC_TEST_BUCKET=scores\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("HYMNSYNC_TEST_BUCKET") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("HYMNSYNC_TEST_BUCKET"); got != "scores" {
		t.Errorf("Expected 'scores', got '%s'", got)
	}
}
