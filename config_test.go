package diabetactic_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/diabetactic/diabetactic-go"
)

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := diabetactic.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for default config: %v", err)
	}
}

func TestConfig_Validate_MissingLocalPath(t *testing.T) {
	cfg := diabetactic.Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() returned nil, want ValidationError for missing LocalPath")
	}

	var ve *diabetactic.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Validate() returned %T, want *ValidationError", err)
	}
	if ve.Field != "LocalPath" {
		t.Errorf("ValidationError.Field = %q, want %q", ve.Field, "LocalPath")
	}
}

func TestConfig_Validate_MemoryStoreNeedsNoPath(t *testing.T) {
	cfg := diabetactic.Config{MemoryStore: true}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_Validate_Fields(t *testing.T) {
	tests := []struct {
		name  string
		cfg   diabetactic.Config
		field string
	}{
		{"bad profile", diabetactic.Config{MemoryStore: true, Profile: "Bad Name"}, "Profile"},
		{"negative timeout", diabetactic.Config{MemoryStore: true, RequestTimeout: -time.Second}, "RequestTimeout"},
		{"negative rate", diabetactic.Config{MemoryStore: true, RateLimit: -1}, "RateLimit"},
		{"too many retries", diabetactic.Config{MemoryStore: true, RetryAttempts: 11}, "RetryAttempts"},
		{"negative sync attempts", diabetactic.Config{MemoryStore: true, MaxSyncAttempts: -1}, "MaxSyncAttempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var ve *diabetactic.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("DIABETACTIC_PROFILE", "")
	root := t.TempDir()

	cfg := diabetactic.Config{DataRoot: root}.WithDefaults()

	if cfg.Mode != "" {
		t.Errorf("Mode = %q, want it left unset", cfg.Mode)
	}
	if cfg.Profile != "default" {
		t.Errorf("Profile = %q, want %q", cfg.Profile, "default")
	}
	want := filepath.Join(root, "default", "diabetactic.db")
	if cfg.LocalPath != want {
		t.Errorf("LocalPath = %q, want %q", cfg.LocalPath, want)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.RetryAttempts)
	}
	if cfg.MaxSyncAttempts != 5 {
		t.Errorf("MaxSyncAttempts = %d, want 5", cfg.MaxSyncAttempts)
	}
	if cfg.SyncConcurrency != 4 {
		t.Errorf("SyncConcurrency = %d, want 4", cfg.SyncConcurrency)
	}
}

func TestConfig_WithDefaults_ProfileFromEnv(t *testing.T) {
	t.Setenv("DIABETACTIC_PROFILE", "clinic")
	root := t.TempDir()

	cfg := diabetactic.Config{DataRoot: root}.WithDefaults()
	if cfg.Profile != "clinic" {
		t.Errorf("Profile = %q, want %q", cfg.Profile, "clinic")
	}
	if !strings.HasPrefix(cfg.LocalPath, filepath.Join(root, "clinic")) {
		t.Errorf("LocalPath = %q, want under %q", cfg.LocalPath, filepath.Join(root, "clinic"))
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DIABETACTIC_MODE", "local")
	t.Setenv("DIABETACTIC_PLATFORM", "android")
	t.Setenv("DIABETACTIC_DB_PATH", "/tmp/d.db")
	t.Setenv("DIABETACTIC_REQUEST_TIMEOUT", "5s")
	t.Setenv("DIABETACTIC_MAX_SYNC_ATTEMPTS", "7")
	t.Setenv("DIABETACTIC_TEST_HARNESS", "1")
	t.Setenv("DIABETACTIC_DEBUG", "")

	cfg := diabetactic.ConfigFromEnv()
	if cfg.Mode != "local" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "local")
	}
	if cfg.Platform != "android" {
		t.Errorf("Platform = %q, want %q", cfg.Platform, "android")
	}
	if cfg.LocalPath != "/tmp/d.db" {
		t.Errorf("LocalPath = %q, want %q", cfg.LocalPath, "/tmp/d.db")
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
	if cfg.MaxSyncAttempts != 7 {
		t.Errorf("MaxSyncAttempts = %d, want 7", cfg.MaxSyncAttempts)
	}
	if !cfg.TestHarness {
		t.Error("TestHarness = false, want true")
	}
	if cfg.Debug {
		t.Error("Debug = true, want false")
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diabetactic.yaml")
	content := "mode: cloud\ncloud_url: https://staging.example.com\nsync_concurrency: 2\nrequest_timeout: 10s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DIABETACTIC_SYNC_CONCURRENCY", "3")
	t.Setenv("DIABETACTIC_DB_PATH", filepath.Join(dir, "d.db"))

	cfg, err := diabetactic.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Mode != "cloud" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "cloud")
	}
	if cfg.CloudURL != "https://staging.example.com" {
		t.Errorf("CloudURL = %q", cfg.CloudURL)
	}
	if cfg.SyncConcurrency != 3 {
		t.Errorf("SyncConcurrency = %d, want 3 (env wins)", cfg.SyncConcurrency)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.LocalPath != filepath.Join(dir, "d.db") {
		t.Errorf("LocalPath = %q", cfg.LocalPath)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := diabetactic.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("LoadConfig() returned nil error for missing file")
	}
}
