package diabetactic

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/diabetactic/diabetactic-go/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultUserAgent identifies the client to the gateway.
const DefaultUserAgent = "diabetactic-go"

// Config configures the Diabetactic client.
type Config struct {
	// Mode selects the backend: mock, local, cloud (alias heroku).
	// Left empty, the client runs against the mock and logs a warning
	// unless TestHarness is set.
	Mode string

	// Platform is web, android or ios. Only affects the local mode host.
	Platform string

	// Profile names the local database directory.
	// If empty, resolved as explicit > DIABETACTIC_PROFILE env > "default".
	Profile string

	// DataRoot holds all profile directories. Defaults to ~/.diabetactic/profiles.
	DataRoot string

	// LocalPath is the SQLite database path. Derived from DataRoot and
	// Profile when empty.
	LocalPath string

	// MemoryStore keeps the cache and queue in memory only.
	MemoryStore bool

	// LocalHost and CloudURL override the gateway addresses.
	LocalHost string
	CloudURL  string

	// RequestTimeout bounds a single HTTP round trip. Default 30s.
	RequestTimeout time.Duration

	UserAgent string

	// RateLimit caps outgoing requests per second; zero disables it.
	RateLimit float64
	RateBurst int

	// RetryAttempts is the total attempts for idempotent requests. Default 3.
	RetryAttempts int

	// MaxSyncAttempts before a queued write becomes a conflict. Default 5.
	MaxSyncAttempts int

	SyncBackoffBase time.Duration
	SyncBackoffCap  time.Duration

	// SyncConcurrency caps entities synced at once. Default 4.
	SyncConcurrency int

	// StartOffline starts the client with connectivity down.
	StartOffline bool

	// TestHarness lets an unknown Mode fall back to mock with a warning.
	TestHarness bool

	// Debug enables verbose logging of gateway traffic.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            string(ModeMock),
		Platform:        string(PlatformWeb),
		Profile:         store.DefaultProfile,
		LocalPath:       store.ProfileDBPath("", store.DefaultProfile),
		RequestTimeout:  DefaultRequestTimeout,
		UserAgent:       DefaultUserAgent,
		RetryAttempts:   DefaultRetryPolicy().MaxAttempts,
		MaxSyncAttempts: DefaultMaxSyncAttempts,
		SyncBackoffBase: DefaultSyncBackoffBase,
		SyncBackoffCap:  DefaultSyncBackoffCap,
		SyncConcurrency: DefaultSyncConcurrency,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	DIABETACTIC_MODE             → Mode
//	DIABETACTIC_PLATFORM         → Platform
//	DIABETACTIC_PROFILE          → Profile
//	DIABETACTIC_DATA_ROOT        → DataRoot
//	DIABETACTIC_DB_PATH          → LocalPath
//	DIABETACTIC_LOCAL_HOST       → LocalHost
//	DIABETACTIC_CLOUD_URL        → CloudURL
//	DIABETACTIC_REQUEST_TIMEOUT  → RequestTimeout (Go duration)
//	DIABETACTIC_RATE_LIMIT       → RateLimit
//	DIABETACTIC_MAX_SYNC_ATTEMPTS → MaxSyncAttempts
//	DIABETACTIC_TEST_HARNESS     → TestHarness (any non-empty value enables)
//	DIABETACTIC_DEBUG            → Debug (any non-empty value enables)
//	DIABETACTIC_DEBUG_LOG        → DebugLogPath
//
// Malformed numbers and durations are ignored.
func ConfigFromEnv() Config {
	cfg := Config{
		Mode:         os.Getenv("DIABETACTIC_MODE"),
		Platform:     os.Getenv("DIABETACTIC_PLATFORM"),
		Profile:      os.Getenv("DIABETACTIC_PROFILE"),
		DataRoot:     os.Getenv("DIABETACTIC_DATA_ROOT"),
		LocalPath:    os.Getenv("DIABETACTIC_DB_PATH"),
		LocalHost:    os.Getenv("DIABETACTIC_LOCAL_HOST"),
		CloudURL:     os.Getenv("DIABETACTIC_CLOUD_URL"),
		TestHarness:  os.Getenv("DIABETACTIC_TEST_HARNESS") != "",
		Debug:        os.Getenv("DIABETACTIC_DEBUG") != "",
		DebugLogPath: os.Getenv("DIABETACTIC_DEBUG_LOG"),
	}
	if d, err := time.ParseDuration(os.Getenv("DIABETACTIC_REQUEST_TIMEOUT")); err == nil {
		cfg.RequestTimeout = d
	}
	if f, err := strconv.ParseFloat(os.Getenv("DIABETACTIC_RATE_LIMIT"), 64); err == nil {
		cfg.RateLimit = f
	}
	if n, err := strconv.Atoi(os.Getenv("DIABETACTIC_MAX_SYNC_ATTEMPTS")); err == nil {
		cfg.MaxSyncAttempts = n
	}
	return cfg
}

// LoadConfig reads an optional config file (any format viper supports)
// and DIABETACTIC_* environment variables, environment taking precedence.
// A .env file in the working directory is loaded first when present;
// variables already set are not overwritten.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DIABETACTIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("platform", d.Platform)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("max_sync_attempts", d.MaxSyncAttempts)
	v.SetDefault("sync_backoff_base", d.SyncBackoffBase)
	v.SetDefault("sync_backoff_cap", d.SyncBackoffCap)
	v.SetDefault("sync_concurrency", d.SyncConcurrency)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		Mode:            v.GetString("mode"),
		Platform:        v.GetString("platform"),
		Profile:         v.GetString("profile"),
		DataRoot:        v.GetString("data_root"),
		LocalPath:       v.GetString("db_path"),
		MemoryStore:     v.GetBool("memory_store"),
		LocalHost:       v.GetString("local_host"),
		CloudURL:        v.GetString("cloud_url"),
		RequestTimeout:  v.GetDuration("request_timeout"),
		UserAgent:       v.GetString("user_agent"),
		RateLimit:       v.GetFloat64("rate_limit"),
		RateBurst:       v.GetInt("rate_burst"),
		RetryAttempts:   v.GetInt("retry_attempts"),
		MaxSyncAttempts: v.GetInt("max_sync_attempts"),
		SyncBackoffBase: v.GetDuration("sync_backoff_base"),
		SyncBackoffCap:  v.GetDuration("sync_backoff_cap"),
		SyncConcurrency: v.GetInt("sync_concurrency"),
		StartOffline:    v.GetBool("start_offline"),
		TestHarness:     v.GetBool("test_harness"),
		Debug:           v.GetBool("debug"),
		DebugLogPath:    v.GetString("debug_log"),
	}
	return cfg.WithDefaults(), nil
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields. The backend mode itself is
// checked when the client resolves it.
func (c *Config) Validate() error {
	if c.LocalPath == "" && !c.MemoryStore {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfile(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if c.RequestTimeout < 0 {
		return &ValidationError{Field: "RequestTimeout", Message: "must be non-negative"}
	}
	if c.RateLimit < 0 {
		return &ValidationError{Field: "RateLimit", Message: "must be non-negative"}
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > maxRetryAttempts {
		return &ValidationError{Field: "RetryAttempts", Message: fmt.Sprintf("must be between 0 and %d", maxRetryAttempts)}
	}
	if c.MaxSyncAttempts < 0 {
		return &ValidationError{Field: "MaxSyncAttempts", Message: "must be non-negative"}
	}
	if c.SyncConcurrency < 0 {
		return &ValidationError{Field: "SyncConcurrency", Message: "must be non-negative"}
	}

	return nil
}

// WithDefaults fills in default values for unset fields.
// LocalPath is derived from the resolved Profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Platform == "" {
		c.Platform = defaults.Platform
	}

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = store.DefaultProfile
		}
	}
	if c.LocalPath == "" && !c.MemoryStore {
		c.LocalPath = store.ProfileDBPath(c.DataRoot, c.Profile)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.MaxSyncAttempts == 0 {
		c.MaxSyncAttempts = defaults.MaxSyncAttempts
	}
	if c.SyncBackoffBase == 0 {
		c.SyncBackoffBase = defaults.SyncBackoffBase
	}
	if c.SyncBackoffCap == 0 {
		c.SyncBackoffCap = defaults.SyncBackoffCap
	}
	if c.SyncConcurrency == 0 {
		c.SyncConcurrency = defaults.SyncConcurrency
	}

	return c
}
