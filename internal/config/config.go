package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// Provider names
const (
	ProviderAnthropic = "anthropic"
)

// Session backends
const (
	SessionBackendFile  = "file"
	SessionBackendRedis = "redis"
)

// Store drivers
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Version     int                `toml:"version"`
	Credentials CredentialsConfig  `toml:"credentials"`
	Accounts    []AccountConfig    `toml:"accounts"`
	Assets      []types.KnownAsset `toml:"assets"`
	Crawl       CrawlConfig        `toml:"crawl"`
	Session     SessionConfig      `toml:"session"`
	Analysis    AnalysisConfig     `toml:"analysis"`
	Signals     SignalsConfig      `toml:"signals"`
	Store       StoreConfig        `toml:"store"`
	Schedule    ScheduleConfig     `toml:"schedule"`
	Metrics     MetricsConfig      `toml:"metrics"`
	Debug       DebugConfig        `toml:"debug"`
	Log         LogConfig          `toml:"log"`
}

// CredentialsConfig is used at most once per run for a cold-start login.
type CredentialsConfig struct {
	LoginIdentifier string `toml:"login_identifier"`
	Password        string `toml:"password"`
	DisplayUsername string `toml:"display_username"`
}

// Configured reports whether a credential login can be attempted.
func (c CredentialsConfig) Configured() bool {
	return c.LoginIdentifier != "" && c.Password != ""
}

type AccountConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

type CrawlConfig struct {
	Headless           bool     `toml:"headless"`
	UserAgent          string   `toml:"user_agent"`
	SafetyLimit        int      `toml:"safety_limit"`
	NoGrowthAttempts   int      `toml:"no_growth_attempts"`
	SettleDelay        Duration `toml:"settle_delay"`
	ScrollDelay        Duration `toml:"scroll_delay"`
	InterAccountDelay  Duration `toml:"inter_account_delay"`
	LoginMarkerTimeout Duration `toml:"login_marker_timeout"`
	RunTimeout         Duration `toml:"run_timeout"`
	PersistTimeout     Duration `toml:"persist_timeout"`
}

type SessionConfig struct {
	Backend   string `toml:"backend"`
	Name      string `toml:"name"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
}

type AnalysisConfig struct {
	LLMProvider       string   `toml:"llm_provider"`
	APIKeys           []string `toml:"api_keys"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	MaxConcurrency    int      `toml:"max_concurrency"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBaseDelay    Duration `toml:"retry_base_delay"`
	RetryMaxDelay     Duration `toml:"retry_max_delay"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	RequestTimeout    Duration `toml:"request_timeout"`
}

type SignalsConfig struct {
	SuppressionWindow Duration `toml:"suppression_window"`
	TTL               Duration `toml:"ttl"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type ScheduleConfig struct {
	Cron     string `toml:"cron"`
	Timezone string `toml:"timezone"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type DebugConfig struct {
	CacheSteps bool `toml:"cache_steps"`
	// KeepSteps bounds how many snapshots of each step are kept; 0 keeps all.
	KeepSteps int `toml:"keep_steps"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration lets TOML carry values like "15s" or "1h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Version:  1,
		Accounts: []AccountConfig{},
		Assets:   []types.KnownAsset{},
		Crawl: CrawlConfig{
			Headless:           true,
			SafetyLimit:        50,
			NoGrowthAttempts:   3,
			SettleDelay:        Duration{3 * time.Second},
			ScrollDelay:        Duration{1500 * time.Millisecond},
			InterAccountDelay:  Duration{5 * time.Second},
			LoginMarkerTimeout: Duration{15 * time.Second},
			RunTimeout:         Duration{20 * time.Minute},
			PersistTimeout:     Duration{30 * time.Second},
		},
		Session: SessionConfig{
			Backend: SessionBackendFile,
			Name:    "default",
		},
		Analysis: AnalysisConfig{
			LLMProvider:       ProviderAnthropic,
			APIKeys:           []string{},
			Model:             "claude-sonnet-4-20250514",
			MaxConcurrency:    4,
			MaxRetries:        3,
			RetryBaseDelay:    Duration{2 * time.Second},
			RetryMaxDelay:     Duration{30 * time.Second},
			RequestsPerSecond: 1,
			RequestTimeout:    Duration{2 * time.Minute},
		},
		Signals: SignalsConfig{
			SuppressionWindow: Duration{60 * time.Minute},
			TTL:               Duration{6 * time.Hour},
		},
		Store: StoreConfig{
			Driver: StoreDriverSQLite,
		},
		Schedule: ScheduleConfig{
			Cron:     "*/30 * * * *",
			Timezone: "UTC",
		},
		Debug: DebugConfig{
			KeepSteps: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Crawl.SafetyLimit <= 0 {
		errs = append(errs, fmt.Errorf("crawl.safety_limit must be positive, got %d", c.Crawl.SafetyLimit))
	}
	if c.Crawl.NoGrowthAttempts <= 0 {
		errs = append(errs, fmt.Errorf("crawl.no_growth_attempts must be positive, got %d", c.Crawl.NoGrowthAttempts))
	}
	if c.Analysis.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_concurrency must be positive, got %d", c.Analysis.MaxConcurrency))
	}
	if c.Analysis.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_retries must not be negative, got %d", c.Analysis.MaxRetries))
	}
	if c.Analysis.LLMProvider != ProviderAnthropic {
		errs = append(errs, fmt.Errorf("unknown LLM provider: %s", c.Analysis.LLMProvider))
	}
	if c.Signals.SuppressionWindow.Duration <= 0 {
		errs = append(errs, errors.New("signals.suppression_window must be positive"))
	}
	switch c.Session.Backend {
	case SessionBackendFile:
	case SessionBackendRedis:
		if c.Session.RedisAddr == "" {
			errs = append(errs, errors.New("session.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend: %s", c.Session.Backend))
	}
	switch c.Store.Driver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver: %s", c.Store.Driver))
	}
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.ID) == "" {
			errs = append(errs, fmt.Errorf("accounts[%d].id is empty", i))
		}
	}
	for i, a := range c.Assets {
		if strings.TrimSpace(a.Symbol) == "" {
			errs = append(errs, fmt.Errorf("assets[%d].symbol is empty", i))
		}
	}
	return errors.Join(errs...)
}

// TrackedAccounts converts the configured accounts into their domain form.
func (c *Config) TrackedAccounts() []types.TrackedAccount {
	accounts := make([]types.TrackedAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		accounts = append(accounts, types.TrackedAccount{
			ID:          strings.TrimPrefix(strings.TrimSpace(a.ID), "@"),
			DisplayName: a.DisplayName,
		})
	}
	return accounts
}

// ApplyEnv overrides secrets from the environment. A .env file in the working
// directory is loaded first when present.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("SIGCRAWL_LOGIN"); v != "" {
		c.Credentials.LoginIdentifier = v
	}
	if v := os.Getenv("SIGCRAWL_PASSWORD"); v != "" {
		c.Credentials.Password = v
	}
	if v := os.Getenv("SIGCRAWL_USERNAME"); v != "" {
		c.Credentials.DisplayUsername = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEYS"); v != "" {
		c.Analysis.APIKeys = splitList(v)
	}
	if v := os.Getenv("SIGCRAWL_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SIGCRAWL_REDIS_ADDR"); v != "" {
		c.Session.RedisAddr = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sigcrawl"), nil
}

// CacheDir returns the platform-appropriate cache directory
func CacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "sigcrawl"), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultStoreDSN returns the sqlite database path used when store.dsn is empty.
func DefaultStoreDSN() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sigcrawl.db"), nil
}

// Load reads config from path, layering it over Default. An empty path means
// ConfigPath().
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes config to path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
