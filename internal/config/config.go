package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/instancewatch/server/internal/directory"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheSQLite = "sqlite"
)

// DefaultMinScore applies when MIN_SCORE is unset or not a number
const DefaultMinScore = 50

// Config holds all application configuration
type Config struct {
	// Directory settings
	DirectorySourceURL string
	DirectoryGitBranch string
	DirectoryGitToken  string
	DirectoryTimeout   time.Duration

	// GitHub App credentials for private directory repositories
	GitHubAppID          int64
	GitHubAppPrivateKey  []byte
	GitHubInstallationID int64

	// Probe and refresh settings
	ProbeTimeout    time.Duration
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	UserAgent       string

	// Custom instance
	CustomInstanceURL       string
	CustomInstanceEnabled   bool
	CustomInstanceUseAPIKey bool
	CustomInstanceAPIKey    string

	// Presentation
	MinScore float64

	// Cache storage
	CacheBackend string
	CacheSize    int
	RedisURL     string
	SQLitePath   string

	// Webhook settings
	RefreshSecret string

	// Server settings
	Port int

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		DirectorySourceURL:    directory.DefaultSourceURL,
		DirectoryGitBranch:    "main",
		DirectoryTimeout:      directory.DefaultTimeout,
		ProbeTimeout:          2 * time.Second,
		CacheTTL:              5 * time.Minute,
		UserAgent:             directory.DefaultUserAgent,
		CustomInstanceEnabled: true,
		MinScore:              DefaultMinScore,
		CacheBackend:          CacheMemory,
		CacheSize:             1000,
		SQLitePath:            "instancewatch.db",
		Port:                  8080,
	}

	if v := os.Getenv("DIRECTORY_SOURCE_URL"); v != "" {
		cfg.DirectorySourceURL = v
	}
	if cfg.IsGitSource() {
		if _, _, err := directory.ParseGitURL(cfg.DirectorySourceURL); err != nil {
			return nil, fmt.Errorf("invalid DIRECTORY_SOURCE_URL: %w", err)
		}
	}
	if v := os.Getenv("DIRECTORY_GIT_BRANCH"); v != "" {
		cfg.DirectoryGitBranch = v
	}
	cfg.DirectoryGitToken = os.Getenv("DIRECTORY_GIT_TOKEN")

	if err := cfg.loadGitHubApp(); err != nil {
		return nil, err
	}

	var err error
	if cfg.DirectoryTimeout, err = duration("DIRECTORY_TIMEOUT", cfg.DirectoryTimeout); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = duration("PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = duration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	// The refresh interval follows the TTL unless set explicitly
	if cfg.RefreshInterval, err = duration("REFRESH_INTERVAL", cfg.CacheTTL); err != nil {
		return nil, err
	}

	if v := os.Getenv("USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}

	// Custom instance
	cfg.CustomInstanceURL = strings.TrimSpace(os.Getenv("CUSTOM_INSTANCE_URL"))
	if cfg.CustomInstanceEnabled, err = boolean("CUSTOM_INSTANCE_ENABLED", cfg.CustomInstanceEnabled); err != nil {
		return nil, err
	}
	if cfg.CustomInstanceUseAPIKey, err = boolean("CUSTOM_INSTANCE_USE_API_KEY", false); err != nil {
		return nil, err
	}
	cfg.CustomInstanceAPIKey = os.Getenv("CUSTOM_INSTANCE_API_KEY")
	if cfg.CustomInstanceUseAPIKey && cfg.CustomInstanceAPIKey == "" {
		return nil, fmt.Errorf("CUSTOM_INSTANCE_API_KEY is required when CUSTOM_INSTANCE_USE_API_KEY is set")
	}

	// MIN_SCORE never fails startup; anything that is not a number is coerced
	cfg.MinScore = parseMinScore(os.Getenv("MIN_SCORE"))

	// Cache storage
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.CacheBackend = strings.ToLower(v)
	}
	switch cfg.CacheBackend {
	case CacheMemory, CacheRedis, CacheSQLite:
	default:
		return nil, fmt.Errorf("invalid CACHE_BACKEND: %q", cfg.CacheBackend)
	}

	if v := os.Getenv("CACHE_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_SIZE: %w", err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("invalid CACHE_SIZE: must be positive")
		}
		cfg.CacheSize = size
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.CacheBackend == CacheRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}

	cfg.RefreshSecret = os.Getenv("REFRESH_SECRET")

	// Optional: Port
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT: %d out of range", port)
		}
		cfg.Port = port
	}

	// Optional: OTLP endpoint for tracing
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	return cfg, nil
}

// loadGitHubApp reads the optional GitHub App credentials. They are all
// set or all unset.
func (c *Config) loadGitHubApp() error {
	appIDStr := os.Getenv("DIRECTORY_GITHUB_APP_ID")
	installIDStr := os.Getenv("DIRECTORY_GITHUB_INSTALLATION_ID")
	privateKeyPath := os.Getenv("DIRECTORY_GITHUB_APP_PRIVATE_KEY_PATH")
	privateKeyValue := os.Getenv("DIRECTORY_GITHUB_APP_PRIVATE_KEY")

	if appIDStr == "" && installIDStr == "" && privateKeyPath == "" && privateKeyValue == "" {
		return nil
	}
	if appIDStr == "" {
		return fmt.Errorf("DIRECTORY_GITHUB_APP_ID is required with GitHub App credentials")
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil || appID <= 0 {
		return fmt.Errorf("invalid DIRECTORY_GITHUB_APP_ID: %q", appIDStr)
	}

	if installIDStr == "" {
		return fmt.Errorf("DIRECTORY_GITHUB_INSTALLATION_ID is required with GitHub App credentials")
	}
	installID, err := strconv.ParseInt(installIDStr, 10, 64)
	if err != nil || installID <= 0 {
		return fmt.Errorf("invalid DIRECTORY_GITHUB_INSTALLATION_ID: %q", installIDStr)
	}

	// Private key can be provided as file path or direct value
	switch {
	case privateKeyPath != "":
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
		c.GitHubAppPrivateKey = key
	case privateKeyValue != "":
		c.GitHubAppPrivateKey = []byte(privateKeyValue)
	default:
		return fmt.Errorf("DIRECTORY_GITHUB_APP_PRIVATE_KEY or DIRECTORY_GITHUB_APP_PRIVATE_KEY_PATH is required")
	}

	c.GitHubAppID = appID
	c.GitHubInstallationID = installID
	return nil
}

// UsesGitHubApp reports whether git clones authenticate as a GitHub App
func (c *Config) UsesGitHubApp() bool {
	return c.GitHubAppID > 0
}

// IsGitSource reports whether the directory is read from a git repository
func (c *Config) IsGitSource() bool {
	return strings.HasPrefix(c.DirectorySourceURL, directory.GitScheme)
}

// CustomAPIKey returns the key sent to the custom instance, if any
func (c *Config) CustomAPIKey() string {
	if !c.CustomInstanceUseAPIKey {
		return ""
	}
	return c.CustomInstanceAPIKey
}

func parseMinScore(v string) float64 {
	score, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return DefaultMinScore
	}
	return score
}

func duration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

func boolean(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}
