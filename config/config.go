package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"clone-stats-service/models"
	"clone-stats-service/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config keys, also the names of the CLONESTATS_* environment variables
const (
	KeyListenAddr        = "listen_addr"
	KeyDataDir           = "data_dir"
	KeySyncInterval      = "sync_interval"
	KeySyncSchedule      = "sync_schedule"
	KeyRetryAttempts     = "retry_attempts"
	KeyRetryDelay        = "retry_delay"
	KeyAPIBaseURL        = "api_base_url"
	KeyUserAgent         = "user_agent"
	KeyAPIVersion        = "api_version"
	KeyHTTPTimeout       = "http_timeout"
	KeyReportLimit       = "report_limit"
	KeyDayKeyOffset      = "day_key_offset"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyRateLimitRequests = "rate_limit_requests"
	KeyRateLimitWindow   = "rate_limit_window"
	KeyRateLimitLock     = "rate_limit_lock"
	KeyTrustedProxies    = "trusted_proxies"
)

type Config struct {
	Token   string
	Targets []models.RepositoryTarget

	ListenAddr    string
	DataDir       string
	SyncInterval  time.Duration
	SyncSchedule  string // cron expression; overrides SyncInterval when set
	RetryAttempts int
	RetryDelay    time.Duration

	APIBaseURL  string
	UserAgent   string
	APIVersion  string
	HTTPTimeout time.Duration

	ReportLimit int
	DayKey      utils.DayKeyPolicy

	LogLevel  string
	LogFormat string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitLock     time.Duration
	TrustedProxies    []string
}

var AppConfig *Config

// ConfigurationError is fatal at startup
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, "0.0.0.0:9988")
	v.SetDefault(KeyDataDir, ".")
	v.SetDefault(KeySyncInterval, 3*time.Hour)
	v.SetDefault(KeySyncSchedule, "")
	v.SetDefault(KeyRetryAttempts, 10)
	v.SetDefault(KeyRetryDelay, 5*time.Second)
	v.SetDefault(KeyAPIBaseURL, "https://api.github.com/")
	v.SetDefault(KeyUserAgent, "clone-stats")
	v.SetDefault(KeyAPIVersion, "2022-11-28")
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyReportLimit, 365)
	v.SetDefault(KeyDayKeyOffset, "+00:00")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyRateLimitRequests, 60)
	v.SetDefault(KeyRateLimitWindow, time.Minute)
	v.SetDefault(KeyRateLimitLock, 5*time.Minute)
	v.SetDefault(KeyTrustedProxies, []string{})
}

// NewViper returns a viper instance reading CLONESTATS_* variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CLONESTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadConfig builds the configuration from the .env file, the environment,
// bound flags and the positional arguments, then stores it in AppConfig.
func LoadConfig(v *viper.Viper, token string, repos []string) (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}

	targets, err := models.ParseTargets(repos)
	if err != nil {
		return nil, &ConfigurationError{Field: "repositories", Err: err}
	}

	policy, err := utils.ParseDayKeyPolicy(v.GetString(KeyDayKeyOffset))
	if err != nil {
		return nil, &ConfigurationError{Field: KeyDayKeyOffset, Err: err}
	}

	cfg := &Config{
		Token:             strings.TrimSpace(token),
		Targets:           targets,
		ListenAddr:        v.GetString(KeyListenAddr),
		DataDir:           v.GetString(KeyDataDir),
		SyncInterval:      v.GetDuration(KeySyncInterval),
		SyncSchedule:      v.GetString(KeySyncSchedule),
		RetryAttempts:     v.GetInt(KeyRetryAttempts),
		RetryDelay:        v.GetDuration(KeyRetryDelay),
		APIBaseURL:        v.GetString(KeyAPIBaseURL),
		UserAgent:         v.GetString(KeyUserAgent),
		APIVersion:        v.GetString(KeyAPIVersion),
		HTTPTimeout:       v.GetDuration(KeyHTTPTimeout),
		ReportLimit:       v.GetInt(KeyReportLimit),
		DayKey:            policy,
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
		RateLimitRequests: v.GetInt(KeyRateLimitRequests),
		RateLimitWindow:   v.GetDuration(KeyRateLimitWindow),
		RateLimitLock:     v.GetDuration(KeyRateLimitLock),
		TrustedProxies:    splitList(v.GetStringSlice(KeyTrustedProxies)),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

// validateConfig validates critical configuration at startup
func validateConfig(cfg *Config) error {
	if cfg.Token == "" {
		return &ConfigurationError{Field: "auth_token", Err: fmt.Errorf("is required")}
	}
	if len(cfg.Targets) == 0 {
		return &ConfigurationError{Field: "repositories", Err: fmt.Errorf("at least one owner/repo is required")}
	}

	seen := make(map[string]string, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if other, ok := seen[t.StorageName()]; ok {
			return &ConfigurationError{Field: "repositories", Err: fmt.Errorf("%s and %s would share storage %q", other, t.FullName(), t.StorageName())}
		}
		seen[t.StorageName()] = t.FullName()
	}

	if cfg.ListenAddr == "" {
		return &ConfigurationError{Field: KeyListenAddr, Err: fmt.Errorf("is required")}
	}
	if cfg.SyncSchedule == "" && cfg.SyncInterval <= 0 {
		return &ConfigurationError{Field: KeySyncInterval, Err: fmt.Errorf("must be positive, got %s", cfg.SyncInterval)}
	}
	if cfg.RetryAttempts < 1 {
		return &ConfigurationError{Field: KeyRetryAttempts, Err: fmt.Errorf("must be at least 1, got %d", cfg.RetryAttempts)}
	}
	if cfg.RetryDelay < 0 {
		return &ConfigurationError{Field: KeyRetryDelay, Err: fmt.Errorf("must not be negative")}
	}
	for _, proxy := range cfg.TrustedProxies {
		if !validProxy(proxy) {
			return &ConfigurationError{Field: KeyTrustedProxies, Err: fmt.Errorf("%q is not an IP or CIDR", proxy)}
		}
	}
	if cfg.ReportLimit < 1 {
		return &ConfigurationError{Field: KeyReportLimit, Err: fmt.Errorf("must be at least 1, got %d", cfg.ReportLimit)}
	}

	return nil
}

// splitList accepts both "a b" and "a,b" forms from the environment
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validProxy(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}
