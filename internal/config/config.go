package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TALLY"
	defaultHTTPAddress        = "0.0.0.0:5000"
	defaultHardwareAddress    = "0.0.0.0:8765"
	defaultReplyTimeout       = 2 * time.Second
	defaultDatabasePath       = "tally.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultConfirmationPhrase = "I am not lying"
	defaultDisplayOffset      = 8 * time.Hour
	defaultHistoryCacheTTL    = 5 * time.Second
	defaultRateLimitPerSecond = 1.0
	defaultRateLimitBurst     = 5
	defaultSweepSchedule      = "@every 30s"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	HardwareAddress       string
	HardwareSigningSecret string
	HardwareReplyTimeout  time.Duration
	DatabasePath          string
	LogLevel              string
	LogFormat             string
	Device                dispenser.Settings
	ConfirmationPhrase    string
	DisplayOffset         time.Duration
	HistoryCacheTTL       time.Duration
	RateLimitPerSecond    float64
	RateLimitBurst        int
	SweepSchedule         string
	MetricsEnabled        bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("hardware.address", defaultHardwareAddress)
	configViper.SetDefault("hardware.signing_secret", "")
	configViper.SetDefault("hardware.reply_timeout", defaultReplyTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	deviceDefaults := dispenser.DefaultSettings()
	configViper.SetDefault("device.consumption_limit", deviceDefaults.ConsumptionLimit)
	configViper.SetDefault("device.cycle_duration_seconds", deviceDefaults.CycleDurationSeconds)
	configViper.SetDefault("device.penalty_multiplier", deviceDefaults.PenaltyMultiplier)
	configViper.SetDefault("device.confirmation_phrase", defaultConfirmationPhrase)
	configViper.SetDefault("display.utc_offset", defaultDisplayOffset)
	configViper.SetDefault("history.cache_ttl", defaultHistoryCacheTTL)
	configViper.SetDefault("http.rate_limit_per_sec", defaultRateLimitPerSecond)
	configViper.SetDefault("http.rate_limit_burst", defaultRateLimitBurst)
	configViper.SetDefault("sweep.schedule", defaultSweepSchedule)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		HardwareAddress:       configViper.GetString("hardware.address"),
		HardwareSigningSecret: configViper.GetString("hardware.signing_secret"),
		HardwareReplyTimeout:  configViper.GetDuration("hardware.reply_timeout"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		Device: dispenser.Settings{
			ConsumptionLimit:     configViper.GetInt64("device.consumption_limit"),
			CycleDurationSeconds: configViper.GetInt64("device.cycle_duration_seconds"),
			PenaltyMultiplier:    configViper.GetFloat64("device.penalty_multiplier"),
		},
		ConfirmationPhrase: configViper.GetString("device.confirmation_phrase"),
		DisplayOffset:      configViper.GetDuration("display.utc_offset"),
		HistoryCacheTTL:    configViper.GetDuration("history.cache_ttl"),
		RateLimitPerSecond: configViper.GetFloat64("http.rate_limit_per_sec"),
		RateLimitBurst:     configViper.GetInt("http.rate_limit_burst"),
		SweepSchedule:      configViper.GetString("sweep.schedule"),
		MetricsEnabled:     configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DisplayLocation returns the fixed zone used for human-readable cycle times.
func (c AppConfig) DisplayLocation() *time.Location {
	if c.DisplayOffset == 0 {
		return time.UTC
	}
	return time.FixedZone(formatOffset(c.DisplayOffset), int(c.DisplayOffset/time.Second))
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.HardwareAddress) == "" {
		return fmt.Errorf("hardware.address is required")
	}
	if strings.TrimSpace(c.ConfirmationPhrase) == "" {
		return fmt.Errorf("device.confirmation_phrase is required")
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device settings: %w", err)
	}
	if c.HardwareReplyTimeout <= 0 {
		return fmt.Errorf("hardware.reply_timeout must be positive")
	}
	if c.DisplayOffset < -14*time.Hour || c.DisplayOffset > 14*time.Hour {
		return fmt.Errorf("display.utc_offset must be within ±14h")
	}
	if c.RateLimitPerSecond <= 0 || math.IsInf(c.RateLimitPerSecond, 0) || math.IsNaN(c.RateLimitPerSecond) {
		return fmt.Errorf("http.rate_limit_per_sec must be positive")
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("http.rate_limit_burst must be at least 1")
	}
	if c.HistoryCacheTTL < 0 {
		return fmt.Errorf("history.cache_ttl must not be negative")
	}
	return nil
}

func formatOffset(offset time.Duration) string {
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	return fmt.Sprintf("UTC%s%02d:%02d", sign, hours, minutes)
}
