package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string // json or console
	ShutdownTimeout time.Duration

	Google   GoogleConfig
	Worker   WorkerConfig
	Sync     SyncConfig
	Token    TokenConfig
	Circuit  CircuitConfig
	Schedule ScheduleConfig
	Webhook  WebhookConfig
	Health   HealthConfig
	Manual   ManualSyncConfig
}

type GoogleConfig struct {
	ClientID       string
	ClientSecret   string
	WebhookAddress string
}

type WorkerConfig struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
	RenewInterval   time.Duration
	Concurrency     int
	QueueSize       int
}

type SyncConfig struct {
	Timeout     time.Duration
	LeaseMargin time.Duration
}

type TokenConfig struct {
	ProactiveWindow time.Duration
}

type CircuitConfig struct {
	FailureThreshold uint
	OpenDuration     time.Duration
}

type IntervalConfig struct {
	Default  time.Duration
	Min      time.Duration
	Max      time.Duration
	Fallback time.Duration
}

type ScheduleConfig struct {
	NoChangeThreshold uint
	GrowthFactor      float64
	RetryBase         time.Duration
	RetryCap          time.Duration
	Contacts          IntervalConfig
	Calendar          IntervalConfig
}

type WebhookConfig struct {
	ChannelTTL  time.Duration
	RenewWindow time.Duration
}

type HealthConfig struct {
	StaleAfter time.Duration
	Window     time.Duration
}

// ManualSyncConfig rate limits user-initiated syncs per key
type ManualSyncConfig struct {
	Interval time.Duration
	Burst    int
}

var defaults = map[string]interface{}{
	"http_addr":        ":8080",
	"log_level":        "info",
	"log_format":       "json",
	"shutdown_timeout": 30 * time.Second,

	"worker.poll_interval":    10 * time.Second,
	"worker.refresh_interval": time.Hour,
	"worker.renew_interval":   time.Hour,
	"worker.concurrency":      8,
	"worker.queue_size":       256,

	"sync.timeout":      5 * time.Minute,
	"sync.lease_margin": time.Minute,

	"token.proactive_window": 48 * time.Hour,

	"circuit.failure_threshold": 3,
	"circuit.open_duration":     time.Hour,

	"schedule.no_change_threshold": 5,
	"schedule.growth_factor":       1.5,
	"schedule.retry_base":          5 * time.Minute,
	"schedule.retry_cap":           24 * time.Hour,
	"schedule.contacts.default":    15 * time.Minute,
	"schedule.contacts.min":        5 * time.Minute,
	"schedule.contacts.max":        4 * time.Hour,
	"schedule.contacts.fallback":   time.Duration(0),
	"schedule.calendar.default":    10 * time.Minute,
	"schedule.calendar.min":        5 * time.Minute,
	"schedule.calendar.max":        2 * time.Hour,
	"schedule.calendar.fallback":   time.Hour,

	"webhook.channel_ttl":  7 * 24 * time.Hour,
	"webhook.renew_window": 24 * time.Hour,

	"health.stale_after": 7 * 24 * time.Hour,
	"health.window":      24 * time.Hour,

	"manual.interval": time.Minute,
	"manual.burst":    1,
}

// Load reads configuration from environment variables and, when CONFIG_FILE
// is set, a YAML or TOML file. Environment variables win over the file.
// Nested keys map to env names with dots replaced by underscores, so
// worker.poll_interval is WORKER_POLL_INTERVAL.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:     v.GetString("database_url"),
		HTTPAddr:        v.GetString("http_addr"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Google: GoogleConfig{
			ClientID:       v.GetString("google.client_id"),
			ClientSecret:   v.GetString("google.client_secret"),
			WebhookAddress: v.GetString("google.webhook_address"),
		},
		Worker: WorkerConfig{
			PollInterval:    v.GetDuration("worker.poll_interval"),
			RefreshInterval: v.GetDuration("worker.refresh_interval"),
			RenewInterval:   v.GetDuration("worker.renew_interval"),
			Concurrency:     v.GetInt("worker.concurrency"),
			QueueSize:       v.GetInt("worker.queue_size"),
		},
		Sync: SyncConfig{
			Timeout:     v.GetDuration("sync.timeout"),
			LeaseMargin: v.GetDuration("sync.lease_margin"),
		},
		Token: TokenConfig{
			ProactiveWindow: v.GetDuration("token.proactive_window"),
		},
		Circuit: CircuitConfig{
			FailureThreshold: v.GetUint("circuit.failure_threshold"),
			OpenDuration:     v.GetDuration("circuit.open_duration"),
		},
		Schedule: ScheduleConfig{
			NoChangeThreshold: v.GetUint("schedule.no_change_threshold"),
			GrowthFactor:      v.GetFloat64("schedule.growth_factor"),
			RetryBase:         v.GetDuration("schedule.retry_base"),
			RetryCap:          v.GetDuration("schedule.retry_cap"),
			Contacts:          intervals(v, "schedule.contacts"),
			Calendar:          intervals(v, "schedule.calendar"),
		},
		Webhook: WebhookConfig{
			ChannelTTL:  v.GetDuration("webhook.channel_ttl"),
			RenewWindow: v.GetDuration("webhook.renew_window"),
		},
		Health: HealthConfig{
			StaleAfter: v.GetDuration("health.stale_after"),
			Window:     v.GetDuration("health.window"),
		},
		Manual: ManualSyncConfig{
			Interval: v.GetDuration("manual.interval"),
			Burst:    v.GetInt("manual.burst"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, token refresh will not work")
	}
	if cfg.Google.WebhookAddress == "" {
		fmt.Println("Warning: GOOGLE_WEBHOOK_ADDRESS not set, calendar push notifications are disabled")
	}

	return cfg, nil
}

// Validate checks the settings that have no safe fallback
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	var errs []error
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Sync.Timeout <= 0 {
		errs = append(errs, errors.New("sync.timeout must be positive"))
	}
	if c.Schedule.GrowthFactor <= 1 {
		errs = append(errs, errors.New("schedule.growth_factor must be greater than 1"))
	}
	for name, profile := range map[string]IntervalConfig{"contacts": c.Schedule.Contacts, "calendar": c.Schedule.Calendar} {
		if profile.Min <= 0 || profile.Max < profile.Min {
			errs = append(errs, fmt.Errorf("schedule.%s: min must be positive and not above max", name))
		}
	}
	return errors.Join(errs...)
}

func intervals(v *viper.Viper, prefix string) IntervalConfig {
	return IntervalConfig{
		Default:  v.GetDuration(prefix + ".default"),
		Min:      v.GetDuration(prefix + ".min"),
		Max:      v.GetDuration(prefix + ".max"),
		Fallback: v.GetDuration(prefix + ".fallback"),
	}
}
