package config

import (
	"errors"
	"fmt"
	"github.com/spf13/viper"
	"github/martinmaurice/spoolr/pkg/enum"
	"log/slog"
	"time"
)

const (
	minuteInSeconds = 60.0

	defaultRequestsPerMinute = 60
	defaultBurst             = 30

	defaultSpoolDir        = "/tmp/spoolr"
	defaultSpoolMaxBytes   = 8_000_000
	defaultDrainBatch      = 100
	defaultDrainInterval   = 30 * time.Second
	defaultRetryBaseDelay  = 250 * time.Millisecond
	defaultRetryMaxDelay   = 2 * time.Second
	defaultDurableAttempts = 3
	defaultBestEffortTries = 2
	maxKindCost            = 50
)

var (
	FileReadErr                  = errors.New("config file could not be read")
	RawConfigStructValidationErr = errors.New("config file content is invalid")
)

type retryRawConfig struct {
	Attempts  *int           `mapstructure:"attempts"`
	BaseDelay *time.Duration `mapstructure:"base_delay"`
	MaxDelay  *time.Duration `mapstructure:"max_delay"`
}

type kindRawConfig struct {
	Durability string `mapstructure:"durability"`
	Cost       *int   `mapstructure:"cost"`
}

type rawConfig struct {
	RateLimit *struct {
		RequestsPerMinute *int           `mapstructure:"requests_per_minute"`
		Burst             *int           `mapstructure:"burst"`
		EvictionInterval  *time.Duration `mapstructure:"eviction_interval"`
	} `mapstructure:"rate_limit"`
	Retry struct {
		Durable    retryRawConfig `mapstructure:"durable"`
		BestEffort retryRawConfig `mapstructure:"best_effort"`
	}
	Spool struct {
		Dir             string
		MaxBytes        *int64         `mapstructure:"max_bytes"`
		DrainBatch      *int           `mapstructure:"drain_batch"`
		DrainInterval   *time.Duration `mapstructure:"drain_interval"`
		DeadLetterAfter int            `mapstructure:"dead_letter_after"`
	}
	Kinds   map[string]kindRawConfig
	Metrics *struct {
		Enabled *bool
		Path    string
	}
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	EvictionInterval  time.Duration
}

// RefillRate is the number of tokens refilled per second.
func (r RateLimitConfig) RefillRate() float64 {
	return float64(max(1, r.RequestsPerMinute)) / minuteInSeconds
}

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (r RetryConfig) validate() error {
	if r.Attempts <= 0 {
		return errors.New("retry attempts must be greater than zero")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if r.MaxDelay < r.BaseDelay {
		return errors.New("retry max_delay must not be less than base_delay")
	}
	return nil
}

type SpoolConfig struct {
	Dir             string
	MaxBytes        int64
	DrainBatch      int
	DrainInterval   time.Duration
	DeadLetterAfter int // 0 keeps failing records forever
}

type KindConfig struct {
	Durability enum.Durability
	Cost       int
}

type metricConfig struct {
	Enabled bool
	Path    string
}

type Config struct {
	RateLimit RateLimitConfig
	Retry     map[enum.Durability]RetryConfig
	Spool     SpoolConfig
	Kinds     map[string]KindConfig
	Metrics   metricConfig
}

func parseRateLimitConfig(rc *rawConfig) (RateLimitConfig, error) {
	rateLimit := RateLimitConfig{
		RequestsPerMinute: defaultRequestsPerMinute,
		Burst:             defaultBurst,
	}
	if rc.RateLimit == nil {
		return rateLimit, nil
	}

	if rc.RateLimit.RequestsPerMinute != nil {
		if *rc.RateLimit.RequestsPerMinute <= 0 {
			return rateLimit, errors.New("rate_limit.requests_per_minute must be greater than zero")
		}
		rateLimit.RequestsPerMinute = *rc.RateLimit.RequestsPerMinute
	}

	if rc.RateLimit.Burst != nil {
		if *rc.RateLimit.Burst <= 0 {
			return rateLimit, errors.New("rate_limit.burst must be greater than zero")
		}
		rateLimit.Burst = *rc.RateLimit.Burst
	}

	if rc.RateLimit.EvictionInterval != nil {
		rateLimit.EvictionInterval = *rc.RateLimit.EvictionInterval
	}

	return rateLimit, nil
}

func parseRetryConfig(raw retryRawConfig, defaultAttempts int) (RetryConfig, error) {
	retry := RetryConfig{
		Attempts:  defaultAttempts,
		BaseDelay: defaultRetryBaseDelay,
		MaxDelay:  defaultRetryMaxDelay,
	}
	if raw.Attempts != nil {
		retry.Attempts = *raw.Attempts
	}
	if raw.BaseDelay != nil {
		retry.BaseDelay = *raw.BaseDelay
	}
	if raw.MaxDelay != nil {
		retry.MaxDelay = *raw.MaxDelay
	}
	return retry, retry.validate()
}

func parseSpoolConfig(rc *rawConfig) (SpoolConfig, error) {
	spool := SpoolConfig{
		Dir:             defaultSpoolDir,
		MaxBytes:        defaultSpoolMaxBytes,
		DrainBatch:      defaultDrainBatch,
		DrainInterval:   defaultDrainInterval,
		DeadLetterAfter: rc.Spool.DeadLetterAfter,
	}

	if rc.Spool.Dir != "" {
		spool.Dir = rc.Spool.Dir
	}
	if rc.Spool.MaxBytes != nil {
		if *rc.Spool.MaxBytes <= 0 {
			return spool, errors.New("spool.max_bytes must be greater than zero")
		}
		spool.MaxBytes = *rc.Spool.MaxBytes
	}
	if rc.Spool.DrainBatch != nil {
		if *rc.Spool.DrainBatch <= 0 {
			return spool, errors.New("spool.drain_batch must be greater than zero")
		}
		spool.DrainBatch = *rc.Spool.DrainBatch
	}
	if rc.Spool.DrainInterval != nil {
		spool.DrainInterval = *rc.Spool.DrainInterval
	}
	if spool.DeadLetterAfter < 0 {
		return spool, errors.New("spool.dead_letter_after must not be negative")
	}

	return spool, nil
}

func parseKindsConfig(rc *rawConfig) (map[string]KindConfig, error) {
	if len(rc.Kinds) == 0 {
		return nil, errors.New("at least one kind must be declared")
	}

	kinds := make(map[string]KindConfig, len(rc.Kinds))
	for name, raw := range rc.Kinds {
		durability, err := enum.ParseDurability(raw.Durability)
		if err != nil {
			return nil, fmt.Errorf("kind %s: %w", name, err)
		}

		cost := 1
		if raw.Cost != nil {
			cost = *raw.Cost
		}
		if cost <= 0 || cost > maxKindCost {
			return nil, fmt.Errorf("kind %s: cost must be between 1 and %d", name, maxKindCost)
		}

		kinds[name] = KindConfig{Durability: durability, Cost: cost}
	}

	return kinds, nil
}

func parseMetricConfig(rc *rawConfig) (*metricConfig, error) {
	metrics := metricConfig{
		Enabled: true,
		Path:    "/metrics",
	}

	if rc.Metrics != nil {
		if rc.Metrics.Path == "" {
			return nil, errors.New("metrics path could not be empty")
		}

		metrics.Path = rc.Metrics.Path

		if rc.Metrics.Enabled != nil {
			metrics.Enabled = *rc.Metrics.Enabled
		}
	}

	return &metrics, nil
}

func parseRawConfig(rc *rawConfig) (*Config, error) {
	rateLimit, err := parseRateLimitConfig(rc)
	if err != nil {
		return nil, err
	}

	durable, err := parseRetryConfig(rc.Retry.Durable, defaultDurableAttempts)
	if err != nil {
		return nil, fmt.Errorf("retry.durable: %w", err)
	}

	bestEffort, err := parseRetryConfig(rc.Retry.BestEffort, defaultBestEffortTries)
	if err != nil {
		return nil, fmt.Errorf("retry.best_effort: %w", err)
	}

	spool, err := parseSpoolConfig(rc)
	if err != nil {
		return nil, err
	}

	kinds, err := parseKindsConfig(rc)
	if err != nil {
		return nil, err
	}

	metric, err := parseMetricConfig(rc)
	if err != nil {
		return nil, err
	}

	return &Config{
		RateLimit: rateLimit,
		Retry: map[enum.Durability]RetryConfig{
			enum.Durable:    durable,
			enum.BestEffort: bestEffort,
		},
		Spool:   spool,
		Kinds:   kinds,
		Metrics: *metric,
	}, nil
}

func newConfig(path string) (*Config, error) {
	slog.Info("loading config", "path", path)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %w", FileReadErr, err)
	}

	var rc rawConfig
	if err := v.Unmarshal(&rc); err != nil {
		return nil, fmt.Errorf("%w: %w", RawConfigStructValidationErr, err)
	}

	cfg, err := parseRawConfig(&rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", RawConfigStructValidationErr, err)
	}

	return cfg, nil
}

// Load reads and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	return newConfig(path)
}
