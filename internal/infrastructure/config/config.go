package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Detection  DetectionConfig  `koanf:"detection"`
	Reputation ReputationConfig `koanf:"reputation"`
	Blocking   BlockingConfig   `koanf:"blocking"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	RateLimits []RateLimitRule  `koanf:"rate_limits"`
	Alerting   AlertingConfig   `koanf:"alerting"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"gte=0,lte=1"`
}

// DetectionConfig carries the policy thresholds for the built-in attack
// patterns. These are policy knobs, not contracts; the defaults mirror
// production tuning.
type DetectionConfig struct {
	Window               time.Duration `koanf:"window"`
	RapidSuccessionMax   int           `koanf:"rapid_succession_max" validate:"gt=0"`
	SequentialMinRun     int           `koanf:"sequential_min_run" validate:"gt=1"`
	DistributedMinIPs    int           `koanf:"distributed_min_ips" validate:"gt=1"`
	BotMinTimedAttempts  int           `koanf:"bot_min_timed_attempts" validate:"gt=2"`
	BotTimingVarianceMs  float64       `koanf:"bot_timing_variance_ms" validate:"gte=0"`
	BotSameUserAgentMin  int           `koanf:"bot_same_user_agent_min" validate:"gt=1"`
	StuffingMinEmails    int           `koanf:"stuffing_min_emails" validate:"gt=1"`
	EnumerationMinEmails int           `koanf:"enumeration_min_emails" validate:"gt=1"`
	DictionaryMinMatches int           `koanf:"dictionary_min_matches" validate:"gt=0"`
	LedgerRetention      time.Duration `koanf:"ledger_retention"`
	LedgerMaxPerIP       int           `koanf:"ledger_max_per_ip" validate:"gt=0"`
}

// ReputationConfig holds the composite weighting knobs. Weights must sum to 1.
type ReputationConfig struct {
	AbuseFeedWeight float64       `koanf:"abuse_feed_weight" validate:"gte=0,lte=1"`
	BlockListWeight float64       `koanf:"block_list_weight" validate:"gte=0,lte=1"`
	InternalWeight  float64       `koanf:"internal_weight" validate:"gte=0,lte=1"`
	LookupTimeout   time.Duration `koanf:"lookup_timeout"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	AbuseFeedURL    string        `koanf:"abuse_feed_url"`
	AbuseFeedAPIKey string        `koanf:"abuse_feed_api_key"`
	BlockListURL    string        `koanf:"block_list_url"`
}

type BlockingConfig struct {
	AttackIPBlock     time.Duration `koanf:"attack_ip_block"`
	AttackSubnetBlock time.Duration `koanf:"attack_subnet_block"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gt=0"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
}

// RateLimitRule configures one dynamic limiter. Distinct rules never share
// counters even when scopes coincide; the composed counter key always
// includes Key.
type RateLimitRule struct {
	Key           string   `koanf:"key" validate:"required"`
	MaxRequests   int      `koanf:"max_requests" validate:"gt=0"`
	WindowSeconds int      `koanf:"window_seconds" validate:"gt=0"`
	Scope         string   `koanf:"scope" validate:"oneof=user ip global custom"`
	ExemptUsers   []string `koanf:"exempt_users"`
	ExemptIPs     []string `koanf:"exempt_ips"`
}

type AlertingConfig struct {
	WebhookURL      string        `koanf:"webhook_url"`
	PerIPAlertBurst int           `koanf:"per_ip_alert_burst" validate:"gt=0"`
	PerIPAlertEvery time.Duration `koanf:"per_ip_alert_every"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
		Detection: DetectionConfig{
			Window:               15 * time.Minute,
			RapidSuccessionMax:   10,
			SequentialMinRun:     3,
			DistributedMinIPs:    5,
			BotMinTimedAttempts:  5,
			BotTimingVarianceMs:  50,
			BotSameUserAgentMin:  10,
			StuffingMinEmails:    8,
			EnumerationMinEmails: 20,
			DictionaryMinMatches: 3,
			LedgerRetention:      30 * time.Minute,
			LedgerMaxPerIP:       500,
		},
		Reputation: ReputationConfig{
			AbuseFeedWeight: 0.4,
			BlockListWeight: 0.2,
			InternalWeight:  0.4,
			LookupTimeout:   5 * time.Second,
			CacheTTL:        5 * time.Minute,
		},
		Blocking: BlockingConfig{
			AttackIPBlock:     4 * time.Hour,
			AttackSubnetBlock: 30 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		RateLimits: []RateLimitRule{
			{Key: "registration", MaxRequests: 5, WindowSeconds: 3600, Scope: "ip"},
			{Key: "login", MaxRequests: 10, WindowSeconds: 900, Scope: "ip"},
		},
		Alerting: AlertingConfig{
			PerIPAlertBurst: 3,
			PerIPAlertEvery: 5 * time.Minute,
			DeliveryTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from defaults, an optional yaml file and GUARD_*
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/guard.yaml"
	}
	// Config file is optional
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("GUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GUARD_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces startup-time invariants. A violation here is a
// configuration error and aborts the process.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errors.NewConfigurationError("INVALID_CONFIG", "configuration failed validation").WithCause(err)
	}

	weightSum := c.Reputation.AbuseFeedWeight + c.Reputation.BlockListWeight + c.Reputation.InternalWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return errors.NewConfigurationError("INVALID_WEIGHTS",
			fmt.Sprintf("reputation weights must sum to 1.0, got %.3f", weightSum))
	}

	seen := make(map[string]bool, len(c.RateLimits))
	for _, rule := range c.RateLimits {
		if seen[rule.Key] {
			return errors.NewConfigurationError("DUPLICATE_LIMITER",
				fmt.Sprintf("duplicate rate limit key %q", rule.Key))
		}
		seen[rule.Key] = true
	}

	return nil
}
