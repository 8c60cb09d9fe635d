package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN             string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL             string `env:"RABBITMQ_URL,required=true"`
	RedisURL                string `env:"REDIS_URL,required=true"`
	APIPort                 int    `env:"API_PORT,default=8080"`
	LogLevel                string `env:"LOG_LEVEL,default=info"`
	WebhookTimeoutRaw       string `env:"WEBHOOK_TIMEOUT,default=30s"`
	WebhookUserAgent        string `env:"WEBHOOK_USER_AGENT,default=community-lending-webhooks/1.0"`
	RateLimitPerSec         int    `env:"RATE_LIMIT_PER_SEC,default=10"`
	DispatchConcurrency     int    `env:"DISPATCH_CONCURRENCY,default=16"`
	SweepConcurrency        int    `env:"SWEEP_CONCURRENCY,default=8"`
	RetrySweepIntervalRaw   string `env:"RETRY_SWEEP_INTERVAL,default=1m"`
	RetrySweepLimit         int    `env:"RETRY_SWEEP_LIMIT,default=100"`
	WorkerConcurrency       int    `env:"WORKER_CONCURRENCY,default=4"`
	WorkerPrefetch          int    `env:"WORKER_PREFETCH,default=16"`
	CircuitBreakerThreshold int    `env:"CIRCUIT_BREAKER_THRESHOLD,default=5"`

	WebhookTimeout     time.Duration
	RetrySweepInterval time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.WebhookTimeout, err = parsePositiveDuration("WEBHOOK_TIMEOUT", cfg.WebhookTimeoutRaw); err != nil {
		return nil, err
	}
	if cfg.RetrySweepInterval, err = parsePositiveDuration("RETRY_SWEEP_INTERVAL", cfg.RetrySweepIntervalRaw); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	positive := map[string]int{
		"API_PORT":                  c.APIPort,
		"DISPATCH_CONCURRENCY":      c.DispatchConcurrency,
		"SWEEP_CONCURRENCY":         c.SweepConcurrency,
		"RETRY_SWEEP_LIMIT":         c.RetrySweepLimit,
		"WORKER_CONCURRENCY":        c.WorkerConcurrency,
		"WORKER_PREFETCH":           c.WorkerPrefetch,
		"CIRCUIT_BREAKER_THRESHOLD": c.CircuitBreakerThreshold,
	}
	for name, value := range positive {
		if value < 1 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", name, value)
		}
	}
	// Zero disables per-endpoint rate limiting.
	if c.RateLimitPerSec < 0 {
		return fmt.Errorf("invalid config: RATE_LIMIT_PER_SEC must not be negative, got %d", c.RateLimitPerSec)
	}
	return nil
}

func parsePositiveDuration(name string, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid config: %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid config: %s must be positive, got %s", name, raw)
	}
	return d, nil
}
