package core

import (
	"fmt"
	"strings"
	"time"
)

const DefaultTier = "default"

type DedupConfig struct {
	RetentionWindow time.Duration `koanf:"retention_window" mapstructure:"retention_window"`
	MaxEntries      int           `koanf:"max_entries" mapstructure:"max_entries"`
}

type BucketConfig struct {
	Capacity        int     `koanf:"capacity" mapstructure:"capacity"`
	RefillPerSecond float64 `koanf:"refill_per_second" mapstructure:"refill_per_second"`
}

// RefillInterval is the time it takes to earn one token back.
func (c BucketConfig) RefillInterval() time.Duration {
	if c.RefillPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.RefillPerSecond)
}

type RateLimitConfig struct {
	Default BucketConfig            `koanf:"default" mapstructure:"default"`
	Tiers   map[string]BucketConfig `koanf:"tiers" mapstructure:"tiers"`
}

// Bucket returns the bucket settings for a tier, falling back to the default.
func (c RateLimitConfig) Bucket(tier string) BucketConfig {
	tier = strings.TrimSpace(strings.ToLower(tier))
	if tier != "" && tier != DefaultTier {
		if bucket, ok := c.Tiers[tier]; ok {
			return bucket
		}
	}
	return c.Default
}

type DispatchConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	Multiplier    float64       `koanf:"multiplier" mapstructure:"multiplier"`
	MaxDelay      time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	CallTimeout   time.Duration `koanf:"call_timeout" mapstructure:"call_timeout"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace" mapstructure:"shutdown_grace"`
}

type RecorderConfig struct {
	PersistenceAttempts int           `koanf:"persistence_attempts" mapstructure:"persistence_attempts"`
	PersistenceBackoff  time.Duration `koanf:"persistence_backoff" mapstructure:"persistence_backoff"`
}

type RuleCacheConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Dedup       DedupConfig     `koanf:"dedup" mapstructure:"dedup"`
	RateLimit   RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Dispatch    DispatchConfig  `koanf:"dispatch" mapstructure:"dispatch"`
	Recorder    RecorderConfig  `koanf:"recorder" mapstructure:"recorder"`
	RuleCache   RuleCacheConfig `koanf:"rule_cache" mapstructure:"rule_cache"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "automation",
		Dedup: DedupConfig{
			RetentionWindow: 24 * time.Hour,
			MaxEntries:      100_000,
		},
		RateLimit: RateLimitConfig{
			Default: BucketConfig{Capacity: 10, RefillPerSecond: 1.0 / 6},
			Tiers:   map[string]BucketConfig{},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   3,
			BaseDelay:     500 * time.Millisecond,
			Multiplier:    2,
			MaxDelay:      10 * time.Second,
			CallTimeout:   15 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Recorder: RecorderConfig{
			PersistenceAttempts: 3,
			PersistenceBackoff:  100 * time.Millisecond,
		},
		RuleCache: RuleCacheConfig{TTL: time.Minute},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Dedup.RetentionWindow <= 0 {
		return fmt.Errorf("core: dedup.retention_window must be positive")
	}
	if err := validateBucket("rate_limit.default", c.RateLimit.Default); err != nil {
		return err
	}
	for name, bucket := range c.RateLimit.Tiers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("core: rate_limit tier name is required")
		}
		if err := validateBucket("rate_limit.tiers."+name, bucket); err != nil {
			return err
		}
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("core: dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.BaseDelay < 0 || c.Dispatch.MaxDelay < 0 {
		return fmt.Errorf("core: dispatch delays must not be negative")
	}
	if c.Dispatch.Multiplier < 1 {
		return fmt.Errorf("core: dispatch.multiplier must be at least 1")
	}
	if c.Dispatch.MaxDelay > 0 && c.Dispatch.BaseDelay > c.Dispatch.MaxDelay {
		return fmt.Errorf("core: dispatch.base_delay is invalid: exceeds max_delay")
	}
	if c.Recorder.PersistenceAttempts < 1 {
		return fmt.Errorf("core: recorder.persistence_attempts must be at least 1")
	}
	return nil
}

func validateBucket(path string, bucket BucketConfig) error {
	if bucket.Capacity < 1 {
		return fmt.Errorf("core: %s.capacity must be at least 1", path)
	}
	if bucket.RefillPerSecond <= 0 {
		return fmt.Errorf("core: %s.refill_per_second must be positive", path)
	}
	return nil
}
