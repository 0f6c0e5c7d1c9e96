package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

func TestNewService_DefaultDependencies(t *testing.T) {
	svc, err := NewService(Config{}, WithActionPerformer(&scriptedPerformer{}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Logger() == nil || svc.LoggerProvider() == nil {
		t.Fatalf("expected default logger and provider")
	}
	if _, ok := svc.RuleStore().(*MemoryRuleStore); !ok {
		t.Fatalf("expected memory rule store, got %T", svc.RuleStore())
	}
	if _, ok := svc.OutcomeStore().(*MemoryOutcomeStore); !ok {
		t.Fatalf("expected memory outcome store, got %T", svc.OutcomeStore())
	}
	if _, ok := svc.DedupLedger().(*MemoryDedupLedger); !ok {
		t.Fatalf("expected memory dedup ledger, got %T", svc.DedupLedger())
	}
	cfg := svc.Config()
	if cfg.ServiceName != "automation" {
		t.Fatalf("expected default service_name=automation, got %q", cfg.ServiceName)
	}
	if cfg.Dedup.RetentionWindow != 24*time.Hour || cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestNewService_WithXOverrides(t *testing.T) {
	logger := newCaptureLogger()
	rules := NewMemoryRuleStore()
	ledger := NewMemoryDedupLedger(time.Hour)
	override := DefaultConfig()
	override.ServiceName = "override"

	svc, err := NewService(Config{},
		WithActionPerformer(&scriptedPerformer{}),
		WithLogger(logger),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithRuleStore(rules),
		WithDedupLedger(ledger),
		WithConfigProvider(&fixedConfigProvider{cfg: override}),
		WithOptionsResolver(&fixedOptionsResolver{cfg: override}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Logger() != Logger(logger) {
		t.Fatalf("expected provider logger to be used")
	}
	if svc.RuleStore() != RuleStore(rules) || svc.DedupLedger() != DedupLedger(ledger) {
		t.Fatalf("expected injected stores to be used")
	}
	if svc.Config().ServiceName != "override" {
		t.Fatalf("expected resolver output, got %q", svc.Config().ServiceName)
	}
}

func TestNewService_ConfigLayeringPrecedence(t *testing.T) {
	loaded := DefaultConfig()
	loaded.ServiceName = "from-config"
	loaded.Dispatch.MaxAttempts = 5
	loaded.Recorder.PersistenceAttempts = 4

	runtime := Config{}
	runtime.Dispatch.MaxAttempts = 7

	svc, err := NewService(runtime,
		WithActionPerformer(&scriptedPerformer{}),
		WithConfigProvider(&fixedConfigProvider{cfg: loaded}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	cfg := svc.Config()
	if cfg.Dispatch.MaxAttempts != 7 {
		t.Fatalf("expected runtime layer to win, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.ServiceName != "from-config" || cfg.Recorder.PersistenceAttempts != 4 {
		t.Fatalf("expected config layer values, got %+v", cfg)
	}
	if cfg.Dedup.RetentionWindow != 24*time.Hour {
		t.Fatalf("expected default retention, got %s", cfg.Dedup.RetentionWindow)
	}
}

func TestCfgxConfigProvider_LoadsRawTree(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticConfigLoader(map[string]any{
		"service_name": "automation-test",
		"dispatch": map[string]any{
			"max_attempts": 4,
		},
	}))
	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "automation-test" || cfg.Dispatch.MaxAttempts != 4 {
		t.Fatalf("expected raw values applied, got %+v", cfg)
	}
	if cfg.Dispatch.BaseDelay != 500*time.Millisecond {
		t.Fatalf("expected default base delay kept, got %s", cfg.Dispatch.BaseDelay)
	}
}

func TestNewService_InvalidConfigRejected(t *testing.T) {
	bad := DefaultConfig()
	bad.Dispatch.Multiplier = 0.5
	_, err := NewService(Config{},
		WithActionPerformer(&scriptedPerformer{}),
		WithOptionsResolver(&fixedOptionsResolver{cfg: bad}),
	)
	if err == nil {
		t.Fatalf("expected invalid multiplier to be rejected")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty service name":  func(c *Config) { c.ServiceName = "" },
		"zero retention":      func(c *Config) { c.Dedup.RetentionWindow = 0 },
		"zero capacity":       func(c *Config) { c.RateLimit.Default.Capacity = 0 },
		"zero refill":         func(c *Config) { c.RateLimit.Default.RefillPerSecond = 0 },
		"zero attempts":       func(c *Config) { c.Dispatch.MaxAttempts = 0 },
		"base above max":      func(c *Config) { c.Dispatch.BaseDelay = time.Minute },
		"no persistence try":  func(c *Config) { c.Recorder.PersistenceAttempts = 0 },
		"bad tier":            func(c *Config) { c.RateLimit.Tiers = map[string]BucketConfig{"pro": {}} },
		"negative base delay": func(c *Config) { c.Dispatch.BaseDelay = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}

func TestRateLimitConfig_BucketFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig().RateLimit
	cfg.Tiers = map[string]BucketConfig{"pro": {Capacity: 50, RefillPerSecond: 1}}
	if got := cfg.Bucket("PRO"); got.Capacity != 50 {
		t.Fatalf("expected pro tier, got %+v", got)
	}
	if got := cfg.Bucket("unknown"); got.Capacity != 10 {
		t.Fatalf("expected default tier, got %+v", got)
	}
	if interval := cfg.Default.RefillInterval(); interval < 6*time.Second-time.Millisecond || interval > 6*time.Second+time.Millisecond {
		t.Fatalf("expected 6s refill interval, got %s", interval)
	}
}

func TestMapBuildError_UsesMapper(t *testing.T) {
	err := mapBuildError(defaultErrorMapper, errors.New("core: action performer is required"))
	if MapError(err) == nil {
		t.Fatalf("expected mapped error")
	}
}
