package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-automation/core"

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	ruleStore       RuleStore
	outcomeStore    OutcomeStore
	ledger          DedupLedger
	limiter         RateLimiter
	performer       ActionPerformer
	escalator       Escalator
	sleeper         Sleeper
	tracer          trace.Tracer
	now             func() time.Time
	newID           func() string
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRuleStore(store RuleStore) Option {
	return func(b *serviceBuilder) {
		b.ruleStore = store
	}
}

func WithOutcomeStore(store OutcomeStore) Option {
	return func(b *serviceBuilder) {
		b.outcomeStore = store
	}
}

func WithDedupLedger(ledger DedupLedger) Option {
	return func(b *serviceBuilder) {
		b.ledger = ledger
	}
}

func WithRateLimiter(limiter RateLimiter) Option {
	return func(b *serviceBuilder) {
		b.limiter = limiter
	}
}

func WithActionPerformer(performer ActionPerformer) Option {
	return func(b *serviceBuilder) {
		b.performer = performer
	}
}

func WithEscalator(escalator Escalator) Option {
	return func(b *serviceBuilder) {
		b.escalator = escalator
	}
}

func WithSleeper(sleeper Sleeper) Option {
	return func(b *serviceBuilder) {
		b.sleeper = sleeper
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *serviceBuilder) {
		b.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(b *serviceBuilder) {
		b.newID = newID
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("automation", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		sleeper:         SleeperFunc(waitWithContext),
		tracer:          otel.Tracer(tracerName),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           newLogID,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves an already decoded configuration tree, such as
// the one produced by koanf in the command line tool.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	dedup := map[string]any{}
	putDuration(dedup, "retention_window", cfg.Dedup.RetentionWindow, includeZero)
	putInt(dedup, "max_entries", cfg.Dedup.MaxEntries, includeZero)
	putSection(layer, "dedup", dedup)

	rateLimit := map[string]any{}
	putSection(rateLimit, "default", bucketToLayerMap(cfg.RateLimit.Default, includeZero))
	if includeZero || len(cfg.RateLimit.Tiers) > 0 {
		tiers := map[string]any{}
		for name, bucket := range cfg.RateLimit.Tiers {
			tiers[strings.TrimSpace(strings.ToLower(name))] = bucketToLayerMap(bucket, true)
		}
		rateLimit["tiers"] = tiers
	}
	putSection(layer, "rate_limit", rateLimit)

	dispatch := map[string]any{}
	putInt(dispatch, "max_attempts", cfg.Dispatch.MaxAttempts, includeZero)
	putDuration(dispatch, "base_delay", cfg.Dispatch.BaseDelay, includeZero)
	if includeZero || cfg.Dispatch.Multiplier > 0 {
		dispatch["multiplier"] = cfg.Dispatch.Multiplier
	}
	putDuration(dispatch, "max_delay", cfg.Dispatch.MaxDelay, includeZero)
	putDuration(dispatch, "call_timeout", cfg.Dispatch.CallTimeout, includeZero)
	putDuration(dispatch, "shutdown_grace", cfg.Dispatch.ShutdownGrace, includeZero)
	putSection(layer, "dispatch", dispatch)

	recorder := map[string]any{}
	putInt(recorder, "persistence_attempts", cfg.Recorder.PersistenceAttempts, includeZero)
	putDuration(recorder, "persistence_backoff", cfg.Recorder.PersistenceBackoff, includeZero)
	putSection(layer, "recorder", recorder)

	ruleCache := map[string]any{}
	putDuration(ruleCache, "ttl", cfg.RuleCache.TTL, includeZero)
	putSection(layer, "rule_cache", ruleCache)
	return layer
}

func bucketToLayerMap(bucket BucketConfig, includeZero bool) map[string]any {
	out := map[string]any{}
	putInt(out, "capacity", bucket.Capacity, includeZero)
	if includeZero || bucket.RefillPerSecond > 0 {
		out["refill_per_second"] = bucket.RefillPerSecond
	}
	return out
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func putDuration(layer map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
