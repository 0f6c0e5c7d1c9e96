package automation

import (
	"github.com/goliatone/go-automation/core"
	"github.com/goliatone/go-automation/ratelimit"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type InboundEvent = core.InboundEvent
type Rule = core.Rule
type LogEntry = core.LogEntry
type LogFilter = core.LogFilter
type LogPage = core.LogPage
type ProcessResult = core.ProcessResult
type ActionPerformer = core.ActionPerformer
type RuleRepository = core.RuleRepository

type ListLogsRequest = core.ListLogsRequest
type LogSummaryRequest = core.LogSummaryRequest
type LogSummaryReport = core.LogSummaryReport
type RuleStat = core.RuleStat

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithRuleStore       = core.WithRuleStore
	WithOutcomeStore    = core.WithOutcomeStore
	WithDedupLedger     = core.WithDedupLedger
	WithRateLimiter     = core.WithRateLimiter
	WithActionPerformer = core.WithActionPerformer
	WithEscalator       = core.WithEscalator
	WithSleeper         = core.WithSleeper
	WithTracer          = core.WithTracer
	WithClock           = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

// NewRateLimiter builds the token bucket limiter for cfg.RateLimit. A nil
// store keeps bucket state in memory.
func NewRateLimiter(cfg Config, store ratelimit.BucketStore, tiers ratelimit.TierResolver) *ratelimit.Limiter {
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit)
	if tiers != nil {
		limiter.Tiers = tiers
	}
	return limiter
}
