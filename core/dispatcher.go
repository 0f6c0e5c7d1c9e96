package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func DefaultDispatchConfig() DispatchConfig {
	return DefaultConfig().Dispatch
}

// Dispatcher performs the external action for a matched rule. Each call walks
// an explicit (attempt, delay) state machine bounded by MaxAttempts.
type Dispatcher struct {
	performer ActionPerformer
	limiter   RateLimiter
	config    DispatchConfig

	Sleeper Sleeper
	Logger  Logger
	Tracer  trace.Tracer
}

func NewDispatcher(performer ActionPerformer, limiter RateLimiter, config DispatchConfig) (*Dispatcher, error) {
	if performer == nil {
		return nil, fmt.Errorf("core: action performer is required")
	}
	defaults := DefaultDispatchConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.ShutdownGrace < 0 {
		config.ShutdownGrace = 0
	}
	return &Dispatcher{
		performer: performer,
		limiter:   limiter,
		config:    config,
		Sleeper:   SleeperFunc(waitWithContext),
		Tracer:    otel.Tracer(tracerName),
	}, nil
}

type retryState struct {
	attempt   int
	nextDelay time.Duration
	lastErr   error
}

func (d *Dispatcher) Dispatch(ctx context.Context, event InboundEvent, match MatchResult) ActionOutcome {
	if d == nil || d.performer == nil {
		return ActionOutcome{Status: OutcomeFailure, ErrorDetail: "core: dispatcher is not configured"}
	}
	if !match.Matched {
		return ActionOutcome{Status: OutcomeSkippedNoMatch}
	}

	if d.limiter != nil {
		allowed, err := d.limiter.TryAcquire(ctx, event.AccountID)
		if err != nil {
			return ActionOutcome{
				Status:      OutcomeSkippedRateLimited,
				ErrorDetail: "rate limiter unavailable: " + err.Error(),
			}
		}
		if !allowed {
			return ActionOutcome{
				Status:      OutcomeSkippedRateLimited,
				ErrorDetail: "rate limit exceeded for account " + event.AccountID,
			}
		}
	}

	req := ActionRequest{
		AccountID:      event.AccountID,
		RuleType:       match.Rule.Type,
		TargetHandle:   strings.TrimPrefix(strings.TrimSpace(event.SenderHandle), "@"),
		TargetID:       event.SenderID,
		EventID:        event.EventID,
		EventType:      event.EventType,
		MediaID:        event.MediaID,
		Message:        RenderActionMessage(match.Rule.ActionMessage, event, match.MatchedKeyword),
		IdempotencyKey: event.EventID,
	}
	idempotent := supportsIdempotency(d.performer)

	state := retryState{nextDelay: d.config.BaseDelay}
	for {
		state.attempt++
		result, err := d.attempt(ctx, req, state.attempt)
		if err == nil {
			return ActionOutcome{
				Status:       OutcomeSuccess,
				AttemptCount: state.attempt,
				ExternalRef:  result.ExternalRef,
				Idempotent:   idempotent,
			}
		}
		state.lastErr = err
		transient := IsTransient(err)
		failure := ActionOutcome{
			Status:       OutcomeFailure,
			ErrorDetail:  err.Error(),
			AttemptCount: state.attempt,
			Retryable:    transient,
			Idempotent:   idempotent,
		}
		if !transient || state.attempt >= d.config.MaxAttempts {
			return failure
		}
		if ctx.Err() != nil {
			failure.ErrorDetail = err.Error() + "; retry abandoned: " + ctx.Err().Error()
			return failure
		}
		if !idempotent {
			logWithLevel(ctx, d.Logger, "warn", "retrying action without idempotency support", map[string]any{
				"event_id":   event.EventID,
				"account_id": event.AccountID,
				"rule_id":    match.Rule.ID,
				"attempt":    state.attempt,
			})
		}
		wait := state.nextDelay
		if hint := retryAfterHint(err); hint > wait {
			wait = min(hint, d.config.MaxDelay)
		}
		if sleepErr := d.sleeper().Sleep(ctx, wait); sleepErr != nil {
			failure.ErrorDetail = err.Error() + "; retry abandoned: " + sleepErr.Error()
			return failure
		}
		state.nextDelay = d.delayFor(state.attempt + 1)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, req ActionRequest, attempt int) (ActionResult, error) {
	callCtx, release := d.callContext(ctx)
	defer release()

	callCtx, span := d.tracer().Start(callCtx, "automation.dispatch.attempt",
		trace.WithAttributes(
			attribute.String("automation.account_id", req.AccountID),
			attribute.String("automation.event_id", req.EventID),
			attribute.String("automation.rule_type", string(req.RuleType)),
			attribute.Int("automation.attempt", attempt),
		),
	)
	defer span.End()

	result, err := d.performer.PerformAction(callCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ActionResult{}, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// callContext detaches the external call from the caller's cancellation. Once
// the caller is cancelled the call gets ShutdownGrace to finish before it is
// cancelled too.
func (d *Dispatcher) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(parent))

	var mu sync.Mutex
	var graceTimer *time.Timer
	stop := context.AfterFunc(parent, func() {
		mu.Lock()
		defer mu.Unlock()
		graceTimer = time.AfterFunc(d.config.ShutdownGrace, cancel)
	})

	callCtx := detached
	cancelTimeout := context.CancelFunc(func() {})
	if d.config.CallTimeout > 0 {
		callCtx, cancelTimeout = context.WithTimeout(detached, d.config.CallTimeout)
	}
	return callCtx, func() {
		stop()
		mu.Lock()
		if graceTimer != nil {
			graceTimer.Stop()
		}
		mu.Unlock()
		cancelTimeout()
		cancel()
	}
}

func (d *Dispatcher) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.BaseDelay)
	multiplier := math.Pow(d.config.Multiplier, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 || next > d.config.MaxDelay {
		return d.config.MaxDelay
	}
	return next
}

func (d *Dispatcher) sleeper() Sleeper {
	if d != nil && d.Sleeper != nil {
		return d.Sleeper
	}
	return SleeperFunc(waitWithContext)
}

func (d *Dispatcher) tracer() trace.Tracer {
	if d != nil && d.Tracer != nil {
		return d.Tracer
	}
	return otel.Tracer(tracerName)
}

func supportsIdempotency(performer ActionPerformer) bool {
	aware, ok := performer.(IdempotencyAware)
	return ok && aware.SupportsIdempotency()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
