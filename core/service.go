package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service runs inbound events through admission, matching, dispatch and
// recording. It is safe for concurrent use; events for different accounts
// never wait on each other.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	rules           RuleStore
	outcomes        OutcomeStore
	ledger          DedupLedger
	limiter         RateLimiter
	dispatcher      *Dispatcher
	recorder        *Recorder
	escalator       Escalator
	tracer          trace.Tracer
	now             func() time.Time

	inflight sync.WaitGroup
	closing  atomic.Bool
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("automation", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("automation"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.sleeper == nil {
		builder.sleeper = SleeperFunc(waitWithContext)
	}
	if builder.tracer == nil {
		builder.tracer = otel.Tracer(tracerName)
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.newID == nil {
		builder.newID = newLogID
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if err := finalConfig.Validate(); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.performer == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: action performer is required"))
	}
	if builder.ruleStore == nil {
		builder.ruleStore = NewMemoryRuleStore()
	}
	if builder.outcomeStore == nil {
		builder.outcomeStore = NewMemoryOutcomeStore(builder.ruleStore)
	}
	if builder.ledger == nil {
		ledger := NewMemoryDedupLedgerWithLimits(finalConfig.Dedup.RetentionWindow, finalConfig.Dedup.MaxEntries)
		ledger.Now = builder.now
		builder.ledger = ledger
	}

	dispatcher, err := NewDispatcher(builder.performer, builder.limiter, finalConfig.Dispatch)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	dispatcher.Sleeper = builder.sleeper
	dispatcher.Logger = logger
	dispatcher.Tracer = builder.tracer

	recorder, err := NewRecorder(builder.outcomeStore, finalConfig.Recorder)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	recorder.sleeper = builder.sleeper
	recorder.logger = logger
	recorder.now = builder.now
	recorder.newID = builder.newID

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		rules:           builder.ruleStore,
		outcomes:        builder.outcomeStore,
		ledger:          builder.ledger,
		limiter:         builder.limiter,
		dispatcher:      dispatcher,
		recorder:        recorder,
		escalator:       builder.escalator,
		tracer:          builder.tracer,
		now:             builder.now,
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Logger() Logger {
	if s == nil {
		return glog.Nop()
	}
	return s.logger
}

func (s *Service) LoggerProvider() LoggerProvider {
	if s == nil {
		return nil
	}
	return s.loggerProvider
}

func (s *Service) RuleStore() RuleStore {
	if s == nil {
		return nil
	}
	return s.rules
}

func (s *Service) OutcomeStore() OutcomeStore {
	if s == nil {
		return nil
	}
	return s.outcomes
}

func (s *Service) DedupLedger() DedupLedger {
	if s == nil {
		return nil
	}
	return s.ledger
}

// Process handles one delivery of an event. A repeat delivery inside the
// retention window returns a skipped_duplicate result and touches nothing.
// The returned error is non-nil only for malformed input, a ledger failure,
// shutdown, or a persistence failure that lost the audit record.
func (s *Service) Process(ctx context.Context, event InboundEvent) (ProcessResult, error) {
	if s == nil {
		return ProcessResult{}, fmt.Errorf("core: service is nil")
	}
	if s.closing.Load() {
		return ProcessResult{}, s.mapError(ErrShuttingDown)
	}
	s.inflight.Add(1)
	defer s.inflight.Done()
	if ctx == nil {
		ctx = context.Background()
	}

	event = trimEvent(event)
	if err := ValidateEvent(event); err != nil {
		s.logWarn(ctx, "malformed event dropped", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
		s.recordCounter(ctx, "automation.events.malformed", 1, nil)
		return ProcessResult{}, err
	}

	startedAt := s.now()
	ctx, span := s.tracer.Start(ctx, "automation.process_event",
		trace.WithAttributes(
			attribute.String("automation.account_id", event.AccountID),
			attribute.String("automation.event_id", event.EventID),
			attribute.String("automation.event_type", string(event.EventType)),
		),
	)
	defer span.End()

	result := ProcessResult{EventID: event.EventID, AccountID: event.AccountID}

	admitted, err := s.ledger.Admit(ctx, event.AccountID, event.EventID)
	if err != nil {
		err = PersistenceError(err, "admit event")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logError(ctx, "event admission failed", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
		return result, s.mapError(err)
	}
	if !admitted {
		return s.duplicateResult(ctx, span, event, result, nil), nil
	}
	existing, found, findErr := s.outcomes.FindByEvent(ctx, event.AccountID, event.EventID)
	if findErr != nil {
		s.logWarn(ctx, "audit log lookup failed during admission", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      findErr.Error(),
		})
	} else if found {
		return s.duplicateResult(ctx, span, event, result, &existing), nil
	}

	match := NoMatch()
	var outcome ActionOutcome
	rules, err := s.rules.ActiveRulesFor(ctx, event.AccountID)
	if err != nil {
		outcome = ActionOutcome{Status: OutcomeFailure, ErrorDetail: "rule lookup failed: " + err.Error()}
	} else {
		match = Match(event, rules)
		outcome = s.dispatcher.Dispatch(ctx, event, match)
	}
	result.Match = match
	result.Outcome = outcome
	result.Latency = elapsedSince(s.now, startedAt)

	span.SetAttributes(
		attribute.String("automation.status", string(outcome.Status)),
		attribute.Int("automation.attempt_count", outcome.AttemptCount),
	)
	if ruleID := match.RuleID(); ruleID != "" {
		span.SetAttributes(attribute.String("automation.rule_id", ruleID))
	}

	input := RecordInput{
		Event:   event,
		Match:   match,
		Outcome: outcome,
		Latency: result.Latency,
	}
	entry, err := s.recorder.Record(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.handleRecordFailure(ctx, input, err)
		s.observeEvent(ctx, result, err)
		return result, s.mapError(err)
	}
	result.Entry = &entry
	if outcome.Status == OutcomeFailure {
		span.SetStatus(codes.Error, outcome.ErrorDetail)
	}
	s.observeEvent(ctx, result, nil)
	return result, nil
}

func (s *Service) duplicateResult(ctx context.Context, span trace.Span, event InboundEvent, result ProcessResult, existing *LogEntry) ProcessResult {
	result.Duplicate = true
	result.Outcome = ActionOutcome{Status: OutcomeSkippedDuplicate}
	result.Entry = existing
	span.SetAttributes(attribute.String("automation.status", string(OutcomeSkippedDuplicate)))
	s.observeDuplicate(ctx, event)
	return result
}

// handleRecordFailure hands the already dispatched outcome to the escalator
// so it can be recorded later. Without an escalator, or when escalation
// fails, the admission is released so a redelivery can retry the event.
func (s *Service) handleRecordFailure(ctx context.Context, input RecordInput, cause error) {
	detached := context.WithoutCancel(ctx)
	event := input.Event
	if s.escalator != nil {
		err := s.escalator.Escalate(detached, input, cause)
		if err == nil {
			s.logWarn(ctx, "event escalated for reconcile", map[string]any{
				"event_id":   event.EventID,
				"account_id": event.AccountID,
				"error":      cause.Error(),
			})
			return
		}
		s.logError(ctx, "event escalation failed", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
	}
	if err := s.ledger.Release(detached, event.AccountID, event.EventID); err != nil {
		s.logError(ctx, "ledger release failed", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
	}
}

// Shutdown stops admitting events and waits for in-flight ones. Dispatches
// already running keep their shutdown grace period.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.closing.Store(true)
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeLedger drops expired admissions.
func (s *Service) PurgeLedger(ctx context.Context) (int, error) {
	if s == nil || s.ledger == nil {
		return 0, fmt.Errorf("core: dedup ledger is not configured")
	}
	purged, err := s.ledger.PurgeExpired(ctx)
	if err != nil {
		return 0, s.mapError(PersistenceError(err, "purge ledger"))
	}
	s.logInfo(ctx, "dedup ledger purged", map[string]any{"purged": purged})
	return purged, nil
}

// ValidateEvent checks the invariants every canonical event must satisfy.
func ValidateEvent(event InboundEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return MalformedEventError("event_id", "is required")
	}
	if strings.TrimSpace(event.AccountID) == "" {
		return MalformedEventError("account_id", "is required")
	}
	if !event.EventType.Valid() {
		return MalformedEventError("event_type", fmt.Sprintf("%q is not supported", event.EventType))
	}
	return nil
}

func trimEvent(event InboundEvent) InboundEvent {
	event.EventID = strings.TrimSpace(event.EventID)
	event.AccountID = strings.TrimSpace(event.AccountID)
	event.UserID = strings.TrimSpace(event.UserID)
	event.SenderHandle = strings.TrimSpace(event.SenderHandle)
	event.SenderID = strings.TrimSpace(event.SenderID)
	event.MediaID = strings.TrimSpace(event.MediaID)
	return event
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func newLogID() string {
	return uuid.NewString()
}
