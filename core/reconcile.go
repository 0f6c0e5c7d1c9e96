package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	JobIDReconcileOutcome = "automation.outcome.reconcile"
	JobIDPurgeLedger      = "automation.ledger.purge"

	jobDedupPolicyDrop = "drop"
	paramAttempt       = "_attempt"
)

// JobEscalator queues outcomes whose audit record could not be written.
type JobEscalator struct {
	Enqueuer JobEnqueuer
}

func NewJobEscalator(enqueuer JobEnqueuer) *JobEscalator {
	return &JobEscalator{Enqueuer: enqueuer}
}

func (e *JobEscalator) Escalate(ctx context.Context, input RecordInput, cause error) error {
	if e == nil || e.Enqueuer == nil {
		return fmt.Errorf("core: job escalator is not configured")
	}
	params := EncodeRecordInput(input)
	if cause != nil {
		params["cause"] = cause.Error()
	}
	return e.Enqueuer.Enqueue(ctx, &JobExecutionMessage{
		JobID:          JobIDReconcileOutcome,
		ScriptPath:     JobIDReconcileOutcome,
		Parameters:     params,
		IdempotencyKey: "reconcile:" + input.Event.Key(),
		DedupPolicy:    jobDedupPolicyDrop,
	})
}

// PurgeLedgerJob builds the periodic ledger purge message.
func PurgeLedgerJob(now time.Time) *JobExecutionMessage {
	bucket := now.UTC().Truncate(time.Hour).Format(time.RFC3339)
	return &JobExecutionMessage{
		JobID:          JobIDPurgeLedger,
		ScriptPath:     JobIDPurgeLedger,
		Parameters:     map[string]any{"scheduled_for": bucket},
		IdempotencyKey: "purge:" + bucket,
		DedupPolicy:    jobDedupPolicyDrop,
	}
}

type ReconcileRunnerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// ReconcileRunner consumes reconcile and purge jobs.
type ReconcileRunner struct {
	service *Service
	config  ReconcileRunnerConfig
	hook    JobWorkerHook
	now     func() time.Time
}

func NewReconcileRunner(service *Service, config ReconcileRunnerConfig, hook JobWorkerHook) (*ReconcileRunner, error) {
	if service == nil {
		return nil, fmt.Errorf("core: service is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 30 * time.Second
	}
	return &ReconcileRunner{
		service: service,
		config:  config,
		hook:    hook,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunOnce handles a single delivery. It returns the job id that was handled.
func (r *ReconcileRunner) RunOnce(ctx context.Context, dequeuer JobDequeuer) (string, error) {
	if r == nil || dequeuer == nil {
		return "", fmt.Errorf("core: reconcile runner is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return "", err
	}
	if delivery == nil {
		return "", nil
	}
	msg := delivery.Message()
	if msg == nil {
		return "", delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "empty job message"})
	}

	attempt := intParam(msg.Parameters, paramAttempt) + 1
	event := JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: r.now()}
	r.onStart(ctx, event)

	runErr := r.handle(ctx, msg)
	event.Duration = r.now().Sub(event.StartedAt)
	if runErr == nil {
		r.onSuccess(ctx, event)
		return msg.JobID, delivery.Ack(ctx)
	}

	event.Err = runErr
	opts := JobNackOptions{Requeue: true, Delay: r.config.RetryDelay, Reason: runErr.Error()}
	if attempt >= r.config.MaxAttempts || IsMalformedEvent(runErr) {
		opts = JobNackOptions{DeadLetter: true, Reason: runErr.Error()}
		r.onFailure(ctx, event)
	} else {
		event.Delay = opts.Delay
		r.onRetry(ctx, event)
	}
	if msg.Parameters == nil {
		msg.Parameters = map[string]any{}
	}
	msg.Parameters[paramAttempt] = attempt
	if nackErr := r.nack(ctx, delivery, opts, attempt); nackErr != nil {
		return msg.JobID, joinErrors(runErr, nackErr)
	}
	return msg.JobID, runErr
}

func (r *ReconcileRunner) handle(ctx context.Context, msg *JobExecutionMessage) error {
	switch strings.TrimSpace(msg.JobID) {
	case JobIDReconcileOutcome:
		input, err := DecodeRecordInput(msg.Parameters)
		if err != nil {
			return err
		}
		_, err = r.service.recorder.Record(ctx, input)
		return err
	case JobIDPurgeLedger:
		_, err := r.service.PurgeLedger(ctx)
		return err
	default:
		return MalformedEventError("job_id", fmt.Sprintf("%q is not handled", msg.JobID))
	}
}

func (r *ReconcileRunner) nack(ctx context.Context, delivery JobDelivery, opts JobNackOptions, attempt int) error {
	if attempting, ok := delivery.(interface {
		NackForAttempt(ctx context.Context, opts JobNackOptions, attempt int) error
	}); ok {
		return attempting.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, opts)
}

func (r *ReconcileRunner) onStart(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnStart(ctx, event)
	}
}

func (r *ReconcileRunner) onSuccess(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnSuccess(ctx, event)
	}
}

func (r *ReconcileRunner) onFailure(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnFailure(ctx, event)
	}
}

func (r *ReconcileRunner) onRetry(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnRetry(ctx, event)
	}
}

// LoggingJobHook writes job lifecycle events to a logger.
type LoggingJobHook struct {
	Logger Logger
}

func (h LoggingJobHook) OnStart(ctx context.Context, event JobWorkerEvent) {
	logWithLevel(ctx, h.Logger, "debug", "job started", jobFields(event))
}

func (h LoggingJobHook) OnSuccess(ctx context.Context, event JobWorkerEvent) {
	logWithLevel(ctx, h.Logger, "info", "job succeeded", jobFields(event))
}

func (h LoggingJobHook) OnFailure(ctx context.Context, event JobWorkerEvent) {
	logWithLevel(ctx, h.Logger, "error", "job failed", jobFields(event))
}

func (h LoggingJobHook) OnRetry(ctx context.Context, event JobWorkerEvent) {
	logWithLevel(ctx, h.Logger, "warn", "job retry scheduled", jobFields(event))
}

func jobFields(event JobWorkerEvent) map[string]any {
	fields := map[string]any{
		"attempt":     event.Attempt,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
		fields["idempotency_key"] = event.Message.IdempotencyKey
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

// EncodeRecordInput flattens a pending record into job parameters.
func EncodeRecordInput(input RecordInput) map[string]any {
	event := input.Event
	params := map[string]any{
		"account_id":    event.AccountID,
		"event_id":      event.EventID,
		"user_id":       event.UserID,
		"event_type":    string(event.EventType),
		"sender_handle": event.SenderHandle,
		"sender_id":     event.SenderID,
		"media_id":      event.MediaID,
		"text":          event.Text,
		"status":        string(input.Outcome.Status),
		"error_detail":  input.Outcome.ErrorDetail,
		"attempt_count": input.Outcome.AttemptCount,
		"external_ref":  input.Outcome.ExternalRef,
		"latency_ms":    input.Latency.Milliseconds(),
	}
	if !event.ReceivedAt.IsZero() {
		params["received_at"] = event.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if input.Match.Matched {
		params["rule_id"] = input.Match.Rule.ID
		params["rule_user_id"] = input.Match.Rule.UserID
		params["rule_type"] = string(input.Match.Rule.Type)
		params["action_message"] = input.Match.Rule.ActionMessage
		params["matched_keyword"] = input.Match.MatchedKeyword
	}
	return params
}

func DecodeRecordInput(params map[string]any) (RecordInput, error) {
	event := InboundEvent{
		AccountID:    stringParam(params, "account_id"),
		EventID:      stringParam(params, "event_id"),
		UserID:       stringParam(params, "user_id"),
		EventType:    EventType(stringParam(params, "event_type")),
		SenderHandle: stringParam(params, "sender_handle"),
		SenderID:     stringParam(params, "sender_id"),
		MediaID:      stringParam(params, "media_id"),
		Text:         rawStringParam(params, "text"),
	}
	if raw := stringParam(params, "received_at"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			event.ReceivedAt = parsed.UTC()
		}
	}
	if err := ValidateEvent(event); err != nil {
		return RecordInput{}, err
	}
	status := OutcomeStatus(stringParam(params, "status"))
	if !status.Valid() {
		return RecordInput{}, MalformedEventError("status", fmt.Sprintf("%q is not supported", status))
	}
	input := RecordInput{
		Event: event,
		Match: NoMatch(),
		Outcome: ActionOutcome{
			Status:       status,
			ErrorDetail:  stringParam(params, "error_detail"),
			AttemptCount: intParam(params, "attempt_count"),
			ExternalRef:  stringParam(params, "external_ref"),
		},
		Latency: time.Duration(intParam(params, "latency_ms")) * time.Millisecond,
	}
	if ruleID := stringParam(params, "rule_id"); ruleID != "" {
		input.Match = MatchResult{
			Matched: true,
			Rule: Rule{
				ID:            ruleID,
				UserID:        stringParam(params, "rule_user_id"),
				AccountID:     event.AccountID,
				Type:          RuleType(stringParam(params, "rule_type")),
				ActionMessage: rawStringParam(params, "action_message"),
			},
			MatchedKeyword: stringParam(params, "matched_keyword"),
		}
	}
	return input, nil
}

func stringParam(params map[string]any, key string) string {
	return strings.TrimSpace(rawStringParam(params, key))
}

// rawStringParam keeps whitespace, for free text that renders into messages.
func rawStringParam(params map[string]any, key string) string {
	if len(params) == 0 {
		return ""
	}
	switch typed := params[key].(type) {
	case string:
		return typed
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

func intParam(params map[string]any, key string) int {
	if len(params) == 0 {
		return 0
	}
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil {
			return parsed
		}
	}
	return 0
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}

var (
	_ Escalator     = (*JobEscalator)(nil)
	_ JobWorkerHook = LoggingJobHook{}
)
