package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type RuleStore interface {
	ActiveRulesFor(ctx context.Context, accountID string) ([]Rule, error)
	IncrementCounter(ctx context.Context, ruleID string, status OutcomeStatus) error
}

// RuleRepository is the full rule surface used by the CRUD collaborator and the
// stats queries.
type RuleRepository interface {
	RuleStore
	GetRule(ctx context.Context, ruleID string) (Rule, error)
	ListRules(ctx context.Context, accountID string) ([]Rule, error)
	SaveRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

type DedupLedger interface {
	Admit(ctx context.Context, accountID, eventID string) (bool, error)
	Release(ctx context.Context, accountID, eventID string) error
	PurgeExpired(ctx context.Context) (int, error)
}

type RateLimiter interface {
	TryAcquire(ctx context.Context, accountID string) (bool, error)
}

type ActionRequest struct {
	AccountID      string
	RuleType       RuleType
	TargetHandle   string
	TargetID       string
	EventID        string
	EventType      EventType
	MediaID        string
	Message        string
	IdempotencyKey string
}

type ActionResult struct {
	ExternalRef string
	Metadata    map[string]any
}

type ActionPerformer interface {
	PerformAction(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// IdempotencyAware is implemented by performers that can report whether the
// idempotency key is honoured by the platform.
type IdempotencyAware interface {
	SupportsIdempotency() bool
}

type LogFilter struct {
	AccountID string
	UserID    string
	RuleID    string
	Type      LogType
	Status    OutcomeStatus
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

type LogPage struct {
	Items []LogEntry
	Total int
}

type LogStore interface {
	FindByEvent(ctx context.Context, accountID, eventID string) (LogEntry, bool, error)
	List(ctx context.Context, filter LogFilter) (LogPage, error)
}

// OutcomeStore commits a log entry and the matching counter change as one unit.
// A duplicate (account, event) returns the stored entry and created=false.
type OutcomeStore interface {
	LogStore
	CommitOutcome(ctx context.Context, entry LogEntry, counter CounterChange) (stored LogEntry, created bool, err error)
}

type CounterChange struct {
	RuleID string
	Status OutcomeStatus
}

func (c CounterChange) Applies() bool {
	return c.RuleID != "" && c.Status.CountsTowardRule()
}

type Sleeper interface {
	Sleep(ctx context.Context, delay time.Duration) error
}

type SleeperFunc func(ctx context.Context, delay time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, delay time.Duration) error {
	return f(ctx, delay)
}

// Escalator hands events whose audit record could not be written to an
// out-of-band reconcile path.
type Escalator interface {
	Escalate(ctx context.Context, input RecordInput, cause error) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
