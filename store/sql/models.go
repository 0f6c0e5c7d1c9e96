package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type ruleRecord struct {
	bun.BaseModel `bun:"table:automation_rules,alias:ar"`

	ID              string    `bun:"id,pk"`
	UserID          string    `bun:"user_id,notnull"`
	AccountID       string    `bun:"account_id,notnull"`
	Name            string    `bun:"name,notnull"`
	RuleType        string    `bun:"rule_type,notnull"`
	TriggerKeywords []string  `bun:"trigger_keywords,type:jsonb,notnull"`
	ActionMessage   string    `bun:"action_message,notnull"`
	CaseSensitive   bool      `bun:"case_sensitive,notnull"`
	Priority        int       `bun:"priority,notnull"`
	Active          bool      `bun:"active,notnull"`
	SuccessCount    int64     `bun:"success_count,notnull"`
	FailureCount    int64     `bun:"failure_count,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type logRecord struct {
	bun.BaseModel `bun:"table:automation_logs,alias:al"`

	ID           string    `bun:"id,pk"`
	UserID       string    `bun:"user_id,notnull"`
	AccountID    string    `bun:"account_id,notnull"`
	RuleID       *string   `bun:"rule_id"`
	EventID      string    `bun:"event_id,notnull"`
	LogType      string    `bun:"log_type,notnull"`
	Status       string    `bun:"status,notnull"`
	TargetHandle string    `bun:"target_handle,notnull"`
	Message      string    `bun:"message,notnull"`
	ErrorDetail  string    `bun:"error_detail,notnull"`
	AttemptCount int       `bun:"attempt_count,notnull"`
	LatencyMS    int64     `bun:"latency_ms,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type dedupRecord struct {
	bun.BaseModel `bun:"table:automation_dedup_ledger,alias:adl"`

	AccountID  string    `bun:"account_id,pk"`
	EventID    string    `bun:"event_id,pk"`
	AdmittedAt time.Time `bun:"admitted_at,notnull"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
}

type bucketRecord struct {
	bun.BaseModel `bun:"table:automation_rate_buckets,alias:arb"`

	BucketKey string    `bun:"bucket_key,pk"`
	Tokens    float64   `bun:"tokens,notnull"`
	Version   int64     `bun:"version,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type jobRecord struct {
	bun.BaseModel `bun:"table:automation_jobs,alias:aj"`

	ID             string         `bun:"id,pk"`
	JobID          string         `bun:"job_id,notnull"`
	ScriptPath     string         `bun:"script_path,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	DedupPolicy    string         `bun:"dedup_policy,notnull"`
	Parameters     map[string]any `bun:"parameters,type:jsonb,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	LastError      string         `bun:"last_error,notnull"`
	AvailableAt    time.Time      `bun:"available_at,notnull"`
	Version        int64          `bun:"version,notnull"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull"`
}
