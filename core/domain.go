package core

import (
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeComment       EventType = "comment"
	EventTypeDirectMessage EventType = "direct_message"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeComment, EventTypeDirectMessage:
		return true
	default:
		return false
	}
}

type RuleType string

const (
	RuleTypeCommentReply RuleType = "comment_reply"
	RuleTypeDM           RuleType = "dm"
	RuleTypeFollow       RuleType = "follow"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeCommentReply, RuleTypeDM, RuleTypeFollow:
		return true
	default:
		return false
	}
}

// Accepts reports whether rules of this type take part in text matching for
// the given event type. Follow rules never match text.
func (t RuleType) Accepts(eventType EventType) bool {
	switch t {
	case RuleTypeCommentReply:
		return eventType == EventTypeComment
	case RuleTypeDM:
		return eventType == EventTypeComment || eventType == EventTypeDirectMessage
	default:
		return false
	}
}

type OutcomeStatus string

const (
	OutcomeSuccess            OutcomeStatus = "success"
	OutcomeFailure            OutcomeStatus = "failure"
	OutcomeSkippedRateLimited OutcomeStatus = "skipped_rate_limited"
	OutcomeSkippedNoMatch     OutcomeStatus = "skipped_no_match"
	OutcomeSkippedDuplicate   OutcomeStatus = "skipped_duplicate"
)

func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkippedRateLimited, OutcomeSkippedNoMatch, OutcomeSkippedDuplicate:
		return true
	default:
		return false
	}
}

// CountsTowardRule reports whether the status moves a rule counter.
func (s OutcomeStatus) CountsTowardRule() bool {
	return s == OutcomeSuccess || s == OutcomeFailure
}

type LogType string

const (
	LogTypeComment LogType = "comment"
	LogTypeDM      LogType = "dm"
	LogTypeFollow  LogType = "follow"
)

func (t LogType) Valid() bool {
	switch t {
	case LogTypeComment, LogTypeDM, LogTypeFollow:
		return true
	default:
		return false
	}
}

// InboundEvent is a normalized comment or direct message. Two events with the
// same (AccountID, EventID) are the same occurrence.
type InboundEvent struct {
	EventID      string
	AccountID    string
	UserID       string
	EventType    EventType
	SenderHandle string
	SenderID     string
	MediaID      string
	Text         string
	ReceivedAt   time.Time
}

// Key encodes (AccountID, EventID) with a length prefix on the account, so no
// two distinct pairs share a key.
func (e InboundEvent) Key() string {
	account := strings.TrimSpace(e.AccountID)
	return strconv.Itoa(len(account)) + ":" + account + ":" + strings.TrimSpace(e.EventID)
}

type Rule struct {
	ID              string
	UserID          string
	AccountID       string
	Name            string
	Type            RuleType
	TriggerKeywords []string
	ActionMessage   string
	CaseSensitive   bool
	Priority        int
	Active          bool
	SuccessCount    int64
	FailureCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Before orders rules by (priority, id).
func (r Rule) Before(other Rule) bool {
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	return r.ID < other.ID
}

func (r Rule) SuccessRate() float64 {
	total := r.SuccessCount + r.FailureCount
	if total <= 0 {
		return 0
	}
	return roundRate(float64(r.SuccessCount) / float64(total) * 100)
}

type MatchResult struct {
	Matched        bool
	Rule           Rule
	MatchedKeyword string
}

func NoMatch() MatchResult {
	return MatchResult{}
}

func (m MatchResult) RuleID() string {
	if !m.Matched {
		return ""
	}
	return m.Rule.ID
}

type ActionOutcome struct {
	Status       OutcomeStatus
	ErrorDetail  string
	AttemptCount int
	ExternalRef  string
	Retryable    bool
	Idempotent   bool
}

type LogEntry struct {
	ID           string
	UserID       string
	AccountID    string
	RuleID       string
	EventID      string
	Type         LogType
	Status       OutcomeStatus
	TargetHandle string
	Message      string
	ErrorDetail  string
	AttemptCount int
	LatencyMS    int64
	CreatedAt    time.Time
}

// ProcessResult is what the engine reports back for one delivery of an event.
type ProcessResult struct {
	EventID   string
	AccountID string
	Match     MatchResult
	Outcome   ActionOutcome
	Entry     *LogEntry
	Duplicate bool
	Latency   time.Duration
}

func logTypeFor(event InboundEvent, match MatchResult) LogType {
	if match.Matched {
		switch match.Rule.Type {
		case RuleTypeCommentReply:
			return LogTypeComment
		case RuleTypeDM:
			return LogTypeDM
		case RuleTypeFollow:
			return LogTypeFollow
		}
	}
	if event.EventType == EventTypeDirectMessage {
		return LogTypeDM
	}
	return LogTypeComment
}

func roundRate(value float64) float64 {
	return float64(int64(value*100+0.5)) / 100
}
