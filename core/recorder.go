package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Recorder writes the single audit entry for an admitted event together with
// the rule counter change. Re-recording an event that is already logged
// returns the stored entry and leaves the counters alone.
type Recorder struct {
	store   OutcomeStore
	config  RecorderConfig
	sleeper Sleeper
	logger  Logger
	now     func() time.Time
	newID   func() string
}

func NewRecorder(store OutcomeStore, config RecorderConfig) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outcome store is required")
	}
	defaults := DefaultConfig().Recorder
	if config.PersistenceAttempts <= 0 {
		config.PersistenceAttempts = defaults.PersistenceAttempts
	}
	if config.PersistenceBackoff < 0 {
		config.PersistenceBackoff = 0
	}
	return &Recorder{
		store:   store,
		config:  config,
		sleeper: SleeperFunc(waitWithContext),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   newLogID,
	}, nil
}

type RecordInput struct {
	Event   InboundEvent
	Match   MatchResult
	Outcome ActionOutcome
	Latency time.Duration
}

func (r *Recorder) Record(ctx context.Context, input RecordInput) (LogEntry, error) {
	if r == nil || r.store == nil {
		return LogEntry{}, fmt.Errorf("core: recorder is not configured")
	}
	event := input.Event

	var lastErr error
	for attempt := 1; attempt <= r.config.PersistenceAttempts; attempt++ {
		entry, err := r.recordOnce(ctx, input)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		if attempt == r.config.PersistenceAttempts {
			break
		}
		logWithLevel(ctx, r.logger, "warn", "outcome record retry", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"attempt":    attempt,
			"error":      err.Error(),
		})
		delay := r.config.PersistenceBackoff * time.Duration(1<<(attempt-1))
		if waitErr := r.sleeper.Sleep(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("%w; %v", err, waitErr)
			break
		}
	}
	return LogEntry{}, PersistenceError(lastErr, "record outcome")
}

func (r *Recorder) recordOnce(ctx context.Context, input RecordInput) (LogEntry, error) {
	event := input.Event
	existing, found, err := r.store.FindByEvent(ctx, event.AccountID, event.EventID)
	if err != nil {
		return LogEntry{}, err
	}
	if found {
		return existing, nil
	}

	entry := r.buildEntry(input)
	counter := CounterChange{RuleID: entry.RuleID, Status: entry.Status}
	stored, created, err := r.store.CommitOutcome(ctx, entry, counter)
	if err != nil {
		if created && IsRuleNotFound(err) {
			logWithLevel(ctx, r.logger, "warn", "rule removed before counter update", map[string]any{
				"event_id":   event.EventID,
				"account_id": event.AccountID,
				"rule_id":    entry.RuleID,
				"status":     string(entry.Status),
			})
			return stored, nil
		}
		return LogEntry{}, err
	}
	return stored, nil
}

func (r *Recorder) buildEntry(input RecordInput) LogEntry {
	event := input.Event
	match := input.Match
	outcome := input.Outcome

	userID := strings.TrimSpace(event.UserID)
	message := ""
	if match.Matched {
		if owner := strings.TrimSpace(match.Rule.UserID); owner != "" {
			userID = owner
		}
		message = RenderActionMessage(match.Rule.ActionMessage, event, match.MatchedKeyword)
	}
	return LogEntry{
		ID:           r.newID(),
		UserID:       userID,
		AccountID:    strings.TrimSpace(event.AccountID),
		RuleID:       match.RuleID(),
		EventID:      strings.TrimSpace(event.EventID),
		Type:         logTypeFor(event, match),
		Status:       outcome.Status,
		TargetHandle: strings.TrimPrefix(strings.TrimSpace(event.SenderHandle), "@"),
		Message:      message,
		ErrorDetail:  outcome.ErrorDetail,
		AttemptCount: outcome.AttemptCount,
		LatencyMS:    input.Latency.Milliseconds(),
		CreatedAt:    r.now(),
	}
}
