package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-automation/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OutcomeStore writes automation logs. The log insert and the rule counter
// update share one transaction; the unique (account_id, event_id) index makes
// a second commit for the same event a no-op that returns the stored entry.
type OutcomeStore struct {
	db   *bun.DB
	repo repository.Repository[*logRecord]
	Now  func() time.Time
}

func NewOutcomeStore(db *bun.DB) (*OutcomeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*logRecord](db, logHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid log repository wiring: %w", err)
		}
	}
	return &OutcomeStore{
		db:   db,
		repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *OutcomeStore) CommitOutcome(ctx context.Context, entry core.LogEntry, counter core.CounterChange) (core.LogEntry, bool, error) {
	if s == nil || s.db == nil {
		return core.LogEntry{}, false, fmt.Errorf("sqlstore: outcome store is not configured")
	}
	entry.AccountID = strings.TrimSpace(entry.AccountID)
	entry.EventID = strings.TrimSpace(entry.EventID)
	if entry.AccountID == "" || entry.EventID == "" {
		return core.LogEntry{}, false, fmt.Errorf("sqlstore: log account id and event id are required")
	}
	now := s.now()
	record := newLogRecord(entry, now)

	var counterErr error
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		if !counter.Applies() {
			return nil
		}
		if err := incrementRuleCounter(ctx, tx, counter.RuleID, counter.Status, now); err != nil {
			if core.IsRuleNotFound(err) {
				counterErr = err
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, found, findErr := s.FindByEvent(ctx, entry.AccountID, entry.EventID)
			if findErr != nil {
				return core.LogEntry{}, false, findErr
			}
			if found {
				return existing, false, nil
			}
		}
		return core.LogEntry{}, false, err
	}
	return record.toDomain(), true, counterErr
}

func (s *OutcomeStore) FindByEvent(ctx context.Context, accountID, eventID string) (core.LogEntry, bool, error) {
	if s == nil || s.db == nil {
		return core.LogEntry{}, false, fmt.Errorf("sqlstore: outcome store is not configured")
	}
	record := &logRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LogEntry{}, false, nil
		}
		return core.LogEntry{}, false, err
	}
	return record.toDomain(), true, nil
}

// List returns matching entries newest first. Since is inclusive and Until is
// exclusive.
func (s *OutcomeStore) List(ctx context.Context, filter core.LogFilter) (core.LogPage, error) {
	if s == nil || s.repo == nil {
		return core.LogPage{}, fmt.Errorf("sqlstore: outcome store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.OrderBy("id DESC"),
	}
	if value := strings.TrimSpace(filter.AccountID); value != "" {
		selectors = append(selectors, repository.SelectBy("account_id", "=", value))
	}
	if value := strings.TrimSpace(filter.UserID); value != "" {
		selectors = append(selectors, repository.SelectBy("user_id", "=", value))
	}
	if value := strings.TrimSpace(filter.RuleID); value != "" {
		selectors = append(selectors, repository.SelectBy("rule_id", "=", value))
	}
	if filter.Type != "" {
		selectors = append(selectors, repository.SelectBy("log_type", "=", string(filter.Type)))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if filter.Since != nil {
		selectors = append(selectors, repository.SelectByTimetz("created_at", ">=", filter.Since.UTC()))
	}
	if filter.Until != nil {
		selectors = append(selectors, repository.SelectByTimetz("created_at", "<", filter.Until.UTC()))
	}
	if filter.Limit > 0 {
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, offset))
	} else if filter.Offset > 0 {
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Offset(filter.Offset)
		}))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.LogPage{}, err
	}
	items := make([]core.LogEntry, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.LogPage{Items: items, Total: total}, nil
}

func (s *OutcomeStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func newLogRecord(entry core.LogEntry, now time.Time) *logRecord {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	record := &logRecord{
		ID:           id,
		UserID:       strings.TrimSpace(entry.UserID),
		AccountID:    entry.AccountID,
		EventID:      entry.EventID,
		LogType:      string(entry.Type),
		Status:       string(entry.Status),
		TargetHandle: entry.TargetHandle,
		Message:      entry.Message,
		ErrorDetail:  entry.ErrorDetail,
		AttemptCount: entry.AttemptCount,
		LatencyMS:    entry.LatencyMS,
		CreatedAt:    createdAt.UTC(),
	}
	if ruleID := strings.TrimSpace(entry.RuleID); ruleID != "" {
		record.RuleID = &ruleID
	}
	return record
}

func (r *logRecord) toDomain() core.LogEntry {
	if r == nil {
		return core.LogEntry{}
	}
	entry := core.LogEntry{
		ID:           r.ID,
		UserID:       r.UserID,
		AccountID:    r.AccountID,
		EventID:      r.EventID,
		Type:         core.LogType(r.LogType),
		Status:       core.OutcomeStatus(r.Status),
		TargetHandle: r.TargetHandle,
		Message:      r.Message,
		ErrorDetail:  r.ErrorDetail,
		AttemptCount: r.AttemptCount,
		LatencyMS:    r.LatencyMS,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.RuleID != nil {
		entry.RuleID = *r.RuleID
	}
	return entry
}
