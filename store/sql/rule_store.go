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
	"github.com/uptrace/bun"
)

// RuleStore persists automation rules. Counter increments are single
// `count = count + 1` updates, so concurrent outcomes never lose a write.
type RuleStore struct {
	db   *bun.DB
	repo repository.Repository[*ruleRecord]
	Now  func() time.Time
}

func NewRuleStore(db *bun.DB) (*RuleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*ruleRecord](db, ruleHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rule repository wiring: %w", err)
		}
	}
	return &RuleStore{
		db:   db,
		repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RuleStore) ActiveRulesFor(ctx context.Context, accountID string) ([]core.Rule, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: rule store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("account_id", "=", strings.TrimSpace(accountID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.active = ?", true)
		}),
		repository.OrderBy("priority ASC"),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	return core.SortRules(rulesToDomain(records)), nil
}

func (s *RuleStore) IncrementCounter(ctx context.Context, ruleID string, status core.OutcomeStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rule store is not configured")
	}
	return incrementRuleCounter(ctx, s.db, ruleID, status, s.now())
}

func (s *RuleStore) GetRule(ctx context.Context, ruleID string) (core.Rule, error) {
	if s == nil || s.db == nil {
		return core.Rule{}, fmt.Errorf("sqlstore: rule store is not configured")
	}
	record, err := findRule(ctx, s.db, ruleID)
	if err != nil {
		return core.Rule{}, err
	}
	return record.toDomain(), nil
}

func (s *RuleStore) ListRules(ctx context.Context, accountID string) ([]core.Rule, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: rule store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("priority ASC"),
		repository.OrderBy("id ASC"),
	}
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		selectors = append(selectors, repository.SelectBy("account_id", "=", accountID))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	return core.SortRules(rulesToDomain(records)), nil
}

// SaveRule inserts a rule or replaces its definition. Stored counters and the
// creation time of an existing rule are never overwritten.
func (s *RuleStore) SaveRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if s == nil || s.db == nil {
		return core.Rule{}, fmt.Errorf("sqlstore: rule store is not configured")
	}
	rule, err := core.NormalizeRule(rule)
	if err != nil {
		return core.Rule{}, err
	}
	now := s.now()

	var saved core.Rule
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := newRuleRecord(rule, now)
		existing, findErr := findRule(ctx, tx, rule.ID)
		switch {
		case findErr == nil:
			record.CreatedAt = existing.CreatedAt
			if _, updateErr := tx.NewUpdate().
				Model(record).
				ExcludeColumn("success_count", "failure_count", "created_at").
				Where("id = ?", record.ID).
				Exec(ctx); updateErr != nil {
				return updateErr
			}
		case core.IsRuleNotFound(findErr):
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
		default:
			return findErr
		}
		stored, readErr := findRule(ctx, tx, rule.ID)
		if readErr != nil {
			return readErr
		}
		saved = stored.toDomain()
		return nil
	})
	if err != nil {
		return core.Rule{}, err
	}
	return saved, nil
}

func (s *RuleStore) DeleteRule(ctx context.Context, ruleID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rule store is not configured")
	}
	ruleID = strings.TrimSpace(ruleID)
	result, err := s.db.NewDelete().
		Model((*ruleRecord)(nil)).
		Where("id = ?", ruleID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, rowsErr := result.RowsAffected(); rowsErr == nil && affected == 0 {
		return core.RuleNotFoundError(ruleID)
	}
	return nil
}

func (s *RuleStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func incrementRuleCounter(ctx context.Context, db bun.IDB, ruleID string, status core.OutcomeStatus, now time.Time) error {
	if !status.CountsTowardRule() {
		return nil
	}
	ruleID = strings.TrimSpace(ruleID)
	column := "failure_count"
	if status == core.OutcomeSuccess {
		column = "success_count"
	}
	result, err := db.NewUpdate().
		Model((*ruleRecord)(nil)).
		Set("? = ? + 1", bun.Ident(column), bun.Ident(column)).
		Set("updated_at = ?", now).
		Where("id = ?", ruleID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.RuleNotFoundError(ruleID)
	}
	return nil
}

func findRule(ctx context.Context, db bun.IDB, ruleID string) (*ruleRecord, error) {
	ruleID = strings.TrimSpace(ruleID)
	record := &ruleRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", ruleID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.RuleNotFoundError(ruleID)
		}
		return nil, err
	}
	return record, nil
}

func newRuleRecord(rule core.Rule, now time.Time) *ruleRecord {
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &ruleRecord{
		ID:              rule.ID,
		UserID:          rule.UserID,
		AccountID:       rule.AccountID,
		Name:            rule.Name,
		RuleType:        string(rule.Type),
		TriggerKeywords: append([]string(nil), rule.TriggerKeywords...),
		ActionMessage:   rule.ActionMessage,
		CaseSensitive:   rule.CaseSensitive,
		Priority:        rule.Priority,
		Active:          rule.Active,
		SuccessCount:    rule.SuccessCount,
		FailureCount:    rule.FailureCount,
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       now,
	}
}

func (r *ruleRecord) toDomain() core.Rule {
	if r == nil {
		return core.Rule{}
	}
	return core.Rule{
		ID:              r.ID,
		UserID:          r.UserID,
		AccountID:       r.AccountID,
		Name:            r.Name,
		Type:            core.RuleType(r.RuleType),
		TriggerKeywords: append([]string(nil), r.TriggerKeywords...),
		ActionMessage:   r.ActionMessage,
		CaseSensitive:   r.CaseSensitive,
		Priority:        r.Priority,
		Active:          r.Active,
		SuccessCount:    r.SuccessCount,
		FailureCount:    r.FailureCount,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func rulesToDomain(records []*ruleRecord) []core.Rule {
	out := make([]core.Rule, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out
}
