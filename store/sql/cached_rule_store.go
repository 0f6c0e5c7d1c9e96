package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-automation/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const activeRulesCacheKeyPrefix = "go-automation::active_rules::v1"

// CachedRuleStore memoises ActiveRulesFor per account. Rule edits made through
// the store drop the cached entry of the affected account; counter increments
// pass straight through and do not invalidate.
type CachedRuleStore struct {
	base  core.RuleRepository
	cache repositorycache.CacheService
}

func NewCachedRuleStore(base core.RuleRepository, cacheService repositorycache.CacheService) (*CachedRuleStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rule store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rule cache service is required")
	}
	return &CachedRuleStore{base: base, cache: cacheService}, nil
}

// ActiveRulesCacheKey returns go-automation::active_rules::v1::<account_id>
// with the account id URL-path escaped.
func ActiveRulesCacheKey(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", fmt.Errorf("sqlstore: rule cache account id is required")
	}
	return activeRulesCacheKeyPrefix + "::" + url.PathEscape(accountID), nil
}

func (s *CachedRuleStore) ActiveRulesFor(ctx context.Context, accountID string) ([]core.Rule, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	cacheKey, err := ActiveRulesCacheKey(accountID)
	if err != nil {
		return nil, err
	}
	rules, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]core.Rule, error) {
		fetched, fetchErr := s.base.ActiveRulesFor(ctx, accountID)
		if fetchErr != nil {
			return nil, fetchErr
		}
		return cloneRules(fetched), nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRules(rules), nil
}

func (s *CachedRuleStore) IncrementCounter(ctx context.Context, ruleID string, status core.OutcomeStatus) error {
	if s == nil || s.base == nil {
		return fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	return s.base.IncrementCounter(ctx, ruleID, status)
}

func (s *CachedRuleStore) GetRule(ctx context.Context, ruleID string) (core.Rule, error) {
	if s == nil || s.base == nil {
		return core.Rule{}, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	return s.base.GetRule(ctx, ruleID)
}

func (s *CachedRuleStore) ListRules(ctx context.Context, accountID string) ([]core.Rule, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	return s.base.ListRules(ctx, accountID)
}

func (s *CachedRuleStore) SaveRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Rule{}, fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	previous, prevErr := s.base.GetRule(ctx, rule.ID)
	saved, err := s.base.SaveRule(ctx, rule)
	if err != nil {
		return core.Rule{}, err
	}
	if prevErr == nil && previous.AccountID != saved.AccountID {
		if err := s.invalidate(ctx, previous.AccountID); err != nil {
			return core.Rule{}, err
		}
	}
	if err := s.invalidate(ctx, saved.AccountID); err != nil {
		return core.Rule{}, err
	}
	return saved, nil
}

func (s *CachedRuleStore) DeleteRule(ctx context.Context, ruleID string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rule store is not configured")
	}
	existing, err := s.base.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.base.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	return s.invalidate(ctx, existing.AccountID)
}

func (s *CachedRuleStore) invalidate(ctx context.Context, accountID string) error {
	cacheKey, err := ActiveRulesCacheKey(accountID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneRules(rules []core.Rule) []core.Rule {
	out := make([]core.Rule, len(rules))
	for i, rule := range rules {
		rule.TriggerKeywords = append([]string(nil), rule.TriggerKeywords...)
		out[i] = rule
	}
	return out
}
