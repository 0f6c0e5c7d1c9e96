package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memoryRule struct {
	rule    Rule
	success atomic.Int64
	failure atomic.Int64
}

func (r *memoryRule) snapshot() Rule {
	out := r.rule
	out.TriggerKeywords = append([]string(nil), r.rule.TriggerKeywords...)
	out.SuccessCount = r.success.Load()
	out.FailureCount = r.failure.Load()
	return out
}

// MemoryRuleStore keeps rules in process. Counter increments are atomic adds
// under a shared read lock, so concurrent increments never contend with each
// other, only with rule edits.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*memoryRule
	Now   func() time.Time
}

func NewMemoryRuleStore(rules ...Rule) *MemoryRuleStore {
	store := &MemoryRuleStore{
		rules: map[string]*memoryRule{},
		Now:   func() time.Time { return time.Now().UTC() },
	}
	for _, rule := range rules {
		_, _ = store.SaveRule(context.Background(), rule)
	}
	return store
}

func (s *MemoryRuleStore) ActiveRulesFor(_ context.Context, accountID string) ([]Rule, error) {
	if s == nil {
		return nil, fmt.Errorf("core: rule store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0)
	for _, entry := range s.rules {
		if entry.rule.AccountID != accountID || !entry.rule.Active {
			continue
		}
		out = append(out, entry.snapshot())
	}
	return SortRules(out), nil
}

func (s *MemoryRuleStore) IncrementCounter(_ context.Context, ruleID string, status OutcomeStatus) error {
	if s == nil {
		return fmt.Errorf("core: rule store is not configured")
	}
	if !status.CountsTowardRule() {
		return nil
	}
	ruleID = strings.TrimSpace(ruleID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rules[ruleID]
	if !ok {
		return RuleNotFoundError(ruleID)
	}
	if status == OutcomeSuccess {
		entry.success.Add(1)
	} else {
		entry.failure.Add(1)
	}
	return nil
}

func (s *MemoryRuleStore) GetRule(_ context.Context, ruleID string) (Rule, error) {
	if s == nil {
		return Rule{}, fmt.Errorf("core: rule store is not configured")
	}
	ruleID = strings.TrimSpace(ruleID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rules[ruleID]
	if !ok {
		return Rule{}, RuleNotFoundError(ruleID)
	}
	return entry.snapshot(), nil
}

func (s *MemoryRuleStore) ListRules(_ context.Context, accountID string) ([]Rule, error) {
	if s == nil {
		return nil, fmt.Errorf("core: rule store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, entry := range s.rules {
		if accountID != "" && entry.rule.AccountID != accountID {
			continue
		}
		out = append(out, entry.snapshot())
	}
	return SortRules(out), nil
}

// SaveRule creates or replaces a rule. Counters of an existing rule are kept.
func (s *MemoryRuleStore) SaveRule(_ context.Context, rule Rule) (Rule, error) {
	if s == nil {
		return Rule{}, fmt.Errorf("core: rule store is not configured")
	}
	rule, err := NormalizeRule(rule)
	if err != nil {
		return Rule{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	entry := &memoryRule{}
	if ok {
		rule.CreatedAt = existing.rule.CreatedAt
		entry.success.Store(existing.success.Load())
		entry.failure.Store(existing.failure.Load())
	} else {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		entry.success.Store(rule.SuccessCount)
		entry.failure.Store(rule.FailureCount)
	}
	rule.UpdatedAt = now
	entry.rule = rule
	s.rules[rule.ID] = entry
	return entry.snapshot(), nil
}

func (s *MemoryRuleStore) DeleteRule(_ context.Context, ruleID string) error {
	if s == nil {
		return fmt.Errorf("core: rule store is not configured")
	}
	ruleID = strings.TrimSpace(ruleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID]; !ok {
		return RuleNotFoundError(ruleID)
	}
	delete(s.rules, ruleID)
	return nil
}

func (s *MemoryRuleStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// NormalizeRule trims identifiers and keywords and checks the rule shape.
func NormalizeRule(rule Rule) (Rule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	rule.AccountID = strings.TrimSpace(rule.AccountID)
	rule.UserID = strings.TrimSpace(rule.UserID)
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.ID == "" {
		return Rule{}, BadInputError("core: rule id is required")
	}
	if rule.AccountID == "" {
		return Rule{}, BadInputError("core: rule account id is required")
	}
	if !rule.Type.Valid() {
		return Rule{}, BadInputError(fmt.Sprintf("core: rule type %q is invalid", rule.Type))
	}
	keywords := make([]string, 0, len(rule.TriggerKeywords))
	seen := map[string]struct{}{}
	for _, keyword := range rule.TriggerKeywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" {
			continue
		}
		if _, ok := seen[keyword]; ok {
			continue
		}
		seen[keyword] = struct{}{}
		keywords = append(keywords, keyword)
	}
	if len(keywords) == 0 {
		return Rule{}, BadInputError("core: rule trigger keywords are required")
	}
	rule.TriggerKeywords = keywords
	if rule.SuccessCount < 0 || rule.FailureCount < 0 {
		return Rule{}, BadInputError("core: rule counters are invalid")
	}
	return rule, nil
}

// MemoryOutcomeStore writes log entries and counter changes under one lock,
// which makes CommitOutcome all-or-nothing for in-process deployments.
type MemoryOutcomeStore struct {
	mu      sync.Mutex
	rules   RuleStore
	entries []LogEntry
	byEvent map[eventKey]int
}

func NewMemoryOutcomeStore(rules RuleStore) *MemoryOutcomeStore {
	return &MemoryOutcomeStore{
		rules:   rules,
		byEvent: map[eventKey]int{},
	}
}

func (s *MemoryOutcomeStore) FindByEvent(_ context.Context, accountID, eventID string) (LogEntry, bool, error) {
	if s == nil {
		return LogEntry{}, false, fmt.Errorf("core: outcome store is not configured")
	}
	key, err := ledgerKey(accountID, eventID)
	if err != nil {
		return LogEntry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byEvent[key]
	if !ok {
		return LogEntry{}, false, nil
	}
	return s.entries[idx], true, nil
}

func (s *MemoryOutcomeStore) CommitOutcome(ctx context.Context, entry LogEntry, counter CounterChange) (LogEntry, bool, error) {
	if s == nil {
		return LogEntry{}, false, fmt.Errorf("core: outcome store is not configured")
	}
	key, err := ledgerKey(entry.AccountID, entry.EventID)
	if err != nil {
		return LogEntry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byEvent[key]; ok {
		return s.entries[idx], false, nil
	}

	var counterErr error
	if counter.Applies() && s.rules != nil {
		counterErr = s.rules.IncrementCounter(ctx, counter.RuleID, counter.Status)
		if counterErr != nil && !IsRuleNotFound(counterErr) {
			return LogEntry{}, false, counterErr
		}
	}
	s.entries = append(s.entries, entry)
	s.byEvent[key] = len(s.entries) - 1
	return entry, true, counterErr
}

func (s *MemoryOutcomeStore) List(_ context.Context, filter LogFilter) (LogPage, error) {
	if s == nil {
		return LogPage{}, fmt.Errorf("core: outcome store is not configured")
	}
	s.mu.Lock()
	matched := make([]LogEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Matches(entry) {
			matched = append(matched, entry)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	start, end := filter.Window(total)
	return LogPage{Items: matched[start:end], Total: total}, nil
}

// Matches applies the filter to one entry in memory.
func (f LogFilter) Matches(entry LogEntry) bool {
	if f.AccountID != "" && entry.AccountID != f.AccountID {
		return false
	}
	if f.UserID != "" && entry.UserID != f.UserID {
		return false
	}
	if f.RuleID != "" && entry.RuleID != f.RuleID {
		return false
	}
	if f.Type != "" && entry.Type != f.Type {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	if f.Since != nil && entry.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !entry.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// Window returns the slice bounds for the filter's pagination.
func (f LogFilter) Window(total int) (int, int) {
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return start, end
}

var (
	_ RuleRepository = (*MemoryRuleStore)(nil)
	_ OutcomeStore   = (*MemoryOutcomeStore)(nil)
)
