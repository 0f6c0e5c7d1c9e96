package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-automation/core"
)

// RulePack is a named set of rules seeded into a rule repository, for example
// a starter pack for newly connected accounts.
type RulePack struct {
	Name  string
	Rules []core.Rule
}

type CommandQueryBundleFactory func(facade *Facade) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	rulePacks map[string]RulePack
	bundles   map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		rulePacks: map[string]RulePack{},
		bundles:   map[string]CommandQueryBundleFactory{},
	}
}

// RegisterRulePack validates every rule up front so a bad pack never reaches
// the repository half applied.
func (h *ExtensionHooks) RegisterRulePack(pack RulePack) error {
	if h == nil {
		return fmt.Errorf("automation: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("automation: rule pack name is required")
	}
	if len(pack.Rules) == 0 {
		return fmt.Errorf("automation: rule pack %q has no rules", name)
	}

	normalized := RulePack{Name: name, Rules: make([]core.Rule, 0, len(pack.Rules))}
	seen := map[string]struct{}{}
	for _, rule := range pack.Rules {
		rule, err := core.NormalizeRule(rule)
		if err != nil {
			return fmt.Errorf("automation: rule pack %q: %w", name, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("automation: rule pack %q repeats rule %q", name, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		normalized.Rules = append(normalized.Rules, rule)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rulePacks[name]; exists {
		return fmt.Errorf("automation: rule pack %q already registered", name)
	}
	h.rulePacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("automation: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("automation: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("automation: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("automation: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyRulePacks saves every pack rule in pack name order. Saving an existing
// rule id updates its definition; counters are kept by the repository.
func (h *ExtensionHooks) ApplyRulePacks(ctx context.Context, repo core.RuleRepository) (int, error) {
	if h == nil {
		return 0, nil
	}
	if repo == nil {
		return 0, fmt.Errorf("automation: rule repository is required")
	}
	saved := 0
	for _, pack := range h.RulePacks() {
		for _, rule := range pack.Rules {
			if _, err := repo.SaveRule(ctx, rule); err != nil {
				return saved, fmt.Errorf("automation: apply rule pack %q: %w", pack.Name, err)
			}
			saved++
		}
	}
	return saved, nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(facade *Facade) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if facade == nil {
		return nil, fmt.Errorf("automation: facade is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		names = append(names, name)
		factories[name] = factory
	}
	h.mu.RUnlock()
	sort.Strings(names)

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](facade)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) RulePacks() []RulePack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.rulePacks))
	for name := range h.rulePacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RulePack, 0, len(names))
	for _, name := range names {
		pack := h.rulePacks[name]
		out = append(out, RulePack{
			Name:  pack.Name,
			Rules: append([]core.Rule(nil), pack.Rules...),
		})
	}
	return out
}

// RulesFor returns the pack rules targeting one account, ordered by priority.
func (h *ExtensionHooks) RulesFor(accountID string) []core.Rule {
	if h == nil {
		return nil
	}
	accountID = strings.TrimSpace(accountID)
	out := []core.Rule{}
	for _, pack := range h.RulePacks() {
		for _, rule := range pack.Rules {
			if rule.AccountID == accountID {
				out = append(out, rule)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
