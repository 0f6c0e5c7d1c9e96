package core

import (
	"sort"
	"strings"
)

// Match selects at most one rule for the event. Rules are evaluated in
// (priority, id) order regardless of the order they were supplied in; the
// first rule with a keyword contained in the event text wins, and the first
// such keyword in the rule's own keyword order is reported.
func Match(event InboundEvent, rules []Rule) MatchResult {
	if len(rules) == 0 {
		return NoMatch()
	}
	ordered := SortRules(rules)

	folded := ""
	for _, rule := range ordered {
		if !rule.Active || !rule.Type.Accepts(event.EventType) {
			continue
		}
		text := event.Text
		if !rule.CaseSensitive {
			if folded == "" {
				folded = strings.ToLower(event.Text)
			}
			text = folded
		}
		for _, keyword := range rule.TriggerKeywords {
			if keyword == "" {
				continue
			}
			needle := keyword
			if !rule.CaseSensitive {
				needle = strings.ToLower(keyword)
			}
			if strings.Contains(text, needle) {
				return MatchResult{Matched: true, Rule: rule, MatchedKeyword: keyword}
			}
		}
	}
	return NoMatch()
}

// SortRules returns a copy ordered by (priority, id).
func SortRules(rules []Rule) []Rule {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})
	return ordered
}

// RenderActionMessage fills the action template for the event that matched.
// Unknown placeholders are left untouched.
func RenderActionMessage(template string, event InboundEvent, keyword string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	handle := strings.TrimPrefix(strings.TrimSpace(event.SenderHandle), "@")
	replacer := strings.NewReplacer(
		"{username}", handle,
		"{sender}", handle,
		"{keyword}", keyword,
		"{text}", event.Text,
	)
	return replacer.Replace(template)
}
