package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	WindowAll   = "all"
	WindowToday = "today"
	WindowWeek  = "week"
	WindowMonth = "month"
)

// DateWindow resolves a named window to its inclusive lower bound. "all"
// resolves to nil.
func DateWindow(name string, now time.Time) (*time.Time, error) {
	now = now.UTC()
	var since time.Time
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "", WindowAll:
		return nil, nil
	case WindowToday:
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeek:
		since = now.AddDate(0, 0, -7)
	case WindowMonth:
		since = now.AddDate(0, 0, -30)
	default:
		return nil, BadInputError(fmt.Sprintf("core: date window %q is invalid", name))
	}
	return &since, nil
}

type TypeSummary struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

type LogSummary struct {
	Total    int                     `json:"total"`
	ByStatus map[OutcomeStatus]int   `json:"by_status"`
	ByType   map[LogType]TypeSummary `json:"by_type"`
}

func SummarizeLogs(entries []LogEntry) LogSummary {
	summary := LogSummary{
		ByStatus: map[OutcomeStatus]int{},
		ByType:   map[LogType]TypeSummary{},
	}
	for _, entry := range entries {
		summary.Total++
		summary.ByStatus[entry.Status]++
		typed := summary.ByType[entry.Type]
		typed.Total++
		switch entry.Status {
		case OutcomeSuccess:
			typed.Success++
		case OutcomeFailure:
			typed.Failure++
		default:
			typed.Skipped++
		}
		summary.ByType[entry.Type] = typed
	}
	for logType, typed := range summary.ByType {
		if typed.Total > 0 {
			typed.SuccessRate = roundRate(float64(typed.Success) / float64(typed.Total) * 100)
		}
		summary.ByType[logType] = typed
	}
	return summary
}

type RuleStat struct {
	RuleID       string   `json:"rule_id"`
	Name         string   `json:"name"`
	Type         RuleType `json:"rule_type"`
	Active       bool     `json:"is_active"`
	Priority     int      `json:"priority"`
	SuccessCount int64    `json:"success_count"`
	FailureCount int64    `json:"failure_count"`
	SuccessRate  float64  `json:"success_rate"`
}

func RuleStats(rules []Rule) []RuleStat {
	ordered := SortRules(rules)
	out := make([]RuleStat, 0, len(ordered))
	for _, rule := range ordered {
		out = append(out, RuleStat{
			RuleID:       rule.ID,
			Name:         rule.Name,
			Type:         rule.Type,
			Active:       rule.Active,
			Priority:     rule.Priority,
			SuccessCount: rule.SuccessCount,
			FailureCount: rule.FailureCount,
			SuccessRate:  rule.SuccessRate(),
		})
	}
	return out
}

type DailyCount struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
}

// DailyStats buckets entries by UTC day for the last n days, oldest first.
func DailyStats(entries []LogEntry, now time.Time, days int) []DailyCount {
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	index := make(map[string]int, days)
	out := make([]DailyCount, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, i-days+1).Format(time.DateOnly)
		out[i] = DailyCount{Date: day}
		index[day] = i
	}
	for _, entry := range entries {
		idx, ok := index[entry.CreatedAt.UTC().Format(time.DateOnly)]
		if !ok {
			continue
		}
		out[idx].Total++
		switch entry.Status {
		case OutcomeSuccess:
			out[idx].Success++
		case OutcomeFailure:
			out[idx].Failure++
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
