package core

import (
	"context"
	"strings"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
	summaryScanPage    = 500
)

type ListLogsRequest struct {
	Filter LogFilter
	// Window narrows Filter.Since to a named window (today, week, month, all).
	Window string
}

type LogSummaryRequest struct {
	AccountID string
	UserID    string
	Window    string
	Days      int
}

type LogSummaryReport struct {
	LogSummary
	Daily []DailyCount `json:"daily,omitempty"`
}

type ruleLister interface {
	ListRules(ctx context.Context, accountID string) ([]Rule, error)
}

// ListLogs returns one page of audit entries, newest first.
func (s *Service) ListLogs(ctx context.Context, req ListLogsRequest) (LogPage, error) {
	if s == nil || s.outcomes == nil {
		return LogPage{}, ErrNotConfigured
	}
	filter := req.Filter
	if err := s.applyWindow(&filter, req.Window); err != nil {
		return LogPage{}, s.mapError(err)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLogPageSize
	}
	if filter.Limit > maxLogPageSize {
		filter.Limit = maxLogPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	page, err := s.outcomes.List(ctx, filter)
	if err != nil {
		return LogPage{}, s.mapError(PersistenceError(err, "list logs"))
	}
	return page, nil
}

// LogSummary aggregates every entry in scope. Days > 0 adds a per-day series.
func (s *Service) LogSummary(ctx context.Context, req LogSummaryRequest) (LogSummaryReport, error) {
	if s == nil || s.outcomes == nil {
		return LogSummaryReport{}, ErrNotConfigured
	}
	filter := LogFilter{
		AccountID: strings.TrimSpace(req.AccountID),
		UserID:    strings.TrimSpace(req.UserID),
		Limit:     summaryScanPage,
	}
	if err := s.applyWindow(&filter, req.Window); err != nil {
		return LogSummaryReport{}, s.mapError(err)
	}

	var entries []LogEntry
	for {
		page, err := s.outcomes.List(ctx, filter)
		if err != nil {
			return LogSummaryReport{}, s.mapError(PersistenceError(err, "summarize logs"))
		}
		entries = append(entries, page.Items...)
		filter.Offset += len(page.Items)
		if len(page.Items) == 0 || filter.Offset >= page.Total {
			break
		}
	}

	report := LogSummaryReport{LogSummary: SummarizeLogs(entries)}
	if req.Days > 0 {
		report.Daily = DailyStats(entries, s.now(), req.Days)
	}
	return report, nil
}

// RuleStats reports counters and success rates for every rule of an account.
func (s *Service) RuleStats(ctx context.Context, accountID string) ([]RuleStat, error) {
	if s == nil {
		return nil, ErrNotConfigured
	}
	lister, ok := s.rules.(ruleLister)
	if !ok {
		return nil, s.mapError(BadInputError("core: rule store does not support listing"))
	}
	rules, err := lister.ListRules(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, s.mapError(PersistenceError(err, "list rules"))
	}
	return RuleStats(rules), nil
}

func (s *Service) applyWindow(filter *LogFilter, window string) error {
	since, err := DateWindow(window, s.now())
	if err != nil {
		return err
	}
	if since != nil && (filter.Since == nil || since.After(*filter.Since)) {
		filter.Since = since
	}
	return nil
}
