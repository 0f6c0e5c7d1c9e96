package query

import (
	"strings"

	"github.com/goliatone/go-automation/core"
)

const (
	TypeListLogs   = "automation.query.logs.list"
	TypeLogSummary = "automation.query.logs.summary"
	TypeRuleStats  = "automation.query.rules.stats"

	maxSummaryDays = 90
)

type ListLogsMessage struct {
	Request core.ListLogsRequest
}

func (ListLogsMessage) Type() string { return TypeListLogs }

func (m ListLogsMessage) Validate() error {
	filter := m.Request.Filter
	if filter.Limit < 0 {
		return queryValidationError("limit", "must be >= 0")
	}
	if filter.Offset < 0 {
		return queryValidationError("offset", "must be >= 0")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return queryValidationError("log_type", "is not supported")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return queryValidationError("status", "is not supported")
	}
	if filter.Since != nil && filter.Until != nil && !filter.Until.After(*filter.Since) {
		return queryValidationError("until", "must be after since")
	}
	return validateWindow(m.Request.Window)
}

type LogSummaryMessage struct {
	Request core.LogSummaryRequest
}

func (LogSummaryMessage) Type() string { return TypeLogSummary }

func (m LogSummaryMessage) Validate() error {
	if m.Request.Days < 0 || m.Request.Days > maxSummaryDays {
		return queryValidationError("days", "must be between 0 and 90")
	}
	return validateWindow(m.Request.Window)
}

type RuleStatsMessage struct {
	AccountID string
}

func (RuleStatsMessage) Type() string { return TypeRuleStats }

func (m RuleStatsMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return queryValidationError("account_id", "is required")
	}
	return nil
}

func validateWindow(window string) error {
	switch strings.TrimSpace(strings.ToLower(window)) {
	case "", core.WindowAll, core.WindowToday, core.WindowWeek, core.WindowMonth:
		return nil
	default:
		return queryValidationError("window", "must be one of today, week, month, all")
	}
}
