package query

import (
	"context"

	"github.com/goliatone/go-automation/core"
)

type LogReader interface {
	ListLogs(ctx context.Context, req core.ListLogsRequest) (core.LogPage, error)
	LogSummary(ctx context.Context, req core.LogSummaryRequest) (core.LogSummaryReport, error)
}

type RuleStatsReader interface {
	RuleStats(ctx context.Context, accountID string) ([]core.RuleStat, error)
}

type ListLogsQuery struct {
	reader LogReader
}

func NewListLogsQuery(reader LogReader) *ListLogsQuery {
	return &ListLogsQuery{reader: reader}
}

func (q *ListLogsQuery) Query(ctx context.Context, msg ListLogsMessage) (core.LogPage, error) {
	if q == nil || q.reader == nil {
		return core.LogPage{}, queryDependencyError("query: log reader is required")
	}
	return q.reader.ListLogs(ctx, msg.Request)
}

type LogSummaryQuery struct {
	reader LogReader
}

func NewLogSummaryQuery(reader LogReader) *LogSummaryQuery {
	return &LogSummaryQuery{reader: reader}
}

func (q *LogSummaryQuery) Query(ctx context.Context, msg LogSummaryMessage) (core.LogSummaryReport, error) {
	if q == nil || q.reader == nil {
		return core.LogSummaryReport{}, queryDependencyError("query: log reader is required")
	}
	return q.reader.LogSummary(ctx, msg.Request)
}

type RuleStatsQuery struct {
	reader RuleStatsReader
}

func NewRuleStatsQuery(reader RuleStatsReader) *RuleStatsQuery {
	return &RuleStatsQuery{reader: reader}
}

func (q *RuleStatsQuery) Query(ctx context.Context, msg RuleStatsMessage) ([]core.RuleStat, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: rule stats reader is required")
	}
	return q.reader.RuleStats(ctx, msg.AccountID)
}
