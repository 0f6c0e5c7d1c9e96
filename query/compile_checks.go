package query

import (
	"github.com/goliatone/go-automation/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[ListLogsMessage, core.LogPage]            = (*ListLogsQuery)(nil)
	_ gocmd.Querier[LogSummaryMessage, core.LogSummaryReport] = (*LogSummaryQuery)(nil)
	_ gocmd.Querier[RuleStatsMessage, []core.RuleStat]        = (*RuleStatsQuery)(nil)
)
