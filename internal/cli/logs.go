package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-automation/adapters/gocommand"
	"github.com/goliatone/go-automation/core"
	automationqry "github.com/goliatone/go-automation/query"
	"github.com/spf13/cobra"
)

type LogsOptions struct {
	*RootOptions
	AccountID string
	UserID    string
	RuleID    string
	Type      string
	Status    string
	Window    string
	Since     string
	Until     string
	Limit     int
	Offset    int
}

type LogView struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	UserID       string    `json:"user_id,omitempty"`
	RuleID       string    `json:"rule_id,omitempty"`
	EventID      string    `json:"event_id"`
	Type         string    `json:"log_type"`
	Status       string    `json:"status"`
	TargetHandle string    `json:"target_handle,omitempty"`
	Message      string    `json:"message,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type LogPageView struct {
	Total int       `json:"total"`
	Items []LogView `json:"items"`
}

func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List audit log entries, newest first",
		Long: `List audit log entries for one account, newest first.

--window narrows the range to today, week, month or all. --since and --until
take RFC 3339 timestamps; until is exclusive.

Examples:
  automation logs --account A1
  automation logs --account A1 --status failure --window week
  automation logs --account A1 --limit 20 --offset 40 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "account id (required)")
	_ = cmd.MarkFlagRequired("account")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "filter by owning user")
	cmd.Flags().StringVar(&opts.RuleID, "rule", "", "filter by rule id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by log type (comment|dm|follow)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by outcome status")
	cmd.Flags().StringVar(&opts.Window, "window", "", "named window (today|week|month|all)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "inclusive lower bound (RFC 3339)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "exclusive upper bound (RFC 3339)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (default 50, max 500)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")
	return cmd
}

// Request turns the flags into a log listing request.
func (o *LogsOptions) Request() (core.ListLogsRequest, error) {
	filter := core.LogFilter{
		AccountID: strings.TrimSpace(o.AccountID),
		UserID:    strings.TrimSpace(o.UserID),
		RuleID:    strings.TrimSpace(o.RuleID),
		Type:      core.LogType(strings.ToLower(strings.TrimSpace(o.Type))),
		Status:    core.OutcomeStatus(strings.ToLower(strings.TrimSpace(o.Status))),
		Limit:     o.Limit,
		Offset:    o.Offset,
	}
	since, err := parseTimeFlag("since", o.Since)
	if err != nil {
		return core.ListLogsRequest{}, err
	}
	until, err := parseTimeFlag("until", o.Until)
	if err != nil {
		return core.ListLogsRequest{}, err
	}
	filter.Since = since
	filter.Until = until
	return core.ListLogsRequest{Filter: filter, Window: o.Window}, nil
}

func runLogs(cmd *cobra.Command, opts *LogsOptions) error {
	req, err := opts.Request()
	if err != nil {
		return WrapExitError(ExitCommandError, "parse flags", err)
	}
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		page, err := gocommand.Query[automationqry.ListLogsMessage, core.LogPage](ctx, automationqry.ListLogsMessage{Request: req})
		if err != nil {
			return err
		}
		view := logPageView(page)
		return out.Success(view, func(w io.Writer) error { return writeLogsText(w, view) })
	})
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, core.BadInputError(fmt.Sprintf("--%s must be an RFC 3339 timestamp", name))
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func logPageView(page core.LogPage) LogPageView {
	view := LogPageView{Total: page.Total, Items: make([]LogView, 0, len(page.Items))}
	for _, entry := range page.Items {
		view.Items = append(view.Items, LogView{
			ID:           entry.ID,
			AccountID:    entry.AccountID,
			UserID:       entry.UserID,
			RuleID:       entry.RuleID,
			EventID:      entry.EventID,
			Type:         string(entry.Type),
			Status:       string(entry.Status),
			TargetHandle: entry.TargetHandle,
			Message:      entry.Message,
			ErrorDetail:  entry.ErrorDetail,
			AttemptCount: entry.AttemptCount,
			LatencyMS:    entry.LatencyMS,
			CreatedAt:    entry.CreatedAt,
		})
	}
	return view
}

func writeLogsText(w io.Writer, view LogPageView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTYPE\tSTATUS\tEVENT\tRULE\tTARGET\tATTEMPTS\tDETAIL")
	for _, item := range view.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item.CreatedAt.UTC().Format(time.RFC3339),
			item.Type,
			item.Status,
			item.EventID,
			dash(item.RuleID),
			dash(item.TargetHandle),
			item.AttemptCount,
			dash(item.ErrorDetail),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d entries\n", len(view.Items), view.Total)
	return err
}

type StatsOptions struct {
	*RootOptions
	AccountID string
	UserID    string
	Window    string
	Days      int
}

type StatsView struct {
	Rules   []core.RuleStat       `json:"rules"`
	Summary core.LogSummaryReport `json:"summary"`
}

func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show rule counters and an audit log summary",
		Long: `Show per-rule success and failure counters together with a summary of the
audit log: totals by status and type, plus daily counts when --days is set.

Examples:
  automation stats --account A1
  automation stats --account A1 --window month --days 30 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "account id (required)")
	_ = cmd.MarkFlagRequired("account")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "summarize one owning user")
	cmd.Flags().StringVar(&opts.Window, "window", "", "named window (today|week|month|all)")
	cmd.Flags().IntVar(&opts.Days, "days", 0, "daily counts for the last n days (max 90)")
	return cmd
}

func runStats(cmd *cobra.Command, opts *StatsOptions) error {
	accountID := strings.TrimSpace(opts.AccountID)
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		rules, err := gocommand.Query[automationqry.RuleStatsMessage, []core.RuleStat](ctx, automationqry.RuleStatsMessage{AccountID: accountID})
		if err != nil {
			return err
		}
		summary, err := gocommand.Query[automationqry.LogSummaryMessage, core.LogSummaryReport](ctx, automationqry.LogSummaryMessage{
			Request: core.LogSummaryRequest{
				AccountID: accountID,
				UserID:    strings.TrimSpace(opts.UserID),
				Window:    opts.Window,
				Days:      opts.Days,
			},
		})
		if err != nil {
			return err
		}
		view := StatsView{Rules: rules, Summary: summary}
		return out.Success(view, func(w io.Writer) error { return writeStatsText(w, view) })
	})
}

func writeStatsText(w io.Writer, view StatsView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tNAME\tTYPE\tACTIVE\tSUCCESS\tFAILURE\tRATE")
	for _, rule := range view.Rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%.1f%%\n",
			rule.RuleID, dash(rule.Name), rule.Type, rule.Active,
			rule.SuccessCount, rule.FailureCount, rule.SuccessRate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d log entries\n", view.Summary.Total)
	for _, status := range outcomeOrder {
		if count := view.Summary.ByStatus[status]; count > 0 {
			fmt.Fprintf(w, "  %-22s %d\n", status, count)
		}
	}
	if len(view.Summary.Daily) > 0 {
		fmt.Fprintln(w, "\nDAILY")
		for _, day := range view.Summary.Daily {
			fmt.Fprintf(w, "  %s total=%d success=%d failure=%d\n", day.Date, day.Total, day.Success, day.Failure)
		}
	}
	return nil
}

var outcomeOrder = []core.OutcomeStatus{
	core.OutcomeSuccess,
	core.OutcomeFailure,
	core.OutcomeSkippedRateLimited,
	core.OutcomeSkippedNoMatch,
	core.OutcomeSkippedDuplicate,
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
