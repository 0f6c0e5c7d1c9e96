package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-automation/adapters/gocommand"
	automationcmd "github.com/goliatone/go-automation/command"
	"github.com/goliatone/go-automation/core"
	"github.com/goliatone/go-automation/webhooks"
	gocmd "github.com/goliatone/go-command"
	"github.com/spf13/cobra"
)

type ProcessOptions struct {
	*RootOptions
	File string
}

// ProcessView is the printable result of one processed event.
type ProcessView struct {
	EventID      string `json:"event_id"`
	AccountID    string `json:"account_id"`
	RuleID       string `json:"rule_id,omitempty"`
	Keyword      string `json:"matched_keyword,omitempty"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ExternalRef  string `json:"external_ref,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
	Duplicate    bool   `json:"duplicate"`
	LatencyMS    int64  `json:"latency_ms"`
}

func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one flat event payload",
		Long: `Normalize one flat JSON event payload and run it through the engine.

The payload needs event_id, account_id, text and event_type (comment or
direct_message). It is read from --file, or stdin when --file is "-" or unset.

Examples:
  automation process --file event.json
  echo '{"event_id":"c_1","account_id":"A1","event_type":"comment","text":"price?"}' | automation process`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "-", "payload file, - for stdin")
	return cmd
}

func runProcess(cmd *cobra.Command, opts *ProcessOptions) error {
	raw, err := readInput(cmd.InOrStdin(), opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "read payload", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return WrapExitError(ExitCommandError, "decode payload", core.MalformedEventError("payload", "is not a JSON object"))
	}

	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		collector := gocmd.NewResult[core.ProcessResult]()
		err := gocommand.Dispatch(gocmd.ContextWithResult(ctx, collector), automationcmd.ProcessRawEventMessage{Payload: payload})
		result, ok := collector.Load()
		if err != nil && !ok {
			return err
		}
		view := processView(result)
		if printErr := out.Success(view, func(w io.Writer) error { return writeProcessText(w, view) }); printErr != nil {
			return printErr
		}
		if err != nil {
			return WrapExitError(ExitFailure, "process event", err)
		}
		return nil
	})
}

func processView(result core.ProcessResult) ProcessView {
	view := ProcessView{
		EventID:      result.EventID,
		AccountID:    result.AccountID,
		RuleID:       result.Match.RuleID(),
		Keyword:      result.Match.MatchedKeyword,
		Status:       string(result.Outcome.Status),
		AttemptCount: result.Outcome.AttemptCount,
		ExternalRef:  result.Outcome.ExternalRef,
		ErrorDetail:  result.Outcome.ErrorDetail,
		Duplicate:    result.Duplicate,
		LatencyMS:    result.Latency.Milliseconds(),
	}
	if result.Entry != nil && view.Status == "" {
		view.Status = string(result.Entry.Status)
	}
	return view
}

func writeProcessText(w io.Writer, view ProcessView) error {
	line := fmt.Sprintf("%s/%s: %s", view.AccountID, view.EventID, view.Status)
	if view.RuleID != "" {
		line += fmt.Sprintf(" rule=%s keyword=%q", view.RuleID, view.Keyword)
	}
	if view.AttemptCount > 0 {
		line += fmt.Sprintf(" attempts=%d", view.AttemptCount)
	}
	if view.Duplicate {
		line += " (duplicate)"
	}
	if view.ErrorDetail != "" {
		line += " error=" + view.ErrorDetail
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

type IngestOptions struct {
	*RootOptions
	File      string
	Signature string
	Headers   map[string]string
}

// IngestView is the printable report of one webhook delivery.
type IngestView struct {
	Coalesced bool           `json:"coalesced"`
	Retryable bool           `json:"retryable"`
	Counts    map[string]int `json:"counts"`
	Events    []EventView    `json:"events"`
}

type EventView struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	EventType string `json:"event_type"`
	RuleID    string `json:"rule_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one Meta webhook delivery",
		Long: `Verify, normalize and fan out one Instagram webhook body.

When webhook.app_secret is configured the body must carry a valid
X-Hub-Signature-256 header, given with --signature or --header.

Exit codes:
  0 - every event was handled
  1 - at least one event failed in a way the sender should retry
  2 - command error

Examples:
  automation ingest --file delivery.json --signature sha256=...
  automation ingest --file delivery.json --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "-", "webhook body file, - for stdin")
	cmd.Flags().StringVar(&opts.Signature, "signature", "", "X-Hub-Signature-256 header value")
	cmd.Flags().StringToStringVar(&opts.Headers, "header", nil, "extra delivery headers (key=value)")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions) error {
	body, err := readInput(cmd.InOrStdin(), opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "read webhook body", err)
	}
	headers := map[string]string{}
	for key, value := range opts.Headers {
		headers[key] = value
	}
	if sig := strings.TrimSpace(opts.Signature); sig != "" {
		headers[webhooks.MetaSignatureHeader] = sig
	}

	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		collector := gocmd.NewResult[webhooks.Report]()
		err := gocommand.Dispatch(gocmd.ContextWithResult(ctx, collector), automationcmd.IngestWebhookMessage{
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return err
		}
		report, _ := collector.Load()
		view := ingestView(report)
		if err := out.Success(view, func(w io.Writer) error { return writeIngestText(w, view) }); err != nil {
			return err
		}
		if view.Retryable {
			return WrapExitError(ExitFailure, "ingest webhook", fmt.Errorf("delivery has retryable failures"))
		}
		return nil
	})
}

func ingestView(report webhooks.Report) IngestView {
	view := IngestView{
		Coalesced: report.Coalesced,
		Retryable: report.Retryable(),
		Counts:    report.Counts(),
		Events:    make([]EventView, 0, len(report.Events)),
	}
	for _, event := range report.Events {
		item := EventView{
			EventID:   event.EventID,
			AccountID: event.AccountID,
			EventType: string(event.EventType),
			RuleID:    event.RuleID,
			Status:    string(event.Status),
			Duplicate: event.Duplicate,
		}
		if event.Err != nil {
			item.Error = event.Err.Error()
		}
		view.Events = append(view.Events, item)
	}
	return view
}

func writeIngestText(w io.Writer, view IngestView) error {
	if view.Coalesced {
		_, err := fmt.Fprintln(w, "delivery coalesced with an identical recent delivery")
		return err
	}
	if _, err := fmt.Fprintf(w, "%d event(s)\n", len(view.Events)); err != nil {
		return err
	}
	for _, event := range view.Events {
		status := event.Status
		if event.Error != "" {
			status = "error: " + event.Error
		}
		if event.Duplicate {
			status += " (duplicate)"
		}
		if _, err := fmt.Fprintf(w, "  %s %s/%s %s\n", event.EventType, event.AccountID, event.EventID, status); err != nil {
			return err
		}
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// withRuntime opens the runtime, runs fn and closes the runtime within the
// configured shutdown grace.
func withRuntime(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, rt *Runtime, out *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := OpenRuntime(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	runErr := fn(ctx, rt, out)

	grace := rt.Config.Engine.Dispatch.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if closeErr := rt.Close(closeCtx); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}
