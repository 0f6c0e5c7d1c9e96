package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	automation "github.com/goliatone/go-automation"
	"github.com/goliatone/go-automation/adapters/gocommand"
	"github.com/goliatone/go-automation/adapters/gojob"
	automationcmd "github.com/goliatone/go-automation/command"
	"github.com/goliatone/go-automation/core"
	automationmigrations "github.com/goliatone/go-automation/migrations"
	gocmd "github.com/goliatone/go-command"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop dedup ledger entries past the retention window",
		Long: `Drop dedup ledger entries older than engine.dedup.retention_window.

Audit log entries are never purged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
				collector := gocmd.NewResult[automationcmd.PurgeResult]()
				if err := gocommand.Dispatch(gocmd.ContextWithResult(ctx, collector), automationcmd.PurgeLedgerMessage{}); err != nil {
					return err
				}
				result, _ := collector.Load()
				return out.Success(result, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "purged %d ledger entries\n", result.Purged)
					return err
				})
			})
		},
	}
}

type ReconcileOptions struct {
	*RootOptions
	MaxJobs       int
	SchedulePurge bool
}

type ReconcileView struct {
	Handled int            `json:"handled"`
	Failed  int            `json:"failed"`
	Queue   map[string]int `json:"queue"`
}

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Drain the reconcile job queue",
		Long: `Record outcomes whose audit write failed after the action was performed,
and run queued ledger purges. Failed jobs are retried with a delay and
dead-lettered after five attempts.

Examples:
  automation reconcile
  automation reconcile --schedule-purge --max-jobs 500`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.MaxJobs, "max-jobs", 100, "Stop after this many jobs")
	cmd.Flags().BoolVar(&opts.SchedulePurge, "schedule-purge", false, "Queue this hour's ledger purge before draining")
	return cmd
}

func runReconcile(cmd *cobra.Command, opts *ReconcileOptions) error {
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		jobs := rt.Stores.JobQueue()
		if opts.SchedulePurge {
			if err := gojob.SchedulePurge(ctx, jobs, time.Now().UTC()); err != nil {
				return WrapExitError(ExitFailure, "schedule purge", err)
			}
		}
		runner, err := core.NewReconcileRunner(rt.Facade.Service(), core.ReconcileRunnerConfig{}, core.LoggingJobHook{Logger: rt.Loggers.Jobs})
		if err != nil {
			return err
		}
		dequeuer := gojob.NewDequeuerAdapter(jobs, gojob.DefaultRetryPolicy())

		view := ReconcileView{}
		for view.Handled+view.Failed < opts.MaxJobs {
			jobID, runErr := runner.RunOnce(ctx, dequeuer)
			if jobID == "" && runErr == nil {
				break
			}
			if runErr != nil {
				if jobID == "" {
					return WrapExitError(ExitFailure, "dequeue job", runErr)
				}
				view.Failed++
				continue
			}
			view.Handled++
		}
		queue, err := jobs.Counts(ctx)
		if err != nil {
			return err
		}
		view.Queue = queue
		rt.Logger.Info("reconcile finished", "handled", view.Handled, "failed", view.Failed)

		if err := out.Success(view, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "handled %d jobs, %d failed (pending %d, dead %d)\n",
				view.Handled, view.Failed, queue["pending"], queue["dead"])
			return err
		}); err != nil {
			return err
		}
		if view.Failed > 0 {
			return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d reconcile jobs failed", view.Failed)}
		}
		return nil
	})
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Long: `Apply the embedded SQL migrations for the configured driver.

Examples:
  automation migrate --db-driver sqlite3 --dsn "file:automation.db?_foreign_keys=on"
  automation migrate --db-driver postgres --dsn postgres://localhost/automation?sslmode=disable`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, rootOpts)
		},
	}
}

func runMigrate(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	opts.apply(&cfg)
	logger, err := NewSlogLogger(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}

	client, dialect, err := OpenDatabase(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer func() { _ = client.Close() }()

	if err := automationmigrations.Apply(ctx, client, dialect); err != nil {
		return WrapExitError(ExitCommandError, "migrate database", err)
	}
	logger.Info("migrations applied", "dialect", dialect)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(map[string]string{"dialect": dialect}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "migrations applied (%s)\n", dialect)
		return err
	})
}

type SeedOptions struct {
	*RootOptions
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "seed [rule-pack.yaml ...]",
		Short: "Save the rules of one or more YAML rule packs",
		Long: `Save the rules of YAML rule packs into the rule store. Files given as
arguments are applied together with the rule_packs entries of the config.
Saving an existing rule id updates it and keeps its counters.

A rule pack file looks like:

  name: shop-starter
  rules:
    - id: r_price
      account_id: A1
      type: dm
      trigger_keywords: [price, "how much"]
      action_message: "Hi {username}! Sending the price list now."
      active: true`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts, args)
		},
	}
}

func runSeed(cmd *cobra.Command, opts *SeedOptions, args []string) error {
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *Runtime, out *OutputFormatter) error {
		paths := append(append([]string{}, rt.Config.RulePacks...), args...)
		if len(paths) == 0 {
			return WrapExitError(ExitCommandError, "seed", fmt.Errorf("no rule pack files given"))
		}
		hooks := automation.NewExtensionHooks()
		for _, path := range paths {
			pack, err := LoadRulePack(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "load rule pack", err)
			}
			if err := hooks.RegisterRulePack(pack); err != nil {
				return WrapExitError(ExitCommandError, "register rule pack", err)
			}
		}
		saved, err := hooks.ApplyRulePacks(ctx, rt.Stores.RuleStore())
		if err != nil {
			return err
		}
		rt.Logger.Info("rule packs applied", "packs", len(paths), "rules", saved)

		result := map[string]int{"packs": len(paths), "rules": saved}
		return out.Success(result, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "saved %d rules from %d pack(s)\n", saved, len(paths))
			return err
		})
	})
}

type rulePackDocument struct {
	Name  string         `yaml:"name"`
	Rules []ruleDocument `yaml:"rules"`
}

type ruleDocument struct {
	ID              string   `yaml:"id"`
	UserID          string   `yaml:"user_id"`
	AccountID       string   `yaml:"account_id"`
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	TriggerKeywords []string `yaml:"trigger_keywords"`
	ActionMessage   string   `yaml:"action_message"`
	CaseSensitive   bool     `yaml:"case_sensitive"`
	Priority        int      `yaml:"priority"`
	Active          *bool    `yaml:"active"`
}

// LoadRulePack reads a YAML rule pack. Rules are active unless the file says
// otherwise; a pack without a name is named after its file.
func LoadRulePack(path string) (automation.RulePack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return automation.RulePack{}, err
	}
	return ParseRulePack(raw, path)
}

func ParseRulePack(raw []byte, source string) (automation.RulePack, error) {
	var doc rulePackDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return automation.RulePack{}, fmt.Errorf("parse rule pack %s: %w", source, err)
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = strings.TrimSpace(source)
	}
	pack := automation.RulePack{Name: name, Rules: make([]core.Rule, 0, len(doc.Rules))}
	for _, item := range doc.Rules {
		active := true
		if item.Active != nil {
			active = *item.Active
		}
		pack.Rules = append(pack.Rules, core.Rule{
			ID:              item.ID,
			UserID:          item.UserID,
			AccountID:       item.AccountID,
			Name:            item.Name,
			Type:            core.RuleType(strings.ToLower(strings.TrimSpace(item.Type))),
			TriggerKeywords: item.TriggerKeywords,
			ActionMessage:   item.ActionMessage,
			CaseSensitive:   item.CaseSensitive,
			Priority:        item.Priority,
			Active:          active,
		})
	}
	return pack, nil
}
