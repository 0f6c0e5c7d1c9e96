package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string
	DBDriver   string
	DSN        string
	LogLevel   string
	DryRun     bool
	Trace      bool
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "automation",
		Short: "Keyword automation engine for Instagram comments and DMs",
		Long: `Process inbound Instagram events against keyword rules, reply through the
Graph API, and inspect the resulting audit log.

Configuration is read from --config (YAML) and AUTOMATION_ environment
variables; a .env file in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "automation.yaml", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBDriver, "db-driver", "", "database driver override (sqlite3|postgres)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database DSN override")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "log actions instead of calling the Graph API")
	cmd.PersistentFlags().BoolVar(&opts.Trace, "trace", false, "export spans to stderr")

	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// apply layers command line overrides over the loaded configuration.
func (o *RootOptions) apply(cfg *Config) {
	if o == nil || cfg == nil {
		return
	}
	if driver := strings.TrimSpace(o.DBDriver); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := strings.TrimSpace(o.DSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if level := strings.TrimSpace(o.LogLevel); level != "" {
		cfg.Log.Level = level
	}
	if o.Trace {
		cfg.Tracing.Enabled = true
	}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
