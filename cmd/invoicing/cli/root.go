// Package cli implements the invoicing command line: the API server, schema
// migrations and manual job triggers.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/invoicing/internal/app"
	"github.com/odyssey-erp/invoicing/jobs"
)

// ExitError carries a non-zero exit code out of a command.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return ExitError{Code: code}
}

type cliRuntime struct {
	cfg    *app.Config
	logger *slog.Logger
}

// NewRootCommand builds the invoicing command tree.
func NewRootCommand(ctx context.Context) *cobra.Command {
	rt := &cliRuntime{}
	root := &cobra.Command{
		Use:           "invoicing",
		Short:         "Purchase order invoicing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.logger = app.NewLogger(cfg)
			return nil
		},
	}
	root.SetContext(ctx)
	root.AddCommand(newServeCommand(rt), newMigrateCommand(rt), newJobsCommand(rt))
	return root
}

func newServeCommand(rt *cliRuntime) *cobra.Command {
	var opts ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := Serve(cmd.Context(), rt.cfg, rt.logger, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func newMigrateCommand(rt *cliRuntime) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitCode(MigrateCommand(rt.cfg, rt.logger, args[0], steps, CommandIO{
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			}))
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to revert with down (0 = all)")
	return cmd
}

func newJobsCommand(rt *cliRuntime) *cobra.Command {
	var jsonOutput bool
	var size int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	withCLI := func(run func(*cobra.Command, *JobsCLI, CommandIO, []string) int) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := NewJobsCLI(rt.cfg.RedisAddr, rt.cfg.IdempotencyRetention)
			defer func() {
				if err := c.Close(); err != nil {
					rt.logger.Warn("jobs cli close", slog.Any("error", err))
				}
			}()
			out := CommandIO{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr(), JSONOutput: jsonOutput}
			return exitCode(run(cmd, c, out, args))
		}
	}

	trigger := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue a job immediately",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskOverdueSweep, jobs.TaskLedgerIntegrity, jobs.TaskIdempotencyCleanup},
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, out CommandIO, args []string) int {
			return c.TriggerCommand(cmd.Context(), args[0], out)
		}),
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue statistics",
		Args:  cobra.NoArgs,
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, out CommandIO, _ []string) int {
			return c.StatsCommand(cmd.Context(), out)
		}),
	}
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, out CommandIO, _ []string) int {
			return c.ScheduledCommand(cmd.Context(), size, out)
		}),
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")

	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}
