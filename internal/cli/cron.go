package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/cron"
)

// NewCronCmd builds the cron command.
func NewCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled prompt jobs",
		Long: `List, create, and manage scheduled prompt jobs.

Jobs live in the event store's database. A running server picks up new
jobs and schedule changes on restart; enabling, disabling, and prompt
edits apply at the job's next tick.`,
	}

	cmd.AddCommand(newCronListCmd())
	cmd.AddCommand(newCronAddCmd())
	cmd.AddCommand(newCronRemoveCmd())
	cmd.AddCommand(newCronEnableCmd(true))
	cmd.AddCommand(newCronEnableCmd(false))
	cmd.AddCommand(newCronHistoryCmd())

	return cmd
}

func newCronListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			jobs, err := cron.NewJobStore(db).List(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			if len(jobs) == 0 {
				fmt.Println("No cron jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCHEDULE\tSESSION\tENABLED\tNEXT RUN")
			fmt.Fprintln(w, "----\t--------\t-------\t-------\t--------")
			for _, j := range jobs {
				enabled := "✓"
				nextRun := "-"
				if !j.Enabled {
					enabled = "✗"
				} else if next, err := cron.NextRun(j.Schedule, time.Now()); err == nil {
					nextRun = next.Format("01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Name, j.Schedule, j.SessionID, enabled, nextRun)
			}
			w.Flush()

			fmt.Printf("\nTotal: %d jobs\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newCronAddCmd() *cobra.Command {
	var (
		sessionID string
		prompt    string
		disabled  bool
	)

	cmd := &cobra.Command{
		Use:   "add <name> <schedule>",
		Short: "Add a cron job",
		Long: `Add a scheduled prompt job.

Schedules use standard five-field cron syntax, optionally preceded by a
seconds field, or a descriptor like @hourly:
  ┌───────────── minute (0 - 59)
  │ ┌───────────── hour (0 - 23)
  │ │ ┌───────────── day of month (1 - 31)
  │ │ │ ┌───────────── month (1 - 12)
  │ │ │ │ ┌───────────── day of week (0 - 6)
  │ │ │ │ │
  * * * * *

At each tick the prompt is enqueued on the target session exactly as if
a client had sent agent.prompt.`,
		Example: `  # Summarize every morning at 9 AM
  loom cron add daily-summary "0 9 * * *" --session ses-123 --prompt "Summarize yesterday's work"

  # Check in every 5 minutes, created disabled
  loom cron add checkin "*/5 * * * *" --session ses-123 --prompt "Check status" --disabled`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			job, err := cron.NewJobStore(db).Create(cmd.Context(), cron.JobCreate{
				Name:      args[0],
				Schedule:  args[1],
				SessionID: sessionID,
				Prompt:    prompt,
				Enabled:   !disabled,
			})
			if err != nil {
				return err
			}

			fmt.Printf("✓ Cron job '%s' created\n", job.Name)
			fmt.Printf("  Schedule: %s\n", job.Schedule)
			fmt.Printf("  Session:  %s\n", job.SessionID)
			fmt.Printf("  Enabled:  %v\n", job.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "target session ID (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to enqueue at each tick (required)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job in disabled state")

	return cmd
}

func newCronRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"delete", "rm"},
		Short:   "Remove a cron job and its run history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			if err := cron.NewJobStore(db).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Cron job '%s' removed\n", args[0])
			return nil
		},
	}

	return cmd
}

func newCronEnableCmd(enable bool) *cobra.Command {
	use, short, done := "enable", "Enable a cron job", "enabled"
	if !enable {
		use, short, done = "disable", "Disable a cron job", "disabled"
	}

	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			if _, err := cron.NewJobStore(db).Update(cmd.Context(), args[0], cron.JobPatch{Enabled: &enable}); err != nil {
				return err
			}
			fmt.Printf("✓ Cron job '%s' %s\n", args[0], done)
			return nil
		},
	}

	return cmd
}

func newCronHistoryCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Show recent runs of a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			runs, err := cron.NewHistoryStore(db, cliCtx.Config.Cron.HistoryLimit).
				List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tFINISHED\tSTATUS\tDETAIL")
			fmt.Fprintln(w, "-------\t--------\t------\t------")
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format("01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.StartedAt.Format("01-02 15:04:05"), finished, r.Status, r.Detail)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")

	return cmd
}
