package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/report"
	"github.com/sprite-ai/tiergate/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recent runs, or show one run's report",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to list")
	historyCmd.Flags().StringP("format", "f", report.FormatText, "report format when showing a run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Backup().Store != config.StoreSQLite {
		return fmt.Errorf("run history needs persisted state; set backup.store to %q", config.StoreSQLite)
	}
	st, err := store.Open(cmd.Context(), cfg.Backup().Path)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rep, err := st.Run(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		format, _ := cmd.Flags().GetString("format")
		return report.Write(out, rep, format)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := st.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tMODE\tFAILED\tID\tSUMMARY")
	for _, r := range runs {
		mode := "live"
		if r.DryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			mode, r.Failed, r.ID, r.Summary)
	}
	return tw.Flush()
}
