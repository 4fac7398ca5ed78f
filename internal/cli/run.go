package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run [branch...]",
	Short: "Classify, validate and act on candidate branches",
	Long: `Process candidate branches against the configured base. With no arguments every
remote branch matching repository.include (and not repository.exclude) is a candidate.
The remote is fetched before any candidate is measured, named branches included.

Each candidate is measured, assigned a risk tier, validated with the tier's required
checks (escalating on failure) and then merged, deleted or left alone. Every change is
preceded by a backup and verified afterwards; a failed change is rolled back.

Exit codes:
  0: every candidate reached a non-failed outcome
  1: at least one candidate failed unrecovered
  2: configuration error`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "report planned actions without changing any branch")
	runCmd.Flags().StringP("format", "f", report.FormatText, "report format: "+strings.Join(report.Formats, ", "))
	runCmd.Flags().StringP("output", "o", "", "write the report to this file instead of stdout")
	runCmd.Flags().String("metrics-file", "", "write run metrics in Prometheus text format to this file")
	runCmd.Flags().Bool("no-history", false, "do not record the run in the state store")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if !slices.Contains(report.Formats, format) {
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(report.Formats, ", "))
	}

	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cands []model.Candidate
	if len(args) > 0 {
		cands = a.orch.Candidates(args)
	} else {
		if cands, err = a.orch.Discover(ctx); err != nil {
			return err
		}
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	rep := a.orch.Run(ctx, cands, dryRun)

	noHistory, _ := cmd.Flags().GetBool("no-history")
	if a.store != nil && !noHistory {
		// The run context may already be cancelled; the record is still wanted.
		if err := a.store.SaveRun(context.WithoutCancel(ctx), rep); err != nil {
			a.logger.Warn("saving run history failed", "run", rep.ID, "error", err)
		}
	}

	if path, _ := cmd.Flags().GetString("metrics-file"); path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			a.logger.Warn("writing metrics file failed", "path", path, "error", err)
		}
	}

	output, _ := cmd.Flags().GetString("output")
	if err := writeReport(cmd.OutOrStdout(), output, rep, format); err != nil {
		return err
	}

	if rep.HasUnrecoveredFailure() {
		return errCandidatesFailed
	}
	return nil
}

// writeReport renders rep to path, or to stdout when path is empty.
func writeReport(stdout io.Writer, path string, rep *model.RunReport, format string) error {
	if path == "" {
		return report.Write(stdout, rep, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	if err := report.Write(f, rep, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\nReport written to %s\n", rep.Summary(), path)
	return nil
}
