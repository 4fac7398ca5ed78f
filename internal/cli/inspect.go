package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/classify"
	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/orchestrator"
	"github.com/sprite-ai/tiergate/internal/report"
	"github.com/sprite-ai/tiergate/internal/tui"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <branch>",
	Short: "Show a branch's metrics, tier and validation without acting on it",
	Long: `Measure one candidate, classify it and run its validation exactly as run would,
but stop before any action. Nothing on the remote changes.

Examples:
  tiergate inspect feature/login           # summary
  tiergate inspect feature/login --tui     # interactive diff viewer
  tiergate inspect feature/login --stat    # changed files only`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("tui", false, "open the interactive diff viewer")
	inspectCmd.Flags().Bool("stat", false, "print diff stats and exit")
	inspectCmd.Flags().Bool("no-checks", false, "skip validation")
	inspectCmd.Flags().StringP("format", "f", report.FormatText, "output format: text, json, yaml")
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if err := a.git.Fetch(ctx); err != nil {
		return err
	}
	cand := a.orch.Candidates(args)[0]
	an, err := a.collector.Analyze(ctx, cand)
	if err != nil {
		return err
	}

	if stat, _ := cmd.Flags().GetBool("stat"); stat {
		return printStat(cmd.OutOrStdout(), an.Diff, an.Metrics)
	}

	m := an.Metrics
	tier := classify.Classify(m, a.cfg.Tiers())
	e := model.ReportEntry{
		CandidateID: cand.ID,
		HeadRef:     cand.HeadRef,
		BaseRef:     cand.BaseRef,
		Metrics:     &m,
		InitialTier: tier,
		Tier:        tier,
		Status:      model.StatusDryRun,
	}
	if skip, _ := cmd.Flags().GetBool("no-checks"); !skip {
		d := a.gate.Evaluate(ctx, tier, checks.Input{
			Candidate: cand,
			Metrics:   m,
			Diff:      an.Diff,
			RepoDir:   a.cfg.Repository().Path,
		})
		if d.Err != nil {
			return d.Err
		}
		e.Tier, e.Validation, e.Reason = d.Tier, d.Outcomes, d.Reason
	}
	if e.Tier == model.TierRejected {
		e.Status = model.StatusRejected
	}
	e.PlannedAction = orchestrator.PlanAction(m, e.Tier, a.cfg)

	if useTUI, _ := cmd.Flags().GetBool("tui"); useTUI {
		return tui.Run(e, an.Diff)
	}
	format, _ := cmd.Flags().GetString("format")
	return report.WriteEntry(cmd.OutOrStdout(), e, format)
}

func printStat(w io.Writer, ds *diff.DiffSet, m model.ChangeMetrics) error {
	files, added, deleted := ds.Stats()
	fmt.Fprintf(w, "%d file(s) changed, %d insertions(+), %d deletions(-)\n\n", files, added, deleted)
	for _, f := range ds.Files {
		status := "M"
		switch {
		case f.IsNew:
			status = "A"
		case f.IsDeleted:
			status = "D"
		case f.IsRenamed:
			status = "R"
		}
		var flags []string
		for _, c := range m.CriticalFiles {
			if c == f.Path() {
				flags = append(flags, "critical")
			}
		}
		for _, c := range m.ConflictingFiles {
			if c == f.Path() {
				flags = append(flags, "conflict")
			}
		}
		fmt.Fprintf(w, "  %s %-50s +%-4d -%-4d %s\n", status, f.Name(), f.AddedLines, f.DeletedLines, strings.Join(flags, ","))
	}
	return nil
}
