package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/classify"
	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/orchestrator"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Print the tier the configured thresholds assign to raw metrics",
	Long: `Classify a change from its three metrics without touching a repository.
Useful for trying out tier thresholds.

Example:
  tiergate classify --files 4 --critical 1 --conflicts 0`,
	Args: cobra.NoArgs,
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().Int("files", 0, "changed file count")
	classifyCmd.Flags().Int("critical", 0, "critical files touched")
	classifyCmd.Flags().Int("conflicts", 0, "conflict potential")
}

func runClassify(cmd *cobra.Command, args []string) error {
	files, _ := cmd.Flags().GetInt("files")
	critical, _ := cmd.Flags().GetInt("critical")
	conflicts, _ := cmd.Flags().GetInt("conflicts")
	if files < 0 || critical < 0 || conflicts < 0 {
		return fmt.Errorf("metrics must be non-negative")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	m := model.ChangeMetrics{ChangedFileCount: files, CriticalFilesTouched: critical, ConflictPotential: conflicts}
	tier := classify.Classify(m, cfg.Tiers())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", m)
	fmt.Fprintf(out, "tier:   %s\n", tier)
	fmt.Fprintf(out, "action: %s\n", orchestrator.PlanAction(m, tier, cfg))
	return nil
}
