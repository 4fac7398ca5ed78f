package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate or create the configuration file",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration, then print the effective tiers",
	Args:  cobra.NoArgs,
	RunE:  runConfigCheck,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented starter configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	src := cfg.Source()
	if src == "" {
		src = "(no file; defaults, environment and flags only)"
	}
	fmt.Fprintf(out, "Configuration OK: %s\n\n", src)

	for _, t := range cfg.Tiers() {
		checks := strings.Join(t.RequiredChecks, ", ")
		if checks == "" {
			checks = "none"
		}
		fmt.Fprintf(out, "  %-13s files<=%d critical<=%d conflicts<=%d  action %s  checks %s\n",
			t.Tier, t.MaxChangedFiles, t.MaxCriticalFiles, t.MaxConflictPotential, t.Action, checks)
	}

	s := cfg.Settings()
	repo := cfg.Repository()
	fmt.Fprintf(out, "\n  repository %s (remote %s, base %s, scorer %s)\n",
		orDot(repo.Path), repo.Remote, repo.Base, repo.ConflictScorer)
	fmt.Fprintf(out, "  parallel %d, lock timeout %s, retries %d, backups %d (%s)\n",
		s.MaxParallelJobs, s.LockTimeout, s.RetryLimit, s.MaxBackups, cfg.Backup().Store)
	fmt.Fprintf(out, "  checks: %s\n", strings.Join(cfg.CheckNames(), ", "))
	return nil
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.FileNames[0]
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(config.Example()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
