// Package cli implements the tiergate command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/model"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

// errCandidatesFailed is returned by run when at least one candidate ended unrecovered.
var errCandidatesFailed = errors.New("one or more candidates failed")

// loggerKey stores the *slog.Logger in the command context.
type loggerKey struct{}

// logCloser closes the --log-file handle, if any.
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "tiergate",
	Short: "Classify branches by change risk and merge or prune them",
	Long: `tiergate measures every candidate branch against its base, assigns it a risk tier,
validates it with the tier's required checks (escalating to stricter tiers on failure),
and then merges, deletes or leaves it, with a recoverable backup around every change.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
			logCloser = nil
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default: tiergate.yaml in the working directory)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text, json")
	pf.String("log-file", "", "append logs to this file instead of stderr")

	// Config overrides; see config.Load for the keys they map onto.
	pf.String("repo", "", "repository directory")
	pf.String("remote", "", "remote candidates live on")
	pf.String("base", "", "base branch")
	pf.String("scorer", "", "conflict scorer: hunk_overlap, merge_tree")
	pf.Int("parallel", 0, "max candidates processed at once")
	pf.Duration("lock-timeout", 0, "max wait for a branch lock")
	pf.Duration("run-deadline", 0, "stop dispatching after this long")
	pf.Bool("delete-merged", false, "delete candidates with no changes against base")
	pf.String("store", "", "backup and history store: memory, sqlite")
	pf.String("state", "", "sqlite state file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns the process exit code: 2 for configuration
// errors, 1 for any other failure including unrecovered candidates, 0 otherwise.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.ExecuteContext(ctx)
	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, errCandidatesFailed) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailure
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	path, _ := cmd.Flags().GetString("log-file")

	var w io.Writer = cmd.ErrOrStderr()
	if path != "" {
		f, err := openLogFile(path)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logCloser = f
		w = f
	}

	logger, err := newLogger(w, level, format)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, loggerKey{}, logger))
	return nil
}

// loggerFrom returns the command logger, or a discard logger outside a command.
func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
