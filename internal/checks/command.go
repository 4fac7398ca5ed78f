package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sprite-ai/tiergate/internal/config"
)

// DefaultCommandTimeout bounds a command check with no configured timeout.
const DefaultCommandTimeout = 10 * time.Minute

// maxOutputTail is how much combined output is kept in a failing result's detail.
const maxOutputTail = 2048

// Command runs an external program; exit status 0 passes. The program sees the candidate
// through TIERGATE_* environment variables.
type Command struct {
	name    string
	argv    []string
	timeout time.Duration
	dir     string
}

// NewCommand builds a check from its configuration.
func NewCommand(cc config.CommandCheck) *Command {
	timeout := cc.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Command{name: cc.Name, argv: cc.Command, timeout: timeout, dir: cc.Dir}
}

func (c *Command) Name() string { return c.name }

func (c *Command) Run(ctx context.Context, in Input) (bool, string, error) {
	if len(c.argv) == 0 {
		return false, "", errors.New("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.workDir(in.RepoDir)
	cmd.Env = append(os.Environ(),
		"TIERGATE_CANDIDATE="+in.Candidate.ID,
		"TIERGATE_HEAD="+in.Candidate.HeadRef,
		"TIERGATE_BASE="+in.Candidate.BaseRef,
		"TIERGATE_HEAD_COMMIT="+in.Metrics.HeadCommit,
		"TIERGATE_BASE_COMMIT="+in.Metrics.BaseCommit,
		"TIERGATE_MERGE_BASE="+in.Metrics.MergeBase,
		"TIERGATE_TIER="+in.Tier.String(),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// children that inherit the output pipe must not hold Wait open past the kill
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err == nil {
		return true, "", nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false, fmt.Sprintf("timed out after %v", c.timeout), nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		detail := fmt.Sprintf("exit status %d", ee.ExitCode())
		if tail := outputTail(out.String()); tail != "" {
			detail += ": " + tail
		}
		return false, detail, nil
	}
	return false, "", fmt.Errorf("run %s: %w", c.argv[0], err)
}

func (c *Command) workDir(repoDir string) string {
	switch {
	case c.dir == "":
		return repoDir
	case filepath.IsAbs(c.dir) || repoDir == "":
		return c.dir
	default:
		return filepath.Join(repoDir, c.dir)
	}
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return s
}
