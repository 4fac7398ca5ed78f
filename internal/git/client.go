// Package git drives the git command line for candidate discovery, metric collection and
// the merge, delete and backup ref operations.
//
// Every call runs under its own timeout. Failures come back as *model.GitOperationError or
// *model.NetworkError so callers can decide whether to retry.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/retry"
)

// DefaultTimeout bounds a single git invocation when none is configured.
const DefaultTimeout = 2 * time.Minute

// Options configures a Client.
type Options struct {
	// Dir is the repository working directory (or bare repository).
	Dir string
	// Remote is the remote name candidates live on.
	Remote string
	// Timeout bounds each git invocation. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retry is applied to read-only remote operations (fetch, ls-remote).
	Retry retry.Policy
	// AuthorName and AuthorEmail, when set, are used for merge commits.
	AuthorName  string
	AuthorEmail string
	Logger      *slog.Logger
}

// Client runs git in one repository. It is safe for concurrent use.
type Client struct {
	dir     string
	remote  string
	timeout time.Duration
	retry   retry.Policy
	env     []string
	logger  *slog.Logger
}

// New creates a client for opts.Dir.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}

	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	if opts.AuthorName != "" {
		env = append(env, "GIT_AUTHOR_NAME="+opts.AuthorName, "GIT_COMMITTER_NAME="+opts.AuthorName)
	}
	if opts.AuthorEmail != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+opts.AuthorEmail, "GIT_COMMITTER_EMAIL="+opts.AuthorEmail)
	}

	return &Client{
		dir:     opts.Dir,
		remote:  remote,
		timeout: timeout,
		retry:   policy,
		env:     env,
		logger:  logger.With("component", "git"),
	}
}

// Remote returns the configured remote name.
func (c *Client) Remote() string { return c.remote }

func (c *Client) run(ctx context.Context, op string, network bool, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = c.dir
	cmd.Env = c.env
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("git", "op", op, "args", args, "duration", time.Since(start), "error", err)
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() != nil {
		return "", &model.GitOperationError{Op: op, Err: ctx.Err()}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		timeout := fmt.Errorf("timeout after %v", c.timeout)
		if network {
			return "", &model.NetworkError{Op: op, Err: timeout}
		}
		return "", &model.GitOperationError{Op: op, Transient: true, Err: timeout}
	}
	return stdout.String(), Classify(op, network, stderr.String(), err)
}

// remoteRead runs a read-only remote operation under the client's retry policy.
func (c *Client) remoteRead(ctx context.Context, op string, args ...string) (string, error) {
	var out string
	_, err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			c.logger.Info("retrying git operation", "op", op, "attempt", attempt)
		}
		var err error
		out, err = c.run(ctx, op, true, args...)
		return err
	})
	return out, err
}

// Fetch updates the remote-tracking refs and prunes deleted branches.
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.remoteRead(ctx, "fetch", "fetch", "--prune", "--quiet", c.remote)
	return err
}

// RemoteBranches lists branch names under refs/remotes/<remote>, sorted.
func (c *Client) RemoteBranches(ctx context.Context) ([]string, error) {
	prefix := "refs/remotes/" + c.remote + "/"
	out, err := c.run(ctx, "for-each-ref", false, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name := strings.TrimPrefix(strings.TrimSpace(line), prefix)
		if name == "" || name == "HEAD" {
			continue
		}
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches, nil
}

// ResolveBranch returns the commit a branch points at, preferring the remote-tracking ref
// over a local branch of the same name.
func (c *Client) ResolveBranch(ctx context.Context, branch string) (string, error) {
	var lastErr error
	for _, ref := range []string{"refs/remotes/" + c.remote + "/" + branch, "refs/heads/" + branch} {
		sha, err := c.ResolveCommit(ctx, ref)
		if err == nil {
			return sha, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("resolve branch %s: %w", branch, lastErr)
}

// ResolveCommit resolves any revision to a full commit id.
func (c *Client) ResolveCommit(ctx context.Context, rev string) (string, error) {
	out, err := c.run(ctx, "rev-parse", false, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// MergeBase returns the best common ancestor of two commits.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := c.run(ctx, "merge-base", false, "merge-base", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return "", &model.GitOperationError{Op: "merge-base", Err: fmt.Errorf("%s and %s share no history", a, b)}
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the unified diff from..to with rename detection and the given context.
func (c *Client) Diff(ctx context.Context, from, to string, contextLines int) (string, error) {
	return c.run(ctx, "diff", false,
		"diff", "--no-color", "--no-ext-diff", "--find-renames", fmt.Sprintf("-U%d", contextLines), from, to)
}

// MergeTree performs an in-memory merge of head into base. It returns the resulting tree and
// the paths that conflict; conflicts are not an error. No working tree, index or ref is
// touched.
func (c *Client) MergeTree(ctx context.Context, base, head string) (string, []string, error) {
	out, err := c.run(ctx, "merge-tree", false,
		"merge-tree", "--write-tree", "--name-only", "--no-messages", base, head)
	if err != nil && exitCode(err) != 1 {
		return "", nil, err
	}
	tree, conflicts := parseMergeTree(out)
	if tree == "" {
		return "", nil, &model.GitOperationError{Op: "merge-tree", Err: errors.New("no tree in output")}
	}
	return tree, conflicts, nil
}

// RemoteRef asks the remote for a branch's current commit. ok is false when the branch does
// not exist.
func (c *Client) RemoteRef(ctx context.Context, branch string) (sha string, ok bool, err error) {
	ref := "refs/heads/" + branch
	out, err := c.remoteRead(ctx, "ls-remote", "ls-remote", "--heads", c.remote, ref)
	if err != nil {
		return "", false, err
	}
	sha, ok = parseLsRemote(out, ref)
	return sha, ok, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.run(ctx, "merge-base", false, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CommitTree creates a commit object for tree with the given parents.
func (c *Client) CommitTree(ctx context.Context, tree, message string, parents ...string) (string, error) {
	args := []string{"commit-tree", tree, "-m", message}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	out, err := c.run(ctx, "commit-tree", false, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push updates a remote branch to commit. A push that is not a fast-forward is rejected by
// the remote unless force is set; that rejection is reported as transient.
func (c *Client) Push(ctx context.Context, commit, branch string, force bool) error {
	refspec := commit + ":refs/heads/" + branch
	if force {
		refspec = "+" + refspec
	}
	_, err := c.run(ctx, "push", true, "push", c.remote, refspec)
	return err
}

// PushLease force-updates branch to commit only while the remote still has it at expect.
// An empty commit deletes the branch; an empty expect requires the branch to be absent. A
// remote that moved fails with model.ErrSubjectMoved.
func (c *Client) PushLease(ctx context.Context, commit, branch, expect string) error {
	ref := "refs/heads/" + branch
	_, err := c.run(ctx, "push", true, "push", "--force-with-lease="+ref+":"+expect, c.remote, commit+":"+ref)
	return err
}

// DeleteRemoteBranch removes a branch from the remote. Deleting a branch that is already
// gone succeeds.
func (c *Client) DeleteRemoteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "push", true, "push", c.remote, ":refs/heads/"+branch)
	var gerr *model.GitOperationError
	if errors.As(err, &gerr) && strings.Contains(strings.ToLower(gerr.Stderr), "remote ref does not exist") {
		return nil
	}
	return err
}

// UpdateRef points a local ref at commit, creating it if needed.
func (c *Client) UpdateRef(ctx context.Context, ref, commit string) error {
	_, err := c.run(ctx, "update-ref", false, "update-ref", ref, commit)
	return err
}

// DeleteRef removes a local ref. Removing a missing ref succeeds.
func (c *Client) DeleteRef(ctx context.Context, ref string) error {
	if _, err := c.ResolveCommit(ctx, ref); err != nil {
		return nil
	}
	_, err := c.run(ctx, "update-ref", false, "update-ref", "-d", ref)
	return err
}

// FetchCommit makes sure commit is present locally by fetching it from the remote.
func (c *Client) FetchCommit(ctx context.Context, commit string) error {
	_, err := c.remoteRead(ctx, "fetch", "fetch", "--quiet", c.remote, commit)
	return err
}

func parseLsRemote(out, ref string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		sha, name, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if ok && name == ref {
			return sha, true
		}
	}
	return "", false
}

func parseMergeTree(out string) (string, []string) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", nil
	}
	tree := strings.TrimSpace(lines[0])

	seen := make(map[string]bool)
	var conflicts []string
	for _, l := range lines[1:] {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		conflicts = append(conflicts, l)
	}
	sort.Strings(conflicts)
	return tree, conflicts
}
