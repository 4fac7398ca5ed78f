package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/tiergate/internal/model"
)

func TestClassify(t *testing.T) {
	base := errors.New("exit status 1")

	tests := []struct {
		name      string
		network   bool
		stderr    string
		wantNet   bool
		transient bool
	}{
		{"dns failure", true, "fatal: unable to access 'https://x/': Could not resolve host: x", true, true},
		{"hung up", true, "fatal: the remote end hung up unexpectedly", true, true},
		{"network pattern on local op", false, "Connection reset by peer", false, false},
		{"non fast forward", true, " ! [rejected]        abc -> main (non-fast-forward)", false, true},
		{"fetch first", true, " ! [rejected]        abc -> main (fetch first)", false, true},
		{"ref lock", false, "fatal: cannot lock ref 'refs/heads/main': is at 1 but expected 2", false, true},
		{"permission", true, "git@host: Permission denied (publickey).\nfatal: Could not read from remote repository.", false, false},
		{"protected", true, "remote: error: GH006: Protected branch update failed for refs/heads/main.", false, false},
		{"stale lease", true, " ! [rejected]        abc -> main (stale info)", false, false},
		{"unknown", false, "fatal: bad object deadbeef", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("push", tt.network, tt.stderr, base)

			var netErr *model.NetworkError
			assert.Equal(t, tt.wantNet, errors.As(err, &netErr))
			assert.Equal(t, tt.transient, model.IsTransient(err))
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestParseLsRemote(t *testing.T) {
	out := "1111111111111111111111111111111111111111\trefs/heads/feature/x\n" +
		"2222222222222222222222222222222222222222\trefs/heads/other/refs/heads/feature/x\n"

	sha, ok := parseLsRemote(out, "refs/heads/feature/x")
	assert.True(t, ok)
	assert.Equal(t, "1111111111111111111111111111111111111111", sha)

	_, ok = parseLsRemote("", "refs/heads/main")
	assert.False(t, ok)
}

func TestParseMergeTree(t *testing.T) {
	tree, files := parseMergeTree("abc123\n")
	assert.Equal(t, "abc123", tree)
	assert.Empty(t, files)

	tree, files = parseMergeTree("def456\nb.go\na.go\nb.go\n")
	assert.Equal(t, "def456", tree)
	assert.Equal(t, []string{"a.go", "b.go"}, files)

	tree, _ = parseMergeTree("")
	assert.Empty(t, tree)
}

// sandbox is a bare "remote" plus a clone of it, driven by the real git binary.
type sandbox struct {
	t      *testing.T
	remote string
	work   string
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	out, err := exec.Command("git", "merge-tree", "-h").CombinedOutput()
	if err == nil || !strings.Contains(string(out), "--write-tree") {
		t.Skip("git too old for merge-tree --write-tree")
	}
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	s := &sandbox{t: t, remote: filepath.Join(root, "remote.git"), work: filepath.Join(root, "work")}
	s.git(root, "init", "--bare", "--initial-branch=main", s.remote)
	s.git(root, "clone", "--quiet", s.remote, s.work)
	s.git(s.work, "symbolic-ref", "HEAD", "refs/heads/main")
	return s
}

func (s *sandbox) git(dir string, args ...string) string {
	s.t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(s.t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func (s *sandbox) commit(path, content, msg string) string {
	s.t.Helper()
	full := filepath.Join(s.work, path)
	require.NoError(s.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(s.t, os.WriteFile(full, []byte(content), 0o644))
	s.git(s.work, "add", path)
	s.git(s.work, "commit", "--quiet", "-m", msg)
	return s.git(s.work, "rev-parse", "HEAD")
}

func (s *sandbox) client() *Client {
	return New(Options{
		Dir:         s.work,
		Timeout:     30 * time.Second,
		AuthorName:  "tiergate",
		AuthorEmail: "tiergate@example.com",
	})
}

func TestClientAgainstRepository(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	root := s.commit("app.go", "package app\n\nfunc A() int { return 1 }\n", "initial")
	s.git(s.work, "push", "--quiet", "origin", "main")

	s.git(s.work, "checkout", "--quiet", "-b", "feature/x")
	head := s.commit("feature.go", "package app\n\nfunc B() int { return 2 }\n", "add feature")
	s.git(s.work, "push", "--quiet", "origin", "feature/x")
	s.git(s.work, "checkout", "--quiet", "main")

	c := s.client()
	require.NoError(t, c.Fetch(ctx))

	branches, err := c.RemoteBranches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature/x", "main"}, branches)

	got, err := c.ResolveBranch(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, head, got)

	mb, err := c.MergeBase(ctx, root, head)
	require.NoError(t, err)
	assert.Equal(t, root, mb)

	raw, err := c.Diff(ctx, mb, head, 0)
	require.NoError(t, err)
	assert.Contains(t, raw, "feature.go")

	sha, ok, err := c.RemoteRef(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, root, sha)

	_, ok, err = c.RemoteRef(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	isAnc, err := c.IsAncestor(ctx, root, head)
	require.NoError(t, err)
	assert.True(t, isAnc)
	isAnc, err = c.IsAncestor(ctx, head, root)
	require.NoError(t, err)
	assert.False(t, isAnc)

	tree, conflicts, err := c.MergeTree(ctx, root, head)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	merge, err := c.CommitTree(ctx, tree, "Merge feature/x", root, head)
	require.NoError(t, err)
	require.NoError(t, c.Push(ctx, merge, "main", false))

	sha, _, err = c.RemoteRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, merge, sha)

	require.NoError(t, c.UpdateRef(ctx, "refs/tiergate/backups/main/1", root))
	pinned, err := c.ResolveCommit(ctx, "refs/tiergate/backups/main/1")
	require.NoError(t, err)
	assert.Equal(t, root, pinned)
	require.NoError(t, c.DeleteRef(ctx, "refs/tiergate/backups/main/1"))
	require.NoError(t, c.DeleteRef(ctx, "refs/tiergate/backups/main/1"))

	require.NoError(t, c.DeleteRemoteBranch(ctx, "feature/x"))
	require.NoError(t, c.DeleteRemoteBranch(ctx, "feature/x"))
	_, ok, err = c.RemoteRef(ctx, "feature/x")
	require.NoError(t, err)
	assert.False(t, ok)

	// restoring a deleted branch from a local commit
	require.NoError(t, c.Push(ctx, head, "feature/x", true))
	sha, ok, err = c.RemoteRef(ctx, "feature/x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, head, sha)
}

func TestPushRejectsNonFastForward(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	root := s.commit("a.txt", "one\n", "initial")
	s.git(s.work, "push", "--quiet", "origin", "main")
	s.commit("a.txt", "two\n", "second")
	s.git(s.work, "push", "--quiet", "origin", "main")

	err := s.client().Push(ctx, root, "main", false)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err), "got %v", err)
}

func TestClassifyStaleLease(t *testing.T) {
	err := Classify("push", true, " ! [rejected]        abc -> main (stale info)", errors.New("exit status 1"))
	assert.ErrorIs(t, err, model.ErrSubjectMoved)
}

func TestPushLease(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()
	c := s.client()

	first := s.commit("a.txt", "one\n", "initial")
	s.git(s.work, "push", "--quiet", "origin", "main")
	second := s.commit("a.txt", "two\n", "second")
	s.git(s.work, "push", "--quiet", "origin", "main")

	err := c.PushLease(ctx, first, "main", first)
	require.ErrorIs(t, err, model.ErrSubjectMoved)
	assert.False(t, model.IsTransient(err))
	tip, _, err := c.RemoteRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, second, tip)

	require.NoError(t, c.PushLease(ctx, first, "main", second))
	tip, _, err = c.RemoteRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, first, tip)

	require.NoError(t, c.PushLease(ctx, first, "restored", ""))
	require.NoError(t, c.PushLease(ctx, "", "restored", first))
	_, ok, err := c.RemoteRef(ctx, "restored")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeTreeReportsConflicts(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	s.commit("a.txt", "one\n", "initial")
	s.git(s.work, "checkout", "--quiet", "-b", "topic")
	head := s.commit("a.txt", "topic\n", "topic edit")
	s.git(s.work, "checkout", "--quiet", "main")
	base := s.commit("a.txt", "main\n", "main edit")

	tree, conflicts, err := s.client().MergeTree(ctx, base, head)
	require.NoError(t, err)
	assert.NotEmpty(t, tree)
	assert.Equal(t, []string{"a.txt"}, conflicts)
}
