package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/sprite-ai/tiergate/internal/model"
)

// FakeRemote is an in-memory stand-in for the git client: a remote with branches, a
// local ref namespace and a commit graph. Errors queued in Fail are returned, one per
// call, by the named operation before it does anything.
type FakeRemote struct {
	mu       sync.Mutex
	branches map[string]string
	local    map[string]string
	parents  map[string][]string
	fail     map[string][]error
	calls    map[string]int
	seq      int

	// Conflicts, when set, is returned by MergeTree.
	Conflicts []string
	// IgnorePush makes Push and DeleteRemoteBranch report success without changing the
	// remote, which breaks postconditions.
	IgnorePush bool
}

// NewFakeRemote creates a remote holding the given branch → commit map. Each commit is a
// root commit unless linked with Commit.
func NewFakeRemote(branches map[string]string) *FakeRemote {
	r := &FakeRemote{
		branches: make(map[string]string),
		local:    make(map[string]string),
		parents:  make(map[string][]string),
		fail:     make(map[string][]error),
		calls:    make(map[string]int),
	}
	for b, c := range branches {
		r.branches[b] = c
		r.parents[c] = nil
	}
	return r
}

// Commit records commit as a child of parents.
func (r *FakeRemote) Commit(commit string, parents ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parents[commit] = parents
}

// SetBranch moves or creates a remote branch.
func (r *FakeRemote) SetBranch(branch, commit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[branch] = commit
	if _, ok := r.parents[commit]; !ok {
		r.parents[commit] = nil
	}
}

// Branch returns a remote branch's commit.
func (r *FakeRemote) Branch(branch string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.branches[branch]
	return c, ok
}

// LocalRefs returns a copy of the local refs.
func (r *FakeRemote) LocalRefs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.local)
}

// Fail queues errors for op.
func (r *FakeRemote) Fail(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = append(r.fail[op], errs...)
}

// Calls reports how many times op ran.
func (r *FakeRemote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// enter counts the call and pops a queued failure. r.mu must be held.
func (r *FakeRemote) enter(op string) error {
	r.calls[op]++
	if q := r.fail[op]; len(q) > 0 {
		r.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (r *FakeRemote) Remote() string { return "origin" }

func (r *FakeRemote) RemoteBranches(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("branches"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.branches))
	for b := range r.branches {
		out = append(out, b)
	}
	return out, nil
}

func (r *FakeRemote) Fetch(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enter("fetch")
}

func (r *FakeRemote) RemoteRef(_ context.Context, branch string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("remote-ref"); err != nil {
		return "", false, err
	}
	c, ok := r.branches[branch]
	return c, ok, nil
}

func (r *FakeRemote) ResolveBranch(_ context.Context, branch string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("resolve"); err != nil {
		return "", err
	}
	c, ok := r.branches[branch]
	if !ok {
		return "", &model.GitOperationError{Op: "rev-parse", Err: fmt.Errorf("unknown branch %s", branch)}
	}
	return c, nil
}

func (r *FakeRemote) UpdateRef(_ context.Context, ref, commit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("update-ref"); err != nil {
		return err
	}
	r.local[ref] = commit
	return nil
}

func (r *FakeRemote) DeleteRef(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("delete-ref"); err != nil {
		return err
	}
	delete(r.local, ref)
	return nil
}

func (r *FakeRemote) FetchCommit(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enter("fetch-commit")
}

func (r *FakeRemote) MergeTree(_ context.Context, base, head string) (string, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("merge-tree"); err != nil {
		return "", nil, err
	}
	return "tree-" + base + "-" + head, append([]string(nil), r.Conflicts...), nil
}

func (r *FakeRemote) CommitTree(_ context.Context, _, _ string, parents ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("commit-tree"); err != nil {
		return "", err
	}
	r.seq++
	c := fmt.Sprintf("merge%d", r.seq)
	r.parents[c] = append([]string(nil), parents...)
	return c, nil
}

func (r *FakeRemote) Push(_ context.Context, commit, branch string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("push"); err != nil {
		return err
	}
	if r.IgnorePush {
		return nil
	}
	if cur, ok := r.branches[branch]; ok && !force && !r.ancestor(cur, commit) {
		return &model.GitOperationError{Op: "push", Transient: true, Err: errors.New("non-fast-forward")}
	}
	r.branches[branch] = commit
	return nil
}

// PushLease moves branch to commit, or deletes it when commit is empty, only while the
// branch is at expect (absent when expect is empty).
func (r *FakeRemote) PushLease(_ context.Context, commit, branch, expect string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("push-lease"); err != nil {
		return err
	}
	if cur := r.branches[branch]; cur != expect {
		return &model.GitOperationError{Op: "push", Err: fmt.Errorf("%w: %s is at %q, expected %q", model.ErrSubjectMoved, branch, cur, expect)}
	}
	if commit == "" {
		delete(r.branches, branch)
		return nil
	}
	r.branches[branch] = commit
	if _, ok := r.parents[commit]; !ok {
		r.parents[commit] = nil
	}
	return nil
}

func (r *FakeRemote) DeleteRemoteBranch(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("delete-branch"); err != nil {
		return err
	}
	if !r.IgnorePush {
		delete(r.branches, branch)
	}
	return nil
}

func (r *FakeRemote) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("is-ancestor"); err != nil {
		return false, err
	}
	return r.ancestor(ancestor, descendant), nil
}

// ancestor walks the parent graph. r.mu must be held.
func (r *FakeRemote) ancestor(a, d string) bool {
	seen := map[string]bool{}
	queue := []string{d}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c == a {
			return true
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		queue = append(queue, r.parents[c]...)
	}
	return false
}
