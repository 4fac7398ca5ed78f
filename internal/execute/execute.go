// Package execute performs gated merge and delete actions against the remote under a
// per-subject lock, with snapshot and restore around the mutation.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sprite-ai/tiergate/internal/lock"
	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/retry"
)

// Remote is the git surface the engine mutates. *git.Client implements it.
type Remote interface {
	RemoteRef(ctx context.Context, branch string) (sha string, ok bool, err error)
	FetchCommit(ctx context.Context, commit string) error
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	MergeTree(ctx context.Context, base, head string) (tree string, conflicts []string, err error)
	CommitTree(ctx context.Context, tree, message string, parents ...string) (string, error)
	Push(ctx context.Context, commit, branch string, force bool) error
	DeleteRemoteBranch(ctx context.Context, branch string) error
}

// Backups snapshots and restores subjects. *backup.Manager implements it.
type Backups interface {
	Snapshot(ctx context.Context, subject string) (model.BackupRecord, error)
	RestoreFrom(ctx context.Context, subject, expect string) (model.BackupRecord, error)
}

// Request is one action for one candidate.
type Request struct {
	Candidate model.Candidate
	Action    model.Action
	Tier      model.RiskTier
	// HeadCommit is the commit that passed validation. Empty means the remote head tip.
	HeadCommit string
	DryRun     bool
}

// Subject is the ref the action mutates: the base branch for a merge, the head branch
// for a delete.
func (r Request) Subject() string {
	if r.Action == model.ActionMerge {
		return r.Candidate.BaseRef
	}
	return r.Candidate.HeadRef
}

// Options configures an Engine.
type Options struct {
	Remote      Remote
	Backups     Backups
	Locks       *lock.Keyed
	LockTimeout time.Duration
	Retry       retry.Policy
	Logger      *slog.Logger
}

// Engine executes actions. It is safe for concurrent use; actions on the same subject are
// serialized.
type Engine struct {
	remote      Remote
	backups     Backups
	locks       *lock.Keyed
	lockTimeout time.Duration
	retry       retry.Policy
	logger      *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{
		remote:      opts.Remote,
		backups:     opts.Backups,
		locks:       opts.Locks,
		lockTimeout: opts.LockTimeout,
		retry:       opts.Retry,
		logger:      opts.Logger,
	}
	if e.locks == nil {
		e.locks = lock.NewKeyed()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.logger = e.logger.With("component", "execute")
	return e
}

// ErrPostcondition is wrapped when an action reported success but the remote does not show it.
var ErrPostcondition = errors.New("postcondition not met")

// Execute runs the request. The returned result is always populated; err carries the
// typed failure when the status is not a success.
//
// A dry run takes the subject lock and reads the subject, but records no snapshot and
// pins nothing, so it never evicts a real backup.
//
// When the action does not take effect, only the engine's own change is rolled back: a
// subject that shows no engine commit (or still has its branch, for a delete) is left as
// it is, and a rollback is leased on the engine's commit so concurrent pushes survive.
//
// Once the subject lock is held, cancelling ctx no longer interrupts the action: the
// candidate runs to a consistent state before the lock is released.
func (e *Engine) Execute(ctx context.Context, req Request) (model.ExecutionResult, error) {
	res := model.ExecutionResult{Action: req.Action}
	if req.Action == model.ActionNone {
		res.Status = model.StatusNoAction
		return res, nil
	}

	subject := req.Subject()
	log := e.logger.With("candidate", req.Candidate.ID, "action", req.Action.String(), "subject", subject)

	release, err := e.locks.Acquire(ctx, subject, e.lockTimeout)
	if err != nil {
		res.Status = model.StatusFailed
		if ctx.Err() != nil {
			res.Status = model.StatusCancelled
		}
		res.Detail = err.Error()
		log.Warn("subject lock not acquired", "error", err)
		return res, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)

	if req.DryRun {
		return e.dryRun(ctx, req, res, log)
	}

	snap, err := e.backups.Snapshot(ctx, subject)
	if err != nil {
		res.Status = model.StatusFailed
		res.Detail = "snapshot failed, action not attempted"
		log.Error("snapshot failed", "error", err)
		return res, err
	}
	res.Backup = &snap

	var actErr error
	var r retry.Result
	// Merge commits offered to the remote, accepted or not.
	var pushed []string
	switch req.Action {
	case model.ActionMerge:
		r, actErr = e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			commit, err := e.merge(ctx, req, func(c string) { pushed = append(pushed, c) })
			if err == nil {
				res.MergeCommit = commit
			} else {
				log.Debug("merge attempt failed", "attempt", attempt, "error", err)
			}
			return err
		})
	case model.ActionDelete:
		r, actErr = e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			err := e.remote.DeleteRemoteBranch(ctx, req.Candidate.HeadRef)
			if err != nil {
				log.Debug("delete attempt failed", "attempt", attempt, "error", err)
			}
			return err
		})
	default:
		res.Status = model.StatusFailed
		return res, fmt.Errorf("unsupported action %s", req.Action)
	}
	res.Attempts = r.Attempts

	candidates := pushed
	if res.MergeCommit != "" {
		candidates = append([]string{res.MergeCommit}, pushed...)
	}
	landed, verifyErr := e.verify(ctx, req, candidates)
	if verifyErr == nil {
		res.Status = model.StatusCompleted
		if res.MergeCommit == "" {
			res.MergeCommit = landed
		}
		if actErr != nil {
			log.Warn("action reported an error but the remote shows it applied", "error", actErr)
		}
		log.Info("action completed", "attempts", res.Attempts, "merge_commit", res.MergeCommit)
		return res, nil
	}

	cause := actErr
	if cause == nil {
		cause = verifyErr
	}
	log.Warn("action did not take effect", "error", cause)

	restored, rerr := e.rollback(ctx, req, snap, pushed)
	if rerr != nil {
		res.Status = model.StatusFailed
		res.Detail = fmt.Sprintf("%v; restore failed: %v", cause, rerr)
		log.Error("restore failed", "error", rerr)
		return res, rerr
	}
	res.Status = model.StatusRolledBack
	res.Restored = restored
	res.Detail = cause.Error()
	if !restored {
		res.Detail += "; subject holds no change of ours, nothing restored"
	}
	return res, cause
}

// rollback undoes the engine's own change to the subject, if the remote shows one. A
// merge is ours when one of the pushed commits is the subject tip or behind it; a delete
// is ours when the snapshotted branch is gone. The restore is leased on that state, so a
// subject someone else moved fails with a RecoveryError instead of being rewound.
func (e *Engine) rollback(ctx context.Context, req Request, snap model.BackupRecord, pushed []string) (bool, error) {
	subject := req.Subject()
	var tip string
	var exists bool
	_, err := e.retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		tip, exists, err = e.remote.RemoteRef(ctx, subject)
		return err
	})
	if err != nil {
		return false, &model.RecoveryError{Subject: subject, Err: fmt.Errorf("reading subject: %w", err)}
	}

	var expect string
	switch req.Action {
	case model.ActionMerge:
		if !exists {
			return false, nil
		}
		ours, err := e.landedCommit(ctx, tip, pushed)
		if err != nil {
			return false, &model.RecoveryError{Subject: subject, Err: err}
		}
		if ours == "" {
			return false, nil
		}
		expect = ours
	case model.ActionDelete:
		if exists || snap.Commit == "" {
			return false, nil
		}
		expect = ""
	default:
		return false, nil
	}

	if _, err := e.backups.RestoreFrom(ctx, subject, expect); err != nil {
		return false, err
	}
	return true, nil
}

// landedCommit returns the first candidate that is tip or an ancestor of it, or "".
func (e *Engine) landedCommit(ctx context.Context, tip string, candidates []string) (string, error) {
	for _, c := range candidates {
		if c == tip {
			return c, nil
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	if err := e.remote.FetchCommit(ctx, tip); err != nil {
		return "", err
	}
	for _, c := range candidates {
		ok, err := e.remote.IsAncestor(ctx, c, tip)
		if err != nil {
			return "", err
		}
		if ok {
			return c, nil
		}
	}
	return "", nil
}

// dryRun reads the subject as a snapshot would, without storing or pinning anything.
func (e *Engine) dryRun(ctx context.Context, req Request, res model.ExecutionResult, log *slog.Logger) (model.ExecutionResult, error) {
	subject := req.Subject()
	sha, ok, err := e.remote.RemoteRef(ctx, subject)
	if err != nil {
		res.Status = model.StatusFailed
		res.Detail = "dry run could not read subject"
		return res, err
	}
	res.Status = model.StatusDryRun
	if ok {
		res.Detail = fmt.Sprintf("would %s; %s at %s", req.Action, subject, short(sha))
	} else {
		res.Detail = fmt.Sprintf("would %s; %s does not exist", req.Action, subject)
	}
	log.Info("dry run", "detail", res.Detail)
	return res, nil
}

// merge creates a merge commit of the head into the live base tip and pushes it without
// force. A base that moved in the meantime rejects the push as transient contention.
// offered is called with the merge commit just before it is pushed.
func (e *Engine) merge(ctx context.Context, req Request, offered func(string)) (string, error) {
	base := req.Candidate.BaseRef
	tip, ok, err := e.remote.RemoteRef(ctx, base)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &model.GitOperationError{Op: "merge", Err: fmt.Errorf("base branch %s does not exist", base)}
	}

	head := req.HeadCommit
	if head == "" {
		sha, ok, err := e.remote.RemoteRef(ctx, req.Candidate.HeadRef)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", &model.GitOperationError{Op: "merge", Err: fmt.Errorf("head branch %s does not exist", req.Candidate.HeadRef)}
		}
		head = sha
	}

	if err := e.remote.FetchCommit(ctx, tip); err != nil {
		return "", err
	}
	merged, err := e.remote.IsAncestor(ctx, head, tip)
	if err != nil {
		return "", err
	}
	if merged {
		return tip, nil
	}

	tree, conflicts, err := e.remote.MergeTree(ctx, tip, head)
	if err != nil {
		return "", err
	}
	if len(conflicts) > 0 {
		return "", &model.GitOperationError{Op: "merge", Err: fmt.Errorf("conflicts in %s", strings.Join(conflicts, ", "))}
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s\n\nTier: %s", req.Candidate.HeadRef, base, req.Tier)
	commit, err := e.remote.CommitTree(ctx, tree, msg, tip, head)
	if err != nil {
		return "", err
	}
	offered(commit)
	if err := e.remote.Push(ctx, commit, base, false); err != nil {
		return "", err
	}
	return commit, nil
}

// verify checks the remote shows the action: the base contains one of the merge
// candidates, or the head branch is gone. For a merge it returns the candidate found.
func (e *Engine) verify(ctx context.Context, req Request, candidates []string) (string, error) {
	var verr error
	var landed string
	_, err := e.retry.Do(ctx, func(ctx context.Context, _ int) error {
		verr, landed = nil, ""
		switch req.Action {
		case model.ActionMerge:
			if len(candidates) == 0 {
				verr = fmt.Errorf("%w: no merge commit", ErrPostcondition)
				return nil
			}
			tip, ok, err := e.remote.RemoteRef(ctx, req.Candidate.BaseRef)
			if err != nil {
				return err
			}
			if !ok {
				verr = fmt.Errorf("%w: %s missing", ErrPostcondition, req.Candidate.BaseRef)
				return nil
			}
			c, err := e.landedCommit(ctx, tip, candidates)
			if err != nil {
				return err
			}
			if c == "" {
				verr = fmt.Errorf("%w: %s does not contain %s", ErrPostcondition, req.Candidate.BaseRef, short(candidates[0]))
				return nil
			}
			landed = c
		case model.ActionDelete:
			_, ok, err := e.remote.RemoteRef(ctx, req.Candidate.HeadRef)
			if err != nil {
				return err
			}
			if ok {
				verr = fmt.Errorf("%w: %s still exists", ErrPostcondition, req.Candidate.HeadRef)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: verification failed: %w", ErrPostcondition, err)
	}
	return landed, verr
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
