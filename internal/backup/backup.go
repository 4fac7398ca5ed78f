// Package backup snapshots subject refs before destructive actions and restores them on
// failure.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/retry"
)

// RefPrefix is where snapshot commits are pinned in the local repository.
const RefPrefix = "refs/tiergate/backups/"

// Refs is the git surface the manager needs. *git.Client implements it.
type Refs interface {
	RemoteRef(ctx context.Context, branch string) (sha string, ok bool, err error)
	UpdateRef(ctx context.Context, ref, commit string) error
	DeleteRef(ctx context.Context, ref string) error
	FetchCommit(ctx context.Context, commit string) error
	// PushLease sets branch to commit (deleting it when commit is empty) only while the
	// remote has it at expect (absent when expect is empty).
	PushLease(ctx context.Context, commit, branch, expect string) error
}

// Store persists backup records.
type Store interface {
	Append(ctx context.Context, rec model.BackupRecord) error
	// List returns subject's records oldest first. An empty subject lists every record.
	List(ctx context.Context, subject string) ([]model.BackupRecord, error)
	Remove(ctx context.Context, id string) error
}

// Options configures a Manager.
type Options struct {
	Refs       Refs
	Store      Store
	MaxBackups int
	Retry      retry.Policy
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager keeps at most MaxBackups snapshots per subject.
type Manager struct {
	refs   Refs
	store  Store
	max    int
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewManager creates a manager. A nil Store means an in-memory one.
func NewManager(opts Options) *Manager {
	m := &Manager{
		refs:   opts.Refs,
		store:  opts.Store,
		max:    opts.MaxBackups,
		retry:  opts.Retry,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.max < 1 {
		m.max = 1
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("component", "backup")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Ref returns the pin ref for a snapshot.
func Ref(subject, id string) string {
	return RefPrefix + subject + "/" + id
}

// Snapshot records the subject's current remote commit. A subject that does not exist on
// the remote is recorded with an empty commit and no pin.
func (m *Manager) Snapshot(ctx context.Context, subject string) (model.BackupRecord, error) {
	sha, ok, err := m.refs.RemoteRef(ctx, subject)
	if err != nil {
		return model.BackupRecord{}, fmt.Errorf("snapshot %s: %w", subject, err)
	}

	rec := model.BackupRecord{
		ID:        uuid.NewString(),
		Subject:   subject,
		CreatedAt: m.now().UTC(),
	}
	if ok {
		rec.Commit = sha
		rec.BackupRef = Ref(subject, rec.ID)
		if err := m.pin(ctx, rec.BackupRef, sha); err != nil {
			return model.BackupRecord{}, fmt.Errorf("snapshot %s: %w", subject, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Append(ctx, rec); err != nil {
		if rec.BackupRef != "" {
			_ = m.refs.DeleteRef(ctx, rec.BackupRef)
		}
		return model.BackupRecord{}, fmt.Errorf("snapshot %s: %w", subject, err)
	}
	m.logger.Debug("snapshot taken", "subject", subject, "id", rec.ID, "commit", rec.Commit)

	if err := m.evict(ctx, subject); err != nil {
		m.logger.Warn("evicting old snapshots failed", "subject", subject, "error", err)
	}
	return rec, nil
}

// pin writes the ref, fetching the commit first when the local object store lacks it.
func (m *Manager) pin(ctx context.Context, ref, sha string) error {
	if err := m.refs.UpdateRef(ctx, ref, sha); err == nil {
		return nil
	}
	if err := m.refs.FetchCommit(ctx, sha); err != nil {
		return err
	}
	return m.refs.UpdateRef(ctx, ref, sha)
}

func (m *Manager) evict(ctx context.Context, subject string) error {
	recs, err := m.store.List(ctx, subject)
	if err != nil {
		return err
	}
	for len(recs) > m.max {
		old := recs[0]
		if old.BackupRef != "" {
			if err := m.refs.DeleteRef(ctx, old.BackupRef); err != nil {
				return err
			}
		}
		if err := m.store.Remove(ctx, old.ID); err != nil {
			return err
		}
		m.logger.Debug("snapshot evicted", "subject", subject, "id", old.ID)
		recs = recs[1:]
	}
	return nil
}

// List returns subject's snapshots oldest first, or every snapshot when subject is empty.
func (m *Manager) List(ctx context.Context, subject string) ([]model.BackupRecord, error) {
	return m.store.List(ctx, subject)
}

// Latest returns the most recent snapshot of subject.
func (m *Manager) Latest(ctx context.Context, subject string) (model.BackupRecord, error) {
	recs, err := m.store.List(ctx, subject)
	if err != nil {
		return model.BackupRecord{}, err
	}
	if len(recs) == 0 {
		return model.BackupRecord{}, &model.RecoveryError{Subject: subject, Err: model.ErrNoSnapshot}
	}
	return recs[len(recs)-1], nil
}

// Restore moves the remote subject back to its most recent snapshot. A snapshot of a
// missing ref restores by deleting the remote branch. The update is leased on the tip read
// just before it, so a concurrent push makes the restore fail rather than be overwritten.
// Failures are *model.RecoveryError.
func (m *Manager) Restore(ctx context.Context, subject string) (model.BackupRecord, error) {
	var tip string
	_, err := m.retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		tip, _, err = m.refs.RemoteRef(ctx, subject)
		return err
	})
	if err != nil {
		return model.BackupRecord{}, &model.RecoveryError{Subject: subject, Err: err}
	}
	return m.RestoreFrom(ctx, subject, tip)
}

// RestoreFrom moves the remote subject back to its most recent snapshot only while the
// subject is at expect (absent when expect is empty). A subject that moved fails with
// model.ErrSubjectMoved and is left as it is.
func (m *Manager) RestoreFrom(ctx context.Context, subject, expect string) (model.BackupRecord, error) {
	rec, err := m.Latest(ctx, subject)
	if err != nil {
		var rerr *model.RecoveryError
		if errors.As(err, &rerr) {
			return model.BackupRecord{}, err
		}
		return model.BackupRecord{}, &model.RecoveryError{Subject: subject, Err: err}
	}
	if expect == rec.Commit {
		m.logger.Debug("subject already at snapshot", "subject", subject, "id", rec.ID)
		return rec, nil
	}

	_, err = m.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		return m.refs.PushLease(ctx, rec.Commit, subject, expect)
	})
	if err != nil {
		return rec, &model.RecoveryError{Subject: subject, Err: err}
	}

	m.logger.Info("subject restored", "subject", subject, "id", rec.ID, "commit", rec.Commit)
	return rec, nil
}
