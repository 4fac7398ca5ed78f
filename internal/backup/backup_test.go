package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/retry"
	"github.com/sprite-ai/tiergate/internal/testutil"
)

func newManager(t *testing.T, remote *testutil.FakeRemote, max int) *Manager {
	t.Helper()
	return NewManager(Options{
		Refs:       remote,
		MaxBackups: max,
		Retry:      retry.Policy{MaxAttempts: 3},
		Logger:     testutil.NewTestLogger(t),
	})
}

func TestSnapshotPinsCommit(t *testing.T) {
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)

	rec, err := m.Snapshot(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "main", rec.Subject)
	assert.Equal(t, "c1", rec.Commit)
	assert.Equal(t, Ref("main", rec.ID), rec.BackupRef)
	assert.Equal(t, "c1", remote.LocalRefs()[rec.BackupRef])
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestSnapshotFetchesMissingCommit(t *testing.T) {
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	remote.Fail("update-ref", errors.New("bad object"))
	m := newManager(t, remote, 3)

	rec, err := m.Snapshot(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.Calls("fetch-commit"))
	assert.Equal(t, "c1", remote.LocalRefs()[rec.BackupRef])
}

func TestSnapshotOfMissingBranch(t *testing.T) {
	remote := testutil.NewFakeRemote(nil)
	m := newManager(t, remote, 3)

	rec, err := m.Snapshot(context.Background(), "gone")
	require.NoError(t, err)
	assert.Empty(t, rec.Commit)
	assert.Empty(t, rec.BackupRef)
	assert.Empty(t, remote.LocalRefs())
}

func TestSnapshotEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 2)

	var ids []string
	for _, c := range []string{"c1", "c2", "c3", "c4"} {
		remote.SetBranch("main", c)
		rec, err := m.Snapshot(ctx, "main")
		require.NoError(t, err)
		ids = append(ids, rec.ID)

		recs, err := m.List(ctx, "main")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(recs), 2)
	}

	recs, err := m.List(ctx, "main")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[3], recs[1].ID)

	refs := remote.LocalRefs()
	assert.Len(t, refs, 2)
	assert.NotContains(t, refs, Ref("main", ids[0]))
	assert.Equal(t, "c4", refs[Ref("main", ids[3])])
}

func TestSnapshotBoundIsPerSubject(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1", "dev": "d1"})
	m := newManager(t, remote, 1)

	for i := 0; i < 3; i++ {
		_, err := m.Snapshot(ctx, "main")
		require.NoError(t, err)
	}
	_, err := m.Snapshot(ctx, "dev")
	require.NoError(t, err)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)

	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)
	remote.SetBranch("main", "broken")

	rec, err := m.Restore(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.Commit)
	got, _ := remote.Branch("main")
	assert.Equal(t, "c1", got)
}

func TestRestoreRecreatesDeletedBranch(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"feature": "f1"})
	m := newManager(t, remote, 3)

	_, err := m.Snapshot(ctx, "feature")
	require.NoError(t, err)
	require.NoError(t, remote.DeleteRemoteBranch(ctx, "feature"))

	_, err = m.Restore(ctx, "feature")
	require.NoError(t, err)
	got, ok := remote.Branch("feature")
	assert.True(t, ok)
	assert.Equal(t, "f1", got)
}

func TestRestoreOfAbsentSnapshotDeletes(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(nil)
	m := newManager(t, remote, 3)

	_, err := m.Snapshot(ctx, "new")
	require.NoError(t, err)
	remote.SetBranch("new", "n1")

	_, err = m.Restore(ctx, "new")
	require.NoError(t, err)
	_, ok := remote.Branch("new")
	assert.False(t, ok)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	m := newManager(t, testutil.NewFakeRemote(nil), 3)

	_, err := m.Restore(context.Background(), "main")
	var rerr *model.RecoveryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "main", rerr.Subject)
	assert.ErrorIs(t, err, model.ErrNoSnapshot)
}

func TestRestoreRetriesTransientPush(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)
	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)

	remote.SetBranch("main", "c2")

	remote.Fail("push-lease", &model.NetworkError{Op: "push", Err: errors.New("connection reset")})
	_, err = m.Restore(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, remote.Calls("push-lease"))
	got, _ := remote.Branch("main")
	assert.Equal(t, "c1", got)
}

func TestRestorePermanentFailure(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)
	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)

	remote.SetBranch("main", "c2")

	remote.Fail("push-lease", &model.GitOperationError{Op: "push", Err: errors.New("protected branch")})
	_, err = m.Restore(ctx, "main")
	var rerr *model.RecoveryError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, remote.Calls("push-lease"))
}

func TestRestoreAlreadyAtSnapshot(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)
	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)

	rec, err := m.Restore(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.Commit)
	assert.Zero(t, remote.Calls("push-lease"))
}

func TestRestoreFromExpectedTip(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)
	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)
	remote.SetBranch("main", "ours")

	_, err = m.RestoreFrom(ctx, "main", "ours")
	require.NoError(t, err)
	got, _ := remote.Branch("main")
	assert.Equal(t, "c1", got)
}

func TestRestoreFromLeavesMovedSubject(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewFakeRemote(map[string]string{"main": "c1"})
	m := newManager(t, remote, 3)
	_, err := m.Snapshot(ctx, "main")
	require.NoError(t, err)
	remote.Commit("theirs", "ours")
	remote.SetBranch("main", "theirs")

	_, err = m.RestoreFrom(ctx, "main", "ours")
	var rerr *model.RecoveryError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, model.ErrSubjectMoved)
	assert.Equal(t, 1, remote.Calls("push-lease"))
	got, _ := remote.Branch("main")
	assert.Equal(t, "theirs", got)
}

func TestSnapshotTimestampsUseClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManager(Options{Refs: testutil.NewFakeRemote(map[string]string{"main": "c1"}), Now: func() time.Time { return fixed }})

	rec, err := m.Snapshot(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.CreatedAt)
}
