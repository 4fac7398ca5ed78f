package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/execute"
	"github.com/sprite-ai/tiergate/internal/gate"
	"github.com/sprite-ai/tiergate/internal/metrics"
	"github.com/sprite-ai/tiergate/internal/model"
	"github.com/sprite-ai/tiergate/internal/testutil"
)

func testConfig(t *testing.T, mutate func(*config.Spec)) *config.Config {
	t.Helper()
	spec := config.Spec{
		Tiers: []config.TierDef{
			{Name: "auto_merge", MaxChangedFiles: 3, RequiredChecks: []string{"lint"}, Action: "merge"},
			{Name: "guided_merge", MaxChangedFiles: 10, MaxCriticalFiles: 1, RequiredChecks: []string{"unit"}},
			{Name: "manual_merge", MaxChangedFiles: 100, MaxCriticalFiles: 5, MaxConflictPotential: 5, RequiredChecks: []string{"unit"}},
		},
		Settings: config.SettingsDef{MaxParallelJobs: 2, MaxBackups: 3},
		Repository: config.RepositoryDef{
			Base:    "main",
			Include: []string{"feature/**", "fix/**"},
			Exclude: []string{"feature/wip-*"},
		},
	}
	if mutate != nil {
		mutate(&spec)
	}
	cfg, err := config.FromSpec(spec, []string{"lint", "unit"})
	require.NoError(t, err)
	return cfg
}

type fakeAnalyzer struct {
	metrics map[string]model.ChangeMetrics
	fail    map[string]error
	block   map[string]bool
	panics  map[string]bool
	delay   time.Duration

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, cand model.Candidate) (*metrics.Analysis, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if a.block[cand.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.panics[cand.ID] {
		panic("analyzer exploded")
	}
	time.Sleep(a.delay)
	if err := a.fail[cand.ID]; err != nil {
		return nil, err
	}
	m, ok := a.metrics[cand.ID]
	if !ok {
		m = model.ChangeMetrics{ChangedFileCount: 1}
	}
	m.HeadCommit = "sha-" + cand.ID
	return &metrics.Analysis{Metrics: m, Diff: &diff.DiffSet{}}, nil
}

type fakeRunner struct{ fail map[string]bool }

func (r fakeRunner) Run(_ context.Context, name string, in checks.Input) model.CheckResult {
	return model.CheckResult{Name: name, Passed: !r.fail[in.Candidate.ID+"/"+name]}
}

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []execute.Request
	fail map[string]error
}

func (x *fakeExecutor) Execute(_ context.Context, req execute.Request) (model.ExecutionResult, error) {
	x.mu.Lock()
	x.reqs = append(x.reqs, req)
	x.mu.Unlock()

	res := model.ExecutionResult{Action: req.Action, Attempts: 1}
	switch {
	case req.Action == model.ActionNone:
		res.Status = model.StatusNoAction
	case req.DryRun:
		res.Status = model.StatusDryRun
	case x.fail[req.Candidate.ID] != nil:
		res.Status = model.StatusRolledBack
		res.Restored = true
		return res, x.fail[req.Candidate.ID]
	default:
		res.Status = model.StatusCompleted
	}
	return res, nil
}

func (x *fakeExecutor) requests() map[string]execute.Request {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]execute.Request)
	for _, r := range x.reqs {
		out[r.Candidate.ID] = r
	}
	return out
}

type harness struct {
	cfg      *config.Config
	analyzer *fakeAnalyzer
	runner   fakeRunner
	executor *fakeExecutor
	reg      *prometheus.Registry
	orch     *Orchestrator
	outcomes []model.ReportEntry
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		cfg:      cfg,
		analyzer: &fakeAnalyzer{},
		runner:   fakeRunner{fail: map[string]bool{}},
		executor: &fakeExecutor{},
		reg:      prometheus.NewRegistry(),
	}
	m := NewMetrics(h.reg)
	g := gate.New(cfg.Tiers(), h.runner, 2, nil)
	g.OnEscalate = m.Escalated

	orch, err := New(Options{
		Config:    cfg,
		Analyzer:  h.analyzer,
		Gate:      g,
		Executor:  h.executor,
		Metrics:   m,
		Logger:    testutil.NewTestLogger(t),
		OnOutcome: func(e model.ReportEntry) { h.outcomes = append(h.outcomes, e) },
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("feature/c%d", i)
	}
	return out
}

func TestRunKeepsInputOrderAndBound(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	h.analyzer.delay = 5 * time.Millisecond
	cands := h.orch.Candidates(names(8))

	report := h.orch.Run(context.Background(), cands, false)
	require.Len(t, report.Entries, 8)
	for i, e := range report.Entries {
		assert.Equal(t, cands[i].ID, e.CandidateID)
		assert.Equal(t, model.StatusCompleted, e.Status)
		assert.Equal(t, model.ActionMerge, e.Action)
		assert.Equal(t, model.TierAutoMerge, e.Tier)
	}
	assert.LessOrEqual(t, h.analyzer.maxSeen.Load(), int32(2))
	assert.Len(t, h.outcomes, 8)
	assert.NotEmpty(t, report.ID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	assert.Equal(t, float64(8), promtest.ToFloat64(h.orch.metrics.Candidates.WithLabelValues("completed")))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.orch.metrics.Runs.WithLabelValues("live")))
}

func TestRunIsolatesFailures(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	h.analyzer.fail = map[string]error{"feature/c1": &model.GitOperationError{Op: "diff", Err: errors.New("bad object")}}
	h.analyzer.panics = map[string]bool{"feature/c2": true}
	h.executor.fail = map[string]error{"feature/c3": errors.New("postcondition not met")}

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(5)), false)
	statuses := make([]model.Status, len(report.Entries))
	for i, e := range report.Entries {
		statuses[i] = e.Status
	}
	assert.Equal(t, []model.Status{
		model.StatusCompleted, model.StatusFailed, model.StatusFailed, model.StatusRolledBack, model.StatusCompleted,
	}, statuses)
	assert.Contains(t, report.Entries[1].Error, "bad object")
	assert.Contains(t, report.Entries[2].Error, "analyzer exploded")
	assert.Equal(t, model.ActionNone, report.Entries[3].Action)
	assert.Equal(t, model.ActionMerge, report.Entries[3].PlannedAction)
	assert.True(t, report.HasUnrecoveredFailure())
}

func TestRunRejectsUnclassifiable(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	h.analyzer.metrics = map[string]model.ChangeMetrics{"feature/c0": {ChangedFileCount: 500}}

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(1)), false)
	e := report.Entries[0]
	assert.Equal(t, model.StatusRejected, e.Status)
	assert.Equal(t, model.TierRejected, e.InitialTier)
	assert.Equal(t, gate.ReasonUnclassifiable, e.Reason)
	assert.Empty(t, h.executor.requests())
}

func TestRunEscalation(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	h.runner.fail["feature/c0/lint"] = true

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(1)), false)
	e := report.Entries[0]
	assert.Equal(t, model.TierAutoMerge, e.InitialTier)
	assert.Equal(t, model.TierGuidedMerge, e.Tier)
	assert.True(t, e.Escalated())
	assert.Len(t, e.Validation, 2)
	assert.Equal(t, model.ActionNone, e.PlannedAction)
	assert.Equal(t, model.StatusNoAction, e.Status)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.orch.metrics.Escalations.WithLabelValues("auto_merge", "guided_merge")))
}

func TestRunExhaustedValidation(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	h.runner.fail["feature/c0/lint"] = true
	h.runner.fail["feature/c0/unit"] = true

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(1)), false)
	e := report.Entries[0]
	assert.Equal(t, model.StatusRejected, e.Status)
	assert.Equal(t, gate.ReasonExhausted, e.Reason)
	assert.Empty(t, h.executor.requests())
}

func TestRunDeletesMergedBranches(t *testing.T) {
	cfg := testConfig(t, func(s *config.Spec) { s.Settings.DeleteMerged = true })
	h := newHarness(t, cfg)
	h.analyzer.metrics = map[string]model.ChangeMetrics{"feature/c0": {ChangedFileCount: 0}}

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(2)), false)
	assert.Equal(t, model.ActionDelete, report.Entries[0].Action)
	assert.Equal(t, model.ActionMerge, report.Entries[1].Action)
	assert.Equal(t, "sha-feature/c0", h.executor.requests()["feature/c0"].HeadCommit)
}

func TestRunDryRun(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(3)), true)
	assert.True(t, report.DryRun)
	for _, e := range report.Entries {
		assert.Equal(t, model.StatusDryRun, e.Status)
		assert.Equal(t, model.ActionMerge, e.PlannedAction)
		assert.Equal(t, model.ActionNone, e.Action)
	}
	for _, req := range h.executor.requests() {
		assert.True(t, req.DryRun)
	}
}

func TestRunDeadlineLeavesTailUnprocessed(t *testing.T) {
	cfg := testConfig(t, func(s *config.Spec) {
		s.Settings.MaxParallelJobs = 1
		s.Settings.RunDeadline = 50 * time.Millisecond
	})
	h := newHarness(t, cfg)
	h.analyzer.block = map[string]bool{"feature/c0": true}

	report := h.orch.Run(context.Background(), h.orch.Candidates(names(3)), false)
	require.Len(t, report.Entries, 3)
	assert.Equal(t, model.StatusCancelled, report.Entries[0].Status)
	assert.Contains(t, report.Entries[0].Error, "deadline timeout")
	for _, e := range report.Entries[1:] {
		assert.Equal(t, model.StatusNotProcessed, e.Status)
		assert.Contains(t, e.Error, "deadline timeout")
	}
	assert.False(t, report.HasUnrecoveredFailure())
	assert.Len(t, h.outcomes, 3)
}

func TestRunStoppedBeforeDispatch(t *testing.T) {
	h := newHarness(t, testConfig(t, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.orch.Run(ctx, h.orch.Candidates(names(3)), false)
	for _, e := range report.Entries {
		assert.Equal(t, model.StatusNotProcessed, e.Status)
		assert.Contains(t, e.Error, "run stopped")
	}
	assert.Equal(t, "3 candidate(s): 3 not_processed", report.Summary())
}

func TestPlanAction(t *testing.T) {
	cfg := testConfig(t, func(s *config.Spec) { s.Settings.DeleteMerged = true })
	assert.Equal(t, model.ActionMerge, PlanAction(model.ChangeMetrics{ChangedFileCount: 1}, model.TierAutoMerge, cfg))
	assert.Equal(t, model.ActionNone, PlanAction(model.ChangeMetrics{ChangedFileCount: 1}, model.TierGuidedMerge, cfg))
	assert.Equal(t, model.ActionDelete, PlanAction(model.ChangeMetrics{}, model.TierManualMerge, cfg))
	assert.Equal(t, model.ActionNone, PlanAction(model.ChangeMetrics{}, model.TierRejected, cfg))
}

type fakeBranches struct{ names []string }

func (fakeBranches) Fetch(context.Context) error { return nil }
func (b fakeBranches) RemoteBranches(context.Context) ([]string, error) {
	return b.names, nil
}

func TestDiscover(t *testing.T) {
	cfg := testConfig(t, nil)
	orch, err := New(Options{
		Config:   cfg,
		Analyzer: &fakeAnalyzer{},
		Gate:     gate.New(cfg.Tiers(), fakeRunner{}, 1, nil),
		Executor: &fakeExecutor{},
		Branches: fakeBranches{names: []string{"main", "fix/b", "feature/wip-x", "feature/a/deep", "release/1", "feature/z"}},
	})
	require.NoError(t, err)

	cands, err := orch.Discover(context.Background())
	require.NoError(t, err)
	var got []string
	for _, c := range cands {
		got = append(got, c.ID)
		assert.Equal(t, "main", c.BaseRef)
	}
	assert.Equal(t, []string{"feature/a/deep", "feature/z", "fix/b"}, got)
}

// mirror keeps a remote's branches apart from the remote-tracking copy that analysis reads;
// only Fetch brings the copy up to date.
type mirror struct {
	mu       sync.Mutex
	remote   map[string]string
	tracking map[string]string
	fetches  int
	fetchErr error
}

func (m *mirror) Fetch(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return m.fetchErr
	}
	m.tracking = make(map[string]string, len(m.remote))
	for b, c := range m.remote {
		m.tracking[b] = c
	}
	return nil
}

func (m *mirror) RemoteBranches(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for b := range m.tracking {
		out = append(out, b)
	}
	return out, nil
}

func (m *mirror) Analyze(_ context.Context, cand model.Candidate) (*metrics.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.tracking[cand.HeadRef]
	if !ok {
		return nil, fmt.Errorf("unknown branch %s", cand.HeadRef)
	}
	return &metrics.Analysis{
		Metrics: model.ChangeMetrics{ChangedFileCount: 1, HeadCommit: head},
		Diff:    &diff.DiffSet{},
	}, nil
}

func newMirrorHarness(t *testing.T, m *mirror) (*Orchestrator, *fakeExecutor) {
	t.Helper()
	cfg := testConfig(t, nil)
	x := &fakeExecutor{}
	orch, err := New(Options{
		Config:   cfg,
		Analyzer: m,
		Gate:     gate.New(cfg.Tiers(), fakeRunner{}, 1, nil),
		Executor: x,
		Branches: m,
	})
	require.NoError(t, err)
	return orch, x
}

func TestRunFetchesNamedBranches(t *testing.T) {
	m := &mirror{
		remote:   map[string]string{"main": "b1", "feature/a": "a1"},
		tracking: map[string]string{"main": "b1", "feature/a": "a1"},
	}
	orch, x := newMirrorHarness(t, m)

	cands := orch.Candidates([]string{"feature/a"})
	m.mu.Lock()
	m.remote["feature/a"] = "a2"
	m.mu.Unlock()

	report := orch.Run(context.Background(), cands, false)
	require.Len(t, report.Entries, 1)
	e := report.Entries[0]
	require.Equal(t, model.StatusCompleted, e.Status, e.Error)
	require.NotNil(t, e.Metrics)
	assert.Equal(t, "a2", e.Metrics.HeadCommit)
	require.Len(t, x.reqs, 1)
	assert.Equal(t, "a2", x.reqs[0].HeadCommit)
	assert.Equal(t, 1, m.fetches)
}

func TestRunFetchFailureFailsEveryCandidate(t *testing.T) {
	m := &mirror{
		remote:   map[string]string{"feature/a": "a1", "feature/b": "b1"},
		tracking: map[string]string{"feature/a": "a1", "feature/b": "b1"},
		fetchErr: &model.NetworkError{Op: "fetch", Err: errors.New("connection refused")},
	}
	orch, x := newMirrorHarness(t, m)

	var outcomes []model.ReportEntry
	report := orch.Stream(context.Background(), orch.Candidates([]string{"feature/a", "feature/b"}), false,
		func(e model.ReportEntry) { outcomes = append(outcomes, e) })

	for _, e := range report.Entries {
		assert.Equal(t, model.StatusFailed, e.Status)
		assert.Contains(t, e.Error, "fetch")
		assert.Nil(t, e.Metrics)
	}
	assert.Len(t, outcomes, 2)
	assert.Empty(t, x.reqs)
	assert.True(t, report.HasUnrecoveredFailure())
}
