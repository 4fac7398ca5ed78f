// Package orchestrator runs candidates through metrics, classification, validation and
// execution with bounded concurrency and collects the run report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/classify"
	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/execute"
	"github.com/sprite-ai/tiergate/internal/gate"
	"github.com/sprite-ai/tiergate/internal/metrics"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Analyzer computes a candidate's metrics. *metrics.Collector implements it.
type Analyzer interface {
	Analyze(ctx context.Context, cand model.Candidate) (*metrics.Analysis, error)
}

// Evaluator validates and escalates. *gate.Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, tier model.RiskTier, in checks.Input) gate.Decision
}

// Executor performs actions. *execute.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req execute.Request) (model.ExecutionResult, error)
}

// Branches lists the remote's branches. *git.Client implements it.
type Branches interface {
	Fetch(ctx context.Context) error
	RemoteBranches(ctx context.Context) ([]string, error)
}

// Options wires an Orchestrator.
type Options struct {
	Config   *config.Config
	Analyzer Analyzer
	Gate     Evaluator
	Executor Executor
	Branches Branches
	RepoDir  string
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	// OnOutcome, when set, receives each entry as its candidate reaches a terminal state.
	// Calls are serialized.
	OnOutcome func(model.ReportEntry)
}

// Orchestrator drives runs. One Orchestrator may serve several runs, one at a time or
// concurrently.
type Orchestrator struct {
	cfg      *config.Config
	tiers    []config.Tier
	analyzer Analyzer
	gate     Evaluator
	executor Executor
	branches Branches
	repoDir  string
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	onOutcome func(model.ReportEntry)
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Analyzer == nil || opts.Gate == nil || opts.Executor == nil {
		return nil, errors.New("orchestrator: config, analyzer, gate and executor are required")
	}
	o := &Orchestrator{
		cfg:       opts.Config,
		tiers:     opts.Config.Tiers(),
		analyzer:  opts.Analyzer,
		gate:      opts.Gate,
		executor:  opts.Executor,
		branches:  opts.Branches,
		repoDir:   opts.RepoDir,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		onOutcome: opts.OnOutcome,
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Discover fetches the remote and returns a candidate for every remote branch that passes
// the include and exclude globs, excluding the base branch. Candidates are sorted by name.
func (o *Orchestrator) Discover(ctx context.Context) ([]model.Candidate, error) {
	if o.branches == nil {
		return nil, errors.New("orchestrator: no branch source configured")
	}
	if err := o.branches.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	names, err := o.branches.RemoteBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	repo := o.cfg.Repository()
	var keep []string
	for _, name := range names {
		if name == repo.Base {
			continue
		}
		if len(repo.Include) > 0 && !matchAny(repo.Include, name) {
			continue
		}
		if matchAny(repo.Exclude, name) {
			continue
		}
		keep = append(keep, name)
	}
	slices.Sort(keep)
	return o.Candidates(keep), nil
}

// Candidates builds candidates for explicitly named branches against the configured base.
func (o *Orchestrator) Candidates(branches []string) []model.Candidate {
	base := o.cfg.Repository().Base
	now := o.now().UTC()
	out := make([]model.Candidate, 0, len(branches))
	for _, b := range branches {
		out = append(out, model.NewCandidate(b, base, now))
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Run fetches the remote, then processes candidates with up to max_parallel_jobs pipelines
// at once and returns one entry per candidate in input order. A failed fetch fails every
// candidate without running any pipeline. When ctx ends or the run deadline passes, no new
// candidate is dispatched and the remainder are reported as not processed.
func (o *Orchestrator) Run(ctx context.Context, candidates []model.Candidate, dryRun bool) *model.RunReport {
	return o.Stream(ctx, candidates, dryRun, o.onOutcome)
}

// Stream is Run with a per-run outcome callback in place of Options.OnOutcome. fn may be nil.
func (o *Orchestrator) Stream(ctx context.Context, candidates []model.Candidate, dryRun bool, fn func(model.ReportEntry)) *model.RunReport {
	var emitMu sync.Mutex
	emit := func(e model.ReportEntry) {
		if fn == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		fn(e)
	}

	settings := o.cfg.Settings()
	report := &model.RunReport{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
		DryRun:    dryRun,
		Entries:   make([]model.ReportEntry, len(candidates)),
	}
	log := o.logger.With("run", report.ID)
	log.Info("run started", "candidates", len(candidates), "dry_run", dryRun, "parallel", settings.MaxParallelJobs)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if settings.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, settings.RunDeadline)
	}
	defer cancel()

	// Heads are read from remote-tracking refs, so they are refreshed once per run whether
	// the candidates came from Discover or were named explicitly.
	if o.branches != nil && len(candidates) > 0 {
		if err := o.branches.Fetch(runCtx); err != nil {
			err = fmt.Errorf("fetch: %w", err)
			log.Error("fetch failed, no candidate processed", "error", err)
			for i, cand := range candidates {
				entry := unprocessed(cand, err)
				entry.Status = model.StatusFailed
				report.Entries[i] = entry
				o.metrics.skipped(entry)
				emit(entry)
			}
			report.FinishedAt = o.now().UTC()
			o.metrics.run(dryRun)
			return report
		}
	}

	sem := semaphore.NewWeighted(int64(max(settings.MaxParallelJobs, 1)))
	var wg sync.WaitGroup

	for i, cand := range candidates {
		if runCtx.Err() == nil {
			err := sem.Acquire(runCtx, 1)
			if err == nil && runCtx.Err() != nil {
				sem.Release(1)
				err = runCtx.Err()
			}
			if err == nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer sem.Release(1)
					entry := o.process(runCtx, cand, dryRun)
					report.Entries[i] = entry
					emit(entry)
				}()
				continue
			}
		}

		reason := o.interruption(runCtx)
		for j := i; j < len(candidates); j++ {
			entry := unprocessed(candidates[j], reason)
			report.Entries[j] = entry
			o.metrics.skipped(entry)
			emit(entry)
		}
		log.Warn("dispatch stopped", "remaining", len(candidates)-i, "reason", reason)
		break
	}

	wg.Wait()
	report.FinishedAt = o.now().UTC()
	o.metrics.run(dryRun)
	log.Info("run finished", "summary", report.Summary(), "elapsed", report.FinishedAt.Sub(report.StartedAt))
	return report
}

func unprocessed(cand model.Candidate, reason error) model.ReportEntry {
	return model.ReportEntry{
		CandidateID: cand.ID,
		HeadRef:     cand.HeadRef,
		BaseRef:     cand.BaseRef,
		InitialTier: model.TierRejected,
		Tier:        model.TierRejected,
		Status:      model.StatusNotProcessed,
		Error:       reason.Error(),
	}
}

// interruption describes why ctx ended: the run deadline or an external stop.
func (o *Orchestrator) interruption(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &model.TimeoutError{Scope: model.TimeoutDeadline, After: o.cfg.Settings().RunDeadline}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run stopped: %w", ctx.Err())
	}
	return errors.New("run stopped")
}

// process runs one candidate's pipeline. Stages run in order and each stage boundary is a
// cancellation point; a panic anywhere is contained to this candidate.
func (o *Orchestrator) process(ctx context.Context, cand model.Candidate, dryRun bool) (e model.ReportEntry) {
	start := o.now()
	log := o.logger.With("candidate", cand.ID)
	e = model.ReportEntry{
		CandidateID: cand.ID,
		HeadRef:     cand.HeadRef,
		BaseRef:     cand.BaseRef,
		InitialTier: model.TierRejected,
		Tier:        model.TierRejected,
	}

	o.metrics.started()
	defer func() {
		e.Duration = o.now().Sub(start)
		o.metrics.finished(e, e.Duration)
		log.Info("candidate finished", "status", string(e.Status), "tier", e.Tier.String(), "action", e.Action.String())
	}()
	defer func() {
		if r := recover(); r != nil {
			e.Status = model.StatusFailed
			e.Error = fmt.Sprintf("internal error: %v", r)
			log.Error("candidate pipeline panicked", "panic", r)
		}
	}()

	cancelled := func() bool {
		if ctx.Err() == nil {
			return false
		}
		e.Status = model.StatusCancelled
		e.Error = o.interruption(ctx).Error()
		return true
	}

	if cancelled() {
		return e
	}
	a, err := o.analyzer.Analyze(ctx, cand)
	if err != nil {
		if cancelled() {
			return e
		}
		e.Status = model.StatusFailed
		e.Error = err.Error()
		log.Warn("metrics collection failed", "error", err)
		return e
	}
	m := a.Metrics
	e.Metrics = &m

	initial := classify.Classify(m, o.tiers)
	e.InitialTier = initial
	if cancelled() {
		return e
	}

	d := o.gate.Evaluate(ctx, initial, checks.Input{
		Candidate: cand,
		Metrics:   m,
		Diff:      a.Diff,
		RepoDir:   o.repoDir,
	})
	e.Tier = d.Tier
	e.Validation = d.Outcomes
	e.Reason = d.Reason
	if d.Err != nil {
		cancelled()
		return e
	}
	if d.Tier == model.TierRejected {
		e.Status = model.StatusRejected
		return e
	}

	action := PlanAction(m, d.Tier, o.cfg)
	e.PlannedAction = action
	if cancelled() {
		return e
	}

	res, err := o.executor.Execute(ctx, execute.Request{
		Candidate:  cand,
		Action:     action,
		Tier:       d.Tier,
		HeadCommit: m.HeadCommit,
		DryRun:     dryRun,
	})
	e.Execution = &res
	e.Status = res.Status
	if res.Status == model.StatusCompleted {
		e.Action = action
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// PlanAction picks the action for a candidate that passed validation at tier. A branch with
// no changes against its base is deleted when delete_merged is set; otherwise the tier's
// configured action applies. REJECTED never acts.
func PlanAction(m model.ChangeMetrics, tier model.RiskTier, cfg *config.Config) model.Action {
	if tier == model.TierRejected {
		return model.ActionNone
	}
	if m.ChangedFileCount == 0 && cfg.Settings().DeleteMerged {
		return model.ActionDelete
	}
	t, ok := cfg.Tier(tier)
	if !ok {
		return model.ActionNone
	}
	return t.Action
}
