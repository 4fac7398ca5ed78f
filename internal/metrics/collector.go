// Package metrics computes the objective change metrics a candidate is classified by.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Repo is the git surface the collector reads from.
type Repo interface {
	DiffSource
	ResolveBranch(ctx context.Context, branch string) (string, error)
	MergeBase(ctx context.Context, a, b string) (string, error)
}

// Analysis is the metric snapshot plus the diff it was computed from. Treat both as
// read-only; they are shared through the cache.
type Analysis struct {
	Metrics model.ChangeMetrics
	Diff    *diff.DiffSet
}

// Options configures a Collector.
type Options struct {
	Repo    Repo
	Scorer  ConflictScorer
	Matcher *Matcher
	// CacheSize is the number of (candidate, head) entries kept. Zero means 1024.
	CacheSize int
	// Expiry is how long a cached entry is served. Zero disables reuse.
	Expiry time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type cacheKey struct {
	id   string
	head string
}

// Collector computes and caches ChangeMetrics. It is safe for concurrent use.
type Collector struct {
	repo    Repo
	scorer  ConflictScorer
	matcher *Matcher
	expiry  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	cache   *lru.Cache[cacheKey, *Analysis]
}

// NewCollector creates a collector. Scorer defaults to HunkOverlap over opts.Repo.
func NewCollector(opts Options) (*Collector, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("metrics: repo is required")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[cacheKey, *Analysis](size)
	if err != nil {
		return nil, fmt.Errorf("metrics: cache: %w", err)
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = HunkOverlap{Source: opts.Repo}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		repo:    opts.Repo,
		scorer:  scorer,
		matcher: opts.Matcher,
		expiry:  opts.Expiry,
		now:     now,
		logger:  logger.With("component", "metrics"),
		cache:   cache,
	}, nil
}

// Collect returns the metrics for cand.
func (c *Collector) Collect(ctx context.Context, cand model.Candidate) (model.ChangeMetrics, error) {
	a, err := c.Analyze(ctx, cand)
	if err != nil {
		return model.ChangeMetrics{}, err
	}
	return a.Metrics, nil
}

// Analyze returns metrics and diff for cand, serving a cached entry when one exists for the
// current head commit and is younger than the configured expiry.
func (c *Collector) Analyze(ctx context.Context, cand model.Candidate) (*Analysis, error) {
	head, err := c.repo.ResolveBranch(ctx, cand.HeadRef)
	if err != nil {
		return nil, fmt.Errorf("resolve head %s: %w", cand.HeadRef, err)
	}

	key := cacheKey{id: cand.ID, head: head}
	if a, ok := c.cache.Get(key); ok {
		if c.expiry > 0 && c.now().Sub(a.Metrics.ComputedAt) < c.expiry {
			c.logger.Debug("metrics cache hit", "candidate", cand.ID, "head", head)
			return a, nil
		}
	}

	a, err := c.compute(ctx, cand, head)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, a)
	return a, nil
}

// Invalidate drops every cached entry for the candidate id.
func (c *Collector) Invalidate(id string) {
	for _, k := range c.cache.Keys() {
		if k.id == id {
			c.cache.Remove(k)
		}
	}
}

func (c *Collector) compute(ctx context.Context, cand model.Candidate, head string) (*Analysis, error) {
	base, err := c.repo.ResolveBranch(ctx, cand.BaseRef)
	if err != nil {
		return nil, fmt.Errorf("resolve base %s: %w", cand.BaseRef, err)
	}
	mb, err := c.repo.MergeBase(ctx, base, head)
	if err != nil {
		return nil, fmt.Errorf("merge base of %s: %w", cand.ID, err)
	}

	raw, err := c.repo.Diff(ctx, mb, head, 0)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", cand.ID, err)
	}
	ds, err := diff.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", cand.ID, err)
	}

	conflicts, err := c.scorer.Conflicts(ctx, ScoreInput{
		MergeBase:  mb,
		HeadCommit: head,
		BaseCommit: base,
		Head:       ds,
	})
	if err != nil {
		return nil, fmt.Errorf("%s scorer on %s: %w", c.scorer.Name(), cand.ID, err)
	}

	m := Compute(ds, conflicts, c.matcher)
	m.HeadCommit = head
	m.BaseCommit = base
	m.MergeBase = mb
	m.ComputedAt = c.now()

	c.logger.Debug("metrics computed", "candidate", cand.ID, "metrics", m.String(), "scorer", c.scorer.Name())
	return &Analysis{Metrics: m, Diff: ds}, nil
}

// Compute derives metrics from a parsed diff and the conflicting paths. It does not set the
// commit fields or ComputedAt.
func Compute(ds *diff.DiffSet, conflicts []string, matcher *Matcher) model.ChangeMetrics {
	var m model.ChangeMetrics
	if ds == nil {
		ds = &diff.DiffSet{}
	}

	m.ChangedFiles = ds.Paths()
	m.ChangedFileCount = len(m.ChangedFiles)
	_, m.AddedLines, m.DeletedLines = ds.Stats()

	for _, p := range m.ChangedFiles {
		if matcher.IsCritical(p) {
			m.CriticalFiles = append(m.CriticalFiles, p)
		}
		for _, b := range matcher.Buckets(p) {
			if m.Priority == nil {
				m.Priority = make(map[string]int)
			}
			m.Priority[b]++
		}
	}
	m.CriticalFilesTouched = len(m.CriticalFiles)

	uniq := make(map[string]bool, len(conflicts))
	for _, p := range conflicts {
		if !uniq[p] {
			uniq[p] = true
			m.ConflictingFiles = append(m.ConflictingFiles, p)
		}
	}
	sort.Strings(m.ConflictingFiles)
	m.ConflictPotential = len(m.ConflictingFiles)
	return m
}
