package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/sprite-ai/tiergate/internal/diff"
)

// Scorer names.
const (
	ScorerHunkOverlap = "hunk_overlap"
	ScorerMergeTree   = "merge_tree"
)

// ScoreInput is what a ConflictScorer sees for one candidate.
type ScoreInput struct {
	MergeBase  string
	HeadCommit string
	BaseCommit string
	// Head is the zero-context diff merge-base..head.
	Head *diff.DiffSet
}

// ConflictScorer estimates which files would conflict if head were merged into base.
// Implementations must not modify the repository.
type ConflictScorer interface {
	Name() string
	Conflicts(ctx context.Context, in ScoreInput) ([]string, error)
}

// DiffSource produces unified diffs between two commits.
type DiffSource interface {
	Diff(ctx context.Context, from, to string, contextLines int) (string, error)
}

// MergeTreeSource performs in-memory merges.
type MergeTreeSource interface {
	MergeTree(ctx context.Context, base, head string) (string, []string, error)
}

// HunkOverlap compares the edits both sides made since the merge base.
type HunkOverlap struct {
	Source DiffSource
}

func (HunkOverlap) Name() string { return ScorerHunkOverlap }

// Conflicts diffs merge-base..base and intersects it with the head diff.
func (s HunkOverlap) Conflicts(ctx context.Context, in ScoreInput) ([]string, error) {
	if in.MergeBase == in.BaseCommit {
		return nil, nil
	}
	raw, err := s.Source.Diff(ctx, in.MergeBase, in.BaseCommit, 0)
	if err != nil {
		return nil, fmt.Errorf("base diff: %w", err)
	}
	base, err := diff.Parse(raw)
	if err != nil {
		return nil, err
	}
	return Overlap(in.Head, base), nil
}

// MergeTree counts the paths git's own merge machinery reports as conflicted.
type MergeTree struct {
	Source MergeTreeSource
}

func (MergeTree) Name() string { return ScorerMergeTree }

func (s MergeTree) Conflicts(ctx context.Context, in ScoreInput) ([]string, error) {
	_, files, err := s.Source.MergeTree(ctx, in.BaseCommit, in.HeadCommit)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Overlap returns the head-side paths of files both diffs touch in a way a three-way merge
// cannot reconcile: overlapping or adjacent old-side hunks, a delete on one side against a
// modification on the other, divergent renames, binary edits on both sides, or the same
// path added on both sides. Both diffs must share the same pre-image.
func Overlap(head, base *diff.DiffSet) []string {
	if head == nil || base == nil {
		return nil
	}

	baseByOld := base.ByOldName()
	baseAdded := make(map[string]bool)
	for _, f := range base.Files {
		if f.IsNew {
			baseAdded[f.NewName] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, h := range head.Files {
		if h.IsNew {
			if baseAdded[h.NewName] {
				add(h.Path())
			}
			continue
		}
		b, ok := baseByOld[h.OldName]
		if !ok {
			continue
		}
		if fileConflicts(h, b) {
			add(h.Path())
		}
	}

	sort.Strings(out)
	return out
}

func fileConflicts(h, b *diff.File) bool {
	switch {
	case h.IsDeleted && b.IsDeleted:
		return false
	case h.IsDeleted || b.IsDeleted:
		return true
	case h.IsRenamed && b.IsRenamed && h.NewName != b.NewName:
		return true
	case h.IsBinary && b.IsBinary:
		return true
	}

	hr, br := h.OldRanges(), b.OldRanges()
	for _, x := range hr {
		for _, y := range br {
			if x.Touches(y) {
				return true
			}
		}
	}
	return false
}
