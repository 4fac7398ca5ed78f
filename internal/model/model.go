// Package model defines the core data types shared across tiergate.
package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskTier is the merge-risk bucket a candidate is assigned to.
// Lower values are more permissive.
type RiskTier int

const (
	TierAutoMerge RiskTier = iota
	TierGuidedMerge
	TierManualMerge
	TierRejected
)

func (t RiskTier) String() string {
	switch t {
	case TierAutoMerge:
		return "auto_merge"
	case TierGuidedMerge:
		return "guided_merge"
	case TierManualMerge:
		return "manual_merge"
	case TierRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseRiskTier accepts the snake_case or SCREAMING_CASE tier name.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto_merge":
		return TierAutoMerge, nil
	case "guided_merge":
		return TierGuidedMerge, nil
	case "manual_merge":
		return TierManualMerge, nil
	case "rejected":
		return TierRejected, nil
	}
	return TierRejected, fmt.Errorf("unknown risk tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t RiskTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RiskTier) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Action is the mutation the execution engine performs for a candidate.
type Action int

const (
	ActionNone Action = iota
	ActionMerge
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionMerge:
		return "merge"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// ParseAction parses "merge", "delete" or "none" (empty means none).
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ActionNone, nil
	case "merge":
		return ActionMerge, nil
	case "delete":
		return ActionDelete, nil
	}
	return ActionNone, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Candidate is a branch proposed against a base branch.
type Candidate struct {
	ID           string    `json:"id" yaml:"id"`
	HeadRef      string    `json:"head_ref" yaml:"head_ref"`
	BaseRef      string    `json:"base_ref" yaml:"base_ref"`
	DiscoveredAt time.Time `json:"discovered_at" yaml:"discovered_at"`
}

// NewCandidate builds a candidate whose ID is the head branch name.
func NewCandidate(head, base string, now time.Time) Candidate {
	return Candidate{ID: head, HeadRef: head, BaseRef: base, DiscoveredAt: now}
}

// ChangeMetrics is the immutable metric snapshot for one candidate at one head commit.
type ChangeMetrics struct {
	ChangedFileCount     int `json:"changed_file_count" yaml:"changed_file_count"`
	CriticalFilesTouched int `json:"critical_files_touched" yaml:"critical_files_touched"`
	ConflictPotential    int `json:"conflict_potential" yaml:"conflict_potential"`

	HeadCommit string `json:"head_commit,omitempty" yaml:"head_commit,omitempty"`
	BaseCommit string `json:"base_commit,omitempty" yaml:"base_commit,omitempty"`
	MergeBase  string `json:"merge_base,omitempty" yaml:"merge_base,omitempty"`

	ChangedFiles     []string       `json:"changed_files,omitempty" yaml:"changed_files,omitempty"`
	CriticalFiles    []string       `json:"critical_files,omitempty" yaml:"critical_files,omitempty"`
	ConflictingFiles []string       `json:"conflicting_files,omitempty" yaml:"conflicting_files,omitempty"`
	AddedLines       int            `json:"added_lines" yaml:"added_lines"`
	DeletedLines     int            `json:"deleted_lines" yaml:"deleted_lines"`
	Priority         map[string]int `json:"priority,omitempty" yaml:"priority,omitempty"`

	ComputedAt time.Time `json:"computed_at" yaml:"computed_at"`
}

// Dominates reports whether every threshold field of m is >= the matching field of o.
func (m ChangeMetrics) Dominates(o ChangeMetrics) bool {
	return m.ChangedFileCount >= o.ChangedFileCount &&
		m.CriticalFilesTouched >= o.CriticalFilesTouched &&
		m.ConflictPotential >= o.ConflictPotential
}

func (m ChangeMetrics) String() string {
	return fmt.Sprintf("files=%d critical=%d conflicts=%d",
		m.ChangedFileCount, m.CriticalFilesTouched, m.ConflictPotential)
}

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name     string        `json:"name" yaml:"name"`
	Passed   bool          `json:"passed" yaml:"passed"`
	Detail   string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// ValidationOutcome aggregates the checks run for one tier.
type ValidationOutcome struct {
	Tier      RiskTier      `json:"tier" yaml:"tier"`
	Results   []CheckResult `json:"results" yaml:"results"`
	AllPassed bool          `json:"all_passed" yaml:"all_passed"`
}

// Failed returns the names of the checks that did not pass.
func (v ValidationOutcome) Failed() []string {
	var names []string
	for _, r := range v.Results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}

// BackupRecord points at the commit a subject ref held before a destructive action.
// An empty Commit means the ref did not exist at snapshot time.
type BackupRecord struct {
	ID        string    `json:"id" yaml:"id"`
	Subject   string    `json:"subject" yaml:"subject"`
	BackupRef string    `json:"backup_ref" yaml:"backup_ref"`
	Commit    string    `json:"commit" yaml:"commit"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
