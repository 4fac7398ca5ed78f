package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal state of one candidate in a run.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusNoAction     Status = "no_action"
	StatusDryRun       Status = "dry_run"
	StatusRejected     Status = "rejected"
	StatusRolledBack   Status = "rolled_back"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusNotProcessed Status = "not_processed"
)

// Unrecovered reports whether the status leaves a subject needing attention.
func (s Status) Unrecovered() bool {
	return s == StatusFailed
}

// ExecutionResult describes what the execution engine did for one candidate.
type ExecutionResult struct {
	Action      Action        `json:"action" yaml:"action"`
	Status      Status        `json:"status" yaml:"status"`
	Attempts    int           `json:"attempts" yaml:"attempts"`
	MergeCommit string        `json:"merge_commit,omitempty" yaml:"merge_commit,omitempty"`
	Backup      *BackupRecord `json:"backup,omitempty" yaml:"backup,omitempty"`
	Restored    bool          `json:"restored" yaml:"restored"`
	Detail      string        `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// ReportEntry is one candidate's line in the run report.
type ReportEntry struct {
	CandidateID   string              `json:"candidate_id" yaml:"candidate_id"`
	HeadRef       string              `json:"head_ref" yaml:"head_ref"`
	BaseRef       string              `json:"base_ref" yaml:"base_ref"`
	Metrics       *ChangeMetrics      `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	InitialTier   RiskTier            `json:"initial_tier" yaml:"initial_tier"`
	Tier          RiskTier            `json:"tier" yaml:"tier"`
	Validation    []ValidationOutcome `json:"validation,omitempty" yaml:"validation,omitempty"`
	PlannedAction Action              `json:"planned_action" yaml:"planned_action"`
	Action        Action              `json:"action" yaml:"action"`
	Status        Status              `json:"status" yaml:"status"`
	Execution     *ExecutionResult    `json:"execution,omitempty" yaml:"execution,omitempty"`
	Reason        string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error         string              `json:"error,omitempty" yaml:"error,omitempty"`
	Duration      time.Duration       `json:"duration" yaml:"duration"`
}

// Escalated reports whether validation moved the candidate to a stricter tier.
func (e ReportEntry) Escalated() bool {
	return e.Tier > e.InitialTier
}

// RunReport aggregates one entry per candidate, in input order.
type RunReport struct {
	ID         string        `json:"id" yaml:"id"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	DryRun     bool          `json:"dry_run" yaml:"dry_run"`
	Entries    []ReportEntry `json:"entries" yaml:"entries"`
}

// Counts returns the number of entries per status.
func (r *RunReport) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, e := range r.Entries {
		counts[e.Status]++
	}
	return counts
}

// HasUnrecoveredFailure is true when at least one candidate ended failed.
func (r *RunReport) HasUnrecoveredFailure() bool {
	for _, e := range r.Entries {
		if e.Status.Unrecovered() {
			return true
		}
	}
	return false
}

// Summary returns a one-line summary of the run.
func (r *RunReport) Summary() string {
	if len(r.Entries) == 0 {
		return "No candidates"
	}
	counts := r.Counts()
	var parts []string
	for _, s := range []Status{
		StatusCompleted, StatusNoAction, StatusDryRun, StatusRejected,
		StatusRolledBack, StatusFailed, StatusCancelled, StatusNotProcessed,
	} {
		if c := counts[s]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, s))
		}
	}
	return fmt.Sprintf("%d candidate(s): %s", len(r.Entries), strings.Join(parts, ", "))
}
