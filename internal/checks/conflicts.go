package checks

import (
	"fmt"
	"slices"
)

// ConflictPass fails when the candidate is expected to conflict with its base.
func ConflictPass(in Input) []Finding {
	var findings []Finding
	for _, p := range in.Metrics.ConflictingFiles {
		findings = append(findings, Finding{Check: "conflicts", File: p, Message: "conflicts with base"})
	}
	if len(findings) == 0 && in.Metrics.ConflictPotential > 0 {
		findings = append(findings, Finding{
			Check:   "conflicts",
			Message: fmt.Sprintf("conflict potential %d", in.Metrics.ConflictPotential),
		})
	}
	return findings
}

// CriticalReviewPass fails when a critical file is deleted or renamed away.
func CriticalReviewPass(in Input) []Finding {
	var findings []Finding
	for _, f := range in.Diff.Files {
		if !f.IsDeleted && !f.IsRenamed {
			continue
		}
		if !slices.Contains(in.Metrics.CriticalFiles, f.Path()) {
			continue
		}
		verb := "deleted"
		if f.IsRenamed {
			verb = "renamed"
		}
		findings = append(findings, Finding{
			Check:   "critical_review",
			File:    f.Name(),
			Message: fmt.Sprintf("critical file %s", verb),
		})
	}
	return findings
}
