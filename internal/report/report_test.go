package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sprite-ai/tiergate/internal/model"
)

func sample() *model.RunReport {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &model.RunReport{
		ID:         "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Entries: []model.ReportEntry{
			{
				CandidateID:   "feature/a",
				HeadRef:       "feature/a",
				BaseRef:       "main",
				Metrics:       &model.ChangeMetrics{ChangedFileCount: 2},
				InitialTier:   model.TierAutoMerge,
				Tier:          model.TierAutoMerge,
				PlannedAction: model.ActionMerge,
				Action:        model.ActionMerge,
				Status:        model.StatusCompleted,
				Execution:     &model.ExecutionResult{Action: model.ActionMerge, Status: model.StatusCompleted, MergeCommit: "abc123"},
			},
			{
				CandidateID: "fix/b",
				HeadRef:     "fix/b",
				BaseRef:     "main",
				Metrics:     &model.ChangeMetrics{ChangedFileCount: 9, CriticalFilesTouched: 1},
				InitialTier: model.TierAutoMerge,
				Tier:        model.TierGuidedMerge,
				Validation: []model.ValidationOutcome{
					{Tier: model.TierAutoMerge, Results: []model.CheckResult{{Name: "secrets", Passed: false, Detail: "1 finding(s)"}}},
					{Tier: model.TierGuidedMerge, Results: []model.CheckResult{{Name: "markers", Passed: true}}, AllPassed: true},
				},
				Status: model.StatusNoAction,
			},
			{
				CandidateID: "feature/c",
				HeadRef:     "feature/c",
				BaseRef:     "main",
				InitialTier: model.TierRejected,
				Tier:        model.TierRejected,
				Status:      model.StatusFailed,
				Error:       "git diff: bad | object",
			},
		},
	}
}

func render(t *testing.T, format string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sample(), format))
	return buf.String()
}

func TestText(t *testing.T) {
	out := render(t, FormatText)
	assert.Contains(t, out, "Run run-1")
	assert.Contains(t, out, "feature/a → main")
	assert.Contains(t, out, "action merge → abc123")
	assert.Contains(t, out, "guided_merge (escalated from auto_merge)")
	assert.Contains(t, out, "auto_merge failed: secrets")
	assert.Contains(t, out, "3 candidate(s): 1 completed, 1 no_action, 1 failed")
	assert.NotContains(t, out, "\x1b[", "plain writers get no escape codes")
}

func TestMarkdown(t *testing.T) {
	out := render(t, FormatMarkdown)
	assert.Contains(t, out, "| Branch | Tier |")
	assert.Contains(t, out, "| `fix/b` | auto_merge → guided_merge | 9 | 1 | 0 | none | no_action |")
	assert.Contains(t, out, `bad \| object`)
}

func TestHTMLEscapes(t *testing.T) {
	r := sample()
	r.Entries[0].HeadRef = "<script>"
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, FormatHTML))
	assert.Contains(t, buf.String(), "&lt;script&gt;")
	assert.Contains(t, buf.String(), `class="failed"`)
}

func TestJSONRoundTrip(t *testing.T) {
	out := render(t, FormatJSON)
	assert.Contains(t, out, `"tier": "guided_merge"`)

	loaded, err := Load(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, sample(), loaded)
}

func TestYAML(t *testing.T) {
	out := render(t, FormatYAML)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	entries, ok := doc["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3)
	first := entries[1].(map[string]any)
	assert.Equal(t, "guided_merge", first["tier"])
	assert.Equal(t, "auto_merge", first["initial_tier"])
}

func TestUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, sample(), "pdf"))
}

func TestWriteEntryMarksFiles(t *testing.T) {
	e := model.ReportEntry{
		HeadRef: "feature/a",
		BaseRef: "main",
		Metrics: &model.ChangeMetrics{
			ChangedFiles:     []string{"a.go", "go.mod", "b.go"},
			CriticalFiles:    []string{"go.mod"},
			ConflictingFiles: []string{"b.go"},
		},
		Validation: []model.ValidationOutcome{{Tier: model.TierAutoMerge, Results: []model.CheckResult{
			{Name: "conflicts", Passed: false, Detail: "1 finding(s): b.go"},
		}}},
		Status: model.StatusDryRun,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEntry(&buf, e, FormatText))
	out := buf.String()
	assert.Contains(t, out, "C go.mod")
	assert.Contains(t, out, "X b.go")
	assert.Contains(t, out, "[auto_merge] fail conflicts: 1 finding(s): b.go")
}
