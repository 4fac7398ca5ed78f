// Package report renders run reports as text, JSON, YAML, Markdown or HTML.
package report

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/sprite-ai/tiergate/internal/model"
)

// Output formats.
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Formats lists every supported format.
var Formats = []string{FormatText, FormatJSON, FormatYAML, FormatMarkdown, FormatHTML}

// Write renders r to w in format.
func Write(w io.Writer, r *model.RunReport, format string) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, r)
	case FormatYAML:
		return writeYAML(w, r)
	case FormatMarkdown:
		return writeMarkdown(w, r)
	case FormatHTML:
		return writeHTML(w, r)
	case FormatText, "":
		return writeText(w, r)
	}
	return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

// Load reads a report written in JSON.
func Load(rd io.Reader) (*model.RunReport, error) {
	var r model.RunReport
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type styles struct {
	header, dim, good, warn, bad lipgloss.Style
}

// newStyles binds the palette to w so plain writers get plain text.
func newStyles(w io.Writer) styles {
	re := lipgloss.NewRenderer(w)
	return styles{
		header: re.NewStyle().Foreground(lipgloss.Color("#8be9fd")).Bold(true),
		dim:    re.NewStyle().Foreground(lipgloss.Color("#6272a4")),
		good:   re.NewStyle().Foreground(lipgloss.Color("#50fa7b")),
		warn:   re.NewStyle().Foreground(lipgloss.Color("#f1fa8c")),
		bad:    re.NewStyle().Foreground(lipgloss.Color("#ff5555")).Bold(true),
	}
}

func (s styles) status(st model.Status) lipgloss.Style {
	switch st {
	case model.StatusCompleted, model.StatusNoAction, model.StatusDryRun:
		return s.good
	case model.StatusFailed:
		return s.bad
	case model.StatusRejected, model.StatusRolledBack:
		return s.warn
	default:
		return s.dim
	}
}

func writeText(w io.Writer, r *model.RunReport) error {
	st := newStyles(w)
	var b strings.Builder

	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "%s\n", st.header.Render("Run "+r.ID+mode))
	fmt.Fprintf(&b, "%s\n\n", st.dim.Render(fmt.Sprintf("%s, %s",
		r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))))

	for _, e := range r.Entries {
		writeEntryText(&b, st, e)
	}
	fmt.Fprintf(&b, "%s\n", r.Summary())

	_, err := io.WriteString(w, b.String())
	return err
}

func writeEntryText(b *strings.Builder, st styles, e model.ReportEntry) {
	fmt.Fprintf(b, "  %-13s %s → %s\n", st.status(e.Status).Render(string(e.Status)), e.HeadRef, e.BaseRef)

	tier := e.Tier.String()
	if e.Escalated() {
		tier = fmt.Sprintf("%s (escalated from %s)", e.Tier, e.InitialTier)
	}
	if e.Metrics != nil {
		fmt.Fprintf(b, "    %s  tier %s\n", e.Metrics, tier)
	}
	if e.PlannedAction != model.ActionNone {
		fmt.Fprintf(b, "    action %s", e.PlannedAction)
		if x := e.Execution; x != nil && x.MergeCommit != "" {
			fmt.Fprintf(b, " → %s", x.MergeCommit)
		}
		b.WriteString("\n")
	}
	for _, v := range e.Validation {
		if failed := v.Failed(); len(failed) > 0 {
			fmt.Fprintf(b, "    %s\n", st.dim.Render(fmt.Sprintf("%s failed: %s", v.Tier, strings.Join(failed, ", "))))
		}
	}
	if e.Reason != "" {
		fmt.Fprintf(b, "    %s\n", st.dim.Render(e.Reason))
	}
	if e.Error != "" {
		fmt.Fprintf(b, "    %s\n", st.bad.Render(e.Error))
	}
}

func writeMarkdown(w io.Writer, r *model.RunReport) error {
	var b strings.Builder
	b.WriteString("## tiergate run report\n\n")
	if r.DryRun {
		b.WriteString("_Dry run: no branch was modified._\n\n")
	}
	fmt.Fprintf(&b, "**%s**\n\n", r.Summary())
	if len(r.Entries) == 0 {
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString("| Branch | Tier | Files | Critical | Conflicts | Action | Status | Notes |\n")
	b.WriteString("|--------|------|-------|----------|-----------|--------|--------|-------|\n")
	for _, e := range r.Entries {
		files, critical, conflicts := "-", "-", "-"
		if m := e.Metrics; m != nil {
			files = fmt.Sprint(m.ChangedFileCount)
			critical = fmt.Sprint(m.CriticalFilesTouched)
			conflicts = fmt.Sprint(m.ConflictPotential)
		}
		tier := e.Tier.String()
		if e.Escalated() {
			tier = e.InitialTier.String() + " → " + tier
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s | %s | %s | %s |\n",
			e.HeadRef, tier, files, critical, conflicts, e.PlannedAction, e.Status, mdEscape(notes(e)))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func notes(e model.ReportEntry) string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if e.Error != "" {
		parts = append(parts, e.Error)
	}
	return strings.Join(parts, "; ")
}

func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func writeHTML(w io.Writer, r *model.RunReport) error {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>tiergate run report</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 1000px; margin: 40px auto; padding: 0 20px; background: #282a36; color: #f8f8f2; }
  h1 { color: #bd93f9; }
  .summary { background: #343746; padding: 16px; border-radius: 8px; margin-bottom: 24px; }
  table { width: 100%; border-collapse: collapse; }
  th { text-align: left; padding: 8px 12px; background: #44475a; }
  td { padding: 8px 12px; border-bottom: 1px solid #44475a; }
  .completed, .no_action, .dry_run { color: #50fa7b; }
  .rejected, .rolled_back { color: #f1fa8c; }
  .failed { color: #ff5555; font-weight: bold; }
  .cancelled, .not_processed { color: #6272a4; }
  code { background: #343746; padding: 2px 6px; border-radius: 4px; }
</style>
</head>
<body>
<h1>tiergate run report</h1>
`)
	fmt.Fprintf(&b, "<div class=\"summary\">%s</div>\n", html.EscapeString(r.Summary()))
	b.WriteString("<table>\n<tr><th>Branch</th><th>Tier</th><th>Metrics</th><th>Action</th><th>Status</th><th>Notes</th></tr>\n")
	for _, e := range r.Entries {
		m := "-"
		if e.Metrics != nil {
			m = e.Metrics.String()
		}
		fmt.Fprintf(&b, "<tr><td><code>%s</code></td><td>%s</td><td>%s</td><td>%s</td><td class=\"%s\">%s</td><td>%s</td></tr>\n",
			html.EscapeString(e.HeadRef), e.Tier, html.EscapeString(m), e.PlannedAction,
			e.Status, e.Status, html.EscapeString(notes(e)))
	}
	b.WriteString("</table>\n</body>\n</html>\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteEntry renders a single entry, as produced by an inspection, in format.
func WriteEntry(w io.Writer, e model.ReportEntry, format string) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, e)
	case FormatYAML:
		return writeYAML(w, e)
	case FormatText, "":
	default:
		return Write(w, &model.RunReport{Entries: []model.ReportEntry{e}}, format)
	}

	st := newStyles(w)
	var b strings.Builder
	writeEntryText(&b, st, e)
	if m := e.Metrics; m != nil {
		for _, f := range m.ChangedFiles {
			mark := " "
			switch {
			case slices.Contains(m.CriticalFiles, f) && slices.Contains(m.ConflictingFiles, f):
				mark = "!"
			case slices.Contains(m.CriticalFiles, f):
				mark = "C"
			case slices.Contains(m.ConflictingFiles, f):
				mark = "X"
			}
			fmt.Fprintf(&b, "      %s %s\n", mark, f)
		}
	}
	for _, v := range e.Validation {
		for _, res := range v.Results {
			status := st.good.Render("pass")
			if !res.Passed {
				status = st.bad.Render("fail")
			}
			fmt.Fprintf(&b, "    [%s] %s %s", v.Tier, status, res.Name)
			if res.Detail != "" {
				fmt.Fprintf(&b, ": %s", res.Detail)
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
