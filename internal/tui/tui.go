// Package tui implements the Bubble Tea inspect viewer: a candidate's diff with its
// critical and conflicting files marked and its validation results alongside.
package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Model is the top-level Bubble Tea model for the inspect viewer.
type Model struct {
	entry   model.ReportEntry
	diffSet *diff.DiffSet
	hl      *diff.Highlighter

	// UI state
	width  int
	height int

	fileIndex int

	// Diff viewport
	scrollOffset int
	viewHeight   int

	// Rendered lines for the current file
	lines []renderedLine

	splitView  bool
	showChecks bool
	showHelp   bool
}

// New creates a viewer for an inspected candidate. ds may be nil when the diff was not
// captured, in which case only the header and checks are shown.
func New(e model.ReportEntry, ds *diff.DiffSet) Model {
	if ds == nil {
		ds = &diff.DiffSet{}
	}
	m := Model{
		entry:      e,
		diffSet:    ds,
		hl:         diff.NewHighlighter(diff.DefaultStyle),
		showChecks: len(e.Validation) > 0,
	}
	m.updateLines()
	return m
}

func (m *Model) updateLines() {
	if len(m.diffSet.Files) == 0 {
		m.lines = nil
		return
	}
	m.lines = renderFile(m.diffSet.Files[m.fileIndex], m.hl)
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewHeight = m.height - 5 // header + status bar + borders
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Down):
			if m.scrollOffset < len(m.lines)-1 {
				m.scrollOffset++
			}

		case key.Matches(msg, keys.Up):
			if m.scrollOffset > 0 {
				m.scrollOffset--
			}

		case key.Matches(msg, keys.NextFile):
			if m.fileIndex < len(m.diffSet.Files)-1 {
				m.fileIndex++
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.PrevFile):
			if m.fileIndex > 0 {
				m.fileIndex--
				m.scrollOffset = 0
				m.updateLines()
			}

		case key.Matches(msg, keys.NextFlagged):
			m.jumpToNextFlagged()

		case key.Matches(msg, keys.NextHunk):
			m.jumpToNextHunk()

		case key.Matches(msg, keys.PrevHunk):
			m.jumpToPrevHunk()

		case key.Matches(msg, keys.Split):
			m.splitView = !m.splitView

		case key.Matches(msg, keys.Checks):
			m.showChecks = !m.showChecks

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}
	}

	return m, nil
}

// jumpToNextFlagged moves to the next file marked critical or conflicting, wrapping
// around. It stays put when no other file is flagged.
func (m *Model) jumpToNextFlagged() {
	n := len(m.diffSet.Files)
	for step := 1; step < n; step++ {
		i := (m.fileIndex + step) % n
		if critical, conflict := m.flags(m.diffSet.Files[i].Path()); critical || conflict {
			m.fileIndex = i
			m.scrollOffset = 0
			m.updateLines()
			return
		}
	}
}

func (m *Model) jumpToNextHunk() {
	for i := m.scrollOffset + 1; i < len(m.lines); i++ {
		if m.lines[i].IsHunk {
			m.scrollOffset = i
			return
		}
	}
}

func (m *Model) jumpToPrevHunk() {
	for i := m.scrollOffset - 1; i >= 0; i-- {
		if m.lines[i].IsHunk {
			m.scrollOffset = i
			return
		}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if m.showHelp {
		return m.renderHelp()
	}

	bodyHeight := m.height - 2
	fileListWidth := m.fileListWidth()
	diffWidth := m.width - fileListWidth - 1

	panels := []string{m.renderFileList(fileListWidth, bodyHeight), " "}
	if m.showChecks {
		checksWidth := min(40, m.width/4)
		diffWidth -= checksWidth + 1
		panels = append(panels, m.renderDiffView(diffWidth, bodyHeight), " ", m.renderChecks(checksWidth, bodyHeight))
	} else {
		panels = append(panels, m.renderDiffView(diffWidth, bodyHeight))
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, panels...)
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), main, m.renderStatusBar())
}

func (m Model) renderHeader() string {
	e := m.entry
	tier := tierStyle(e.Tier).Render(e.Tier.String())
	if e.Escalated() {
		tier += fmt.Sprintf(" (from %s)", e.InitialTier)
	}
	text := fmt.Sprintf("%s → %s  %s", e.HeadRef, e.BaseRef, tier)
	if e.Metrics != nil {
		text += "  " + e.Metrics.String()
	}
	if e.PlannedAction != model.ActionNone {
		text += "  action " + e.PlannedAction.String()
	}
	return headerBarStyle.Width(m.width).Render(text)
}

// mark returns the file list marker for path: C critical, X conflicting, ! both.
func (m Model) mark(path string) string {
	critical, conflict := m.flags(path)
	switch {
	case critical && conflict:
		return markConflictStyle.Render("!")
	case critical:
		return markCriticalStyle.Render("C")
	case conflict:
		return markConflictStyle.Render("X")
	}
	return " "
}

func (m Model) flags(path string) (critical, conflict bool) {
	mt := m.entry.Metrics
	if mt == nil {
		return false, false
	}
	return slices.Contains(mt.CriticalFiles, path), slices.Contains(mt.ConflictingFiles, path)
}

func (m Model) fileListWidth() int {
	maxLen := 20
	for _, f := range m.diffSet.Files {
		if n := len(f.Name()); n > maxLen {
			maxLen = n
		}
	}
	w := maxLen + 16 // marker + padding + stats
	if w > m.width/3 {
		w = m.width / 3
	}
	if w < 20 {
		w = 20
	}
	return w
}

func (m Model) renderFileList(width, height int) string {
	var b strings.Builder

	for i, f := range m.diffSet.Files {
		name := f.Name()

		maxName := width - 16
		if maxName > 0 && len(name) > maxName {
			name = "…" + name[len(name)-maxName+1:]
		}

		stats := fmt.Sprintf("+%d -%d", f.AddedLines, f.DeletedLines)
		line := fmt.Sprintf("%-*s %s", maxName, name, stats)

		var style lipgloss.Style
		switch {
		case i == m.fileIndex:
			style = fileItemSelectedStyle
		case f.IsNew:
			style = fileItemNewStyle
		case f.IsDeleted:
			style = fileItemDeletedStyle
		default:
			style = fileItemStyle
		}

		b.WriteString(m.mark(f.Path()) + " " + style.Width(width-6).Render(line))
		if i < len(m.diffSet.Files)-1 {
			b.WriteByte('\n')
		}
	}

	return fileListStyle.Width(width).Height(height - 2).Render(b.String())
}

func (m Model) renderDiffView(width, height int) string {
	if len(m.diffSet.Files) == 0 {
		return diffViewStyle.Width(width).Height(height - 2).Render("No changes")
	}

	f := m.diffSet.Files[m.fileIndex]
	innerWidth := width - 4
	innerHeight := height - 2

	visibleLines := max(innerHeight-2, 1)

	var b strings.Builder
	b.WriteString(fileHeaderStyle.Render(f.Name()))
	b.WriteByte('\n')

	end := min(m.scrollOffset+visibleLines, len(m.lines))
	for i := m.scrollOffset; i < end; i++ {
		if m.splitView {
			left, right := styleLineSplit(m.lines[i], (innerWidth-3)/2)
			b.WriteString(left + " │ " + right)
		} else {
			b.WriteString(styleLine(m.lines[i], innerWidth))
		}
		if i < end-1 {
			b.WriteByte('\n')
		}
	}

	return diffViewStyle.Width(width).Height(innerHeight).Render(b.String())
}

func (m Model) renderChecks(width, height int) string {
	var b strings.Builder
	b.WriteString(fileHeaderStyle.Render("Validation"))
	b.WriteByte('\n')

	if len(m.entry.Validation) == 0 {
		b.WriteString(checkDetailStyle.Render("no checks ran"))
	}
	for _, v := range m.entry.Validation {
		b.WriteString(checksTierStyle.Render(v.Tier.String()))
		b.WriteByte('\n')
		if len(v.Results) == 0 {
			b.WriteString(checkDetailStyle.Render("  no required checks") + "\n")
		}
		for _, r := range v.Results {
			if r.Passed {
				b.WriteString(checkPassStyle.Render("  ✓ " + r.Name))
			} else {
				b.WriteString(checkFailStyle.Render("  ✗ " + r.Name))
			}
			b.WriteByte('\n')
			if r.Detail != "" {
				b.WriteString(checkDetailStyle.Render("    "+truncate(r.Detail, width-8)) + "\n")
			}
		}
	}
	if m.entry.Reason != "" {
		b.WriteString("\n" + checkFailStyle.Render(m.entry.Reason))
	}

	return checksViewStyle.Width(width).Height(height - 2).Render(b.String())
}

func (m Model) renderStatusBar() string {
	nFiles, added, deleted := m.diffSet.Stats()

	left := fmt.Sprintf(" File %d/%d", min(m.fileIndex+1, nFiles), nFiles)
	if len(m.lines) > 0 {
		left += fmt.Sprintf("  Line %d/%d", m.scrollOffset+1, len(m.lines))
	}

	mode := "unified"
	if m.splitView {
		mode = "split"
	}

	right := fmt.Sprintf("+%d -%d  %s  ? help ", added, deleted, mode)

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(fileHeaderStyle.Render("tiergate inspect: Keyboard Shortcuts"))
	b.WriteString("\n\n")

	for _, group := range keys.FullHelp() {
		for _, kb := range group {
			h := kb.Help()
			fmt.Fprintf(&b, "  %s  %s\n", helpKeyStyle.Width(12).Render(h.Key), h.Desc)
		}
		b.WriteString("\n")
	}

	b.WriteString(helpBarStyle.Render("C critical file   X likely conflict   ! both"))
	b.WriteString("\n")
	b.WriteString(helpBarStyle.Render("Press ? to close help"))

	return b.String()
}

// Run starts the viewer.
func Run(e model.ReportEntry, ds *diff.DiffSet) error {
	p := tea.NewProgram(New(e, ds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
