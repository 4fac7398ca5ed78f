package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap holds the inspect viewer's bindings. FullHelp groups them for the help screen.
type keyMap struct {
	Up, Down      key.Binding
	NextFile      key.Binding
	PrevFile      key.Binding
	NextFlagged   key.Binding
	NextHunk      key.Binding
	PrevHunk      key.Binding
	Split, Checks key.Binding
	Help, Quit    key.Binding
}

func binding(help, desc string, ks ...string) key.Binding {
	return key.NewBinding(key.WithKeys(ks...), key.WithHelp(help, desc))
}

var keys = keyMap{
	Up:          binding("↑/k", "scroll up", "up", "k"),
	Down:        binding("↓/j", "scroll down", "down", "j"),
	NextFile:    binding("n/tab", "next file", "n", "tab"),
	PrevFile:    binding("N/S-tab", "previous file", "N", "shift+tab"),
	NextFlagged: binding("f", "next critical or conflicting file", "f"),
	NextHunk:    binding("]", "next hunk", "]"),
	PrevHunk:    binding("[", "previous hunk", "["),
	Split:       binding("v", "unified/split", "v"),
	Checks:      binding("c", "validation panel", "c"),
	Help:        binding("?", "help", "?"),
	Quit:        binding("q", "quit", "q", "ctrl+c"),
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.NextHunk, k.PrevHunk},
		{k.NextFile, k.PrevFile, k.NextFlagged},
		{k.Split, k.Checks, k.Help, k.Quit},
	}
}
