// Package diff parses unified git diffs into the file and hunk view used by the metrics
// collector, the checks and the inspect viewer.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// File is one file of a diff with its parsed fragments.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Path is the name the file is counted under: the new name, or the old name for
// deletions.
func (f *File) Path() string {
	if f.IsDeleted || f.NewName == "" {
		return f.OldName
	}
	return f.NewName
}

// Name returns the display name for the file.
func (f *File) Name() string {
	if f.IsRenamed {
		return fmt.Sprintf("%s → %s", f.OldName, f.NewName)
	}
	return f.Path()
}

// Range is an inclusive span of old-side line numbers touched by one hunk. A pure
// insertion after line p is the point range [p, p].
type Range struct {
	Start int64
	End   int64
}

// Touches reports whether r and o overlap or are adjacent.
func (r Range) Touches(o Range) bool {
	return r.Start <= o.End+1 && o.Start <= r.End+1
}

// OldRanges returns the old-side spans edited by each fragment, in file order.
func (f *File) OldRanges() []Range {
	ranges := make([]Range, 0, len(f.Fragments))
	for _, frag := range f.Fragments {
		if frag.OldLines == 0 {
			ranges = append(ranges, Range{Start: frag.OldPosition, End: frag.OldPosition})
			continue
		}
		ranges = append(ranges, Range{Start: frag.OldPosition, End: frag.OldPosition + frag.OldLines - 1})
	}
	return ranges
}

// Line is one added line with its new-side line number.
type Line struct {
	No   int64
	Text string
}

// Added returns the lines the diff adds to the file.
func (f *File) Added() []Line {
	var out []Line
	for _, frag := range f.Fragments {
		no := frag.NewPosition
		for _, l := range frag.Lines {
			switch l.Op {
			case gitdiff.OpAdd:
				out = append(out, Line{No: no, Text: strings.TrimSuffix(l.Line, "\n")})
				no++
			case gitdiff.OpContext:
				no++
			}
		}
	}
	return out
}

// Removed returns the text of the lines the diff deletes.
func (f *File) Removed() []string {
	var out []string
	for _, frag := range f.Fragments {
		for _, l := range frag.Lines {
			if l.Op == gitdiff.OpDelete {
				out = append(out, strings.TrimSuffix(l.Line, "\n"))
			}
		}
	}
	return out
}

// DiffSet holds the parsed diff for all files.
type DiffSet struct {
	Files []*File
	Raw   string
}

// Stats returns aggregate statistics.
func (ds *DiffSet) Stats() (files, added, deleted int) {
	files = len(ds.Files)
	for _, f := range ds.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Paths returns the sorted, de-duplicated set of changed paths.
func (ds *DiffSet) Paths() []string {
	seen := make(map[string]bool, len(ds.Files))
	paths := make([]string, 0, len(ds.Files))
	for _, f := range ds.Files {
		p := f.Path()
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ByOldName indexes files by their pre-image name. Added files are skipped.
func (ds *DiffSet) ByOldName() map[string]*File {
	out := make(map[string]*File, len(ds.Files))
	for _, f := range ds.Files {
		if f.IsNew || f.OldName == "" {
			continue
		}
		out[f.OldName] = f
	}
	return out
}

// Parse reads a unified diff and returns a DiffSet.
func Parse(raw string) (*DiffSet, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	ds := &DiffSet{Raw: raw}
	for _, f := range parsed {
		df := &File{
			OldName:   f.OldName,
			NewName:   f.NewName,
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			IsRenamed: f.IsRename,
			IsBinary:  f.IsBinary,
		}

		for _, frag := range f.TextFragments {
			df.Fragments = append(df.Fragments, frag)
			df.AddedLines += int(frag.LinesAdded)
			df.DeletedLines += int(frag.LinesDeleted)
		}

		ds.Files = append(ds.Files, df)
	}

	return ds, nil
}
