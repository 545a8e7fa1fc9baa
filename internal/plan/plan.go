// Package plan turns a pair of snapshots into an ordered list of sync actions.
//
// Build is pure: it performs no I/O and returns the same actions for the same
// snapshots, which makes it safe to call for dry runs and easy to test.
package plan

import (
	"fmt"
	"time"

	"github.com/schaermu/dirsyncd/internal/scan"
)

// Kind is the type of a planned action.
type Kind string

const (
	Copy   Kind = "copy"
	Update Kind = "update"
	Delete Kind = "delete"
	Skip   Kind = "skip"
)

// Action is a single planned filesystem operation. Source is nil for
// deletes, Dest is nil for copies.
type Action struct {
	Kind   Kind
	Path   string // slash-separated relative path
	Source *scan.Entry
	Dest   *scan.Entry
	Reason string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.Path, a.Reason)
}

// Options controls how entries present on both sides are compared and what
// happens to extra destination entries.
type Options struct {
	// PreserveExtra turns deletes of destination-only entries into skips.
	PreserveExtra bool
	// CompareHash compares content hashes instead of modification times.
	// Both snapshots must have been scanned with hashing enabled.
	CompareHash bool
	// ModTimeWindow is the tolerance for modification time comparison.
	ModTimeWindow time.Duration
}

// Counts tallies actions by kind.
type Counts struct {
	Copy   int `json:"copy"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Skip   int `json:"skip"`
}

// Total returns the number of counted actions.
func (c Counts) Total() int {
	return c.Copy + c.Update + c.Delete + c.Skip
}

// Count tallies actions by kind.
func Count(actions []Action) Counts {
	var c Counts
	for _, a := range actions {
		switch a.Kind {
		case Copy:
			c.Copy++
		case Update:
			c.Update++
		case Delete:
			c.Delete++
		case Skip:
			c.Skip++
		}
	}
	return c
}

// Build merge-joins src and dst by relative path. Both snapshots must be
// sorted by RelPath, as produced by the scanner. The result is ordered by
// path.
func Build(src, dst *scan.Snapshot, opts Options) []Action {
	var srcEntries, dstEntries []scan.Entry
	if src != nil {
		srcEntries = src.Entries
	}
	if dst != nil {
		dstEntries = dst.Entries
	}

	actions := make([]Action, 0, max(len(srcEntries), len(dstEntries)))
	i, j := 0, 0
	for i < len(srcEntries) || j < len(dstEntries) {
		switch {
		case j >= len(dstEntries) || (i < len(srcEntries) && srcEntries[i].RelPath < dstEntries[j].RelPath):
			s := &srcEntries[i]
			actions = append(actions, Action{Kind: Copy, Path: s.RelPath, Source: s, Reason: "missing in destination"})
			i++

		case i >= len(srcEntries) || dstEntries[j].RelPath < srcEntries[i].RelPath:
			d := &dstEntries[j]
			if opts.PreserveExtra {
				actions = append(actions, Action{Kind: Skip, Path: d.RelPath, Dest: d, Reason: "extra in destination, preserved"})
			} else {
				actions = append(actions, Action{Kind: Delete, Path: d.RelPath, Dest: d, Reason: "missing in source"})
			}
			j++

		default:
			s, d := &srcEntries[i], &dstEntries[j]
			if reason, changed := compare(s, d, opts); changed {
				actions = append(actions, Action{Kind: Update, Path: s.RelPath, Source: s, Dest: d, Reason: reason})
			} else {
				actions = append(actions, Action{Kind: Skip, Path: s.RelPath, Source: s, Dest: d, Reason: reason})
			}
			i++
			j++
		}
	}

	return actions
}

// compare decides whether d must be rewritten from s. Size is checked first
// so a size change is an update even when timestamps agree.
func compare(s, d *scan.Entry, opts Options) (string, bool) {
	if s.Size != d.Size {
		return fmt.Sprintf("size differs (%d != %d)", s.Size, d.Size), true
	}

	if opts.CompareHash {
		if s.Hash != d.Hash {
			return "content hash differs", true
		}
		return "identical content", false
	}

	diff := s.ModTime.Sub(d.ModTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > opts.ModTimeWindow {
		return "modification time differs", true
	}
	return "identical metadata", false
}
