// Package scan builds metadata snapshots of directory trees.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/schaermu/dirsyncd/internal/hashing"
	"github.com/schaermu/dirsyncd/internal/syncerr"
)

// TempFilePrefix marks in-flight files written by the executor. Such files
// are never part of a snapshot.
const TempFilePrefix = ".dirsyncd-tmp-"

// Entry describes one regular file.
type Entry struct {
	RelPath string // slash-separated, relative to the snapshot root
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode // permission bits
	Hash    string      // hex digest, empty unless hashing was requested
}

// Warning is a non-fatal problem encountered during a scan.
type Warning struct {
	Path    string
	Message string
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Message
	}
	return w.Path + ": " + w.Message
}

// Snapshot is a point-in-time listing of a tree, sorted by RelPath.
type Snapshot struct {
	Root     string
	Entries  []Entry
	Warnings []Warning
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// Lookup finds the entry for rel.
func (s *Snapshot) Lookup(rel string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].RelPath >= rel
	})
	if i < len(s.Entries) && s.Entries[i].RelPath == rel {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Options tunes a single scan.
type Options struct {
	// Filter selects files; nil includes everything.
	Filter *Filter
	// Hash, when set, fills Entry.Hash using the named algorithm.
	Hash hashing.Algorithm
	// AllowMissingRoot turns a non-existent root into an empty snapshot
	// instead of an error.
	AllowMissingRoot bool
}

// Scanner walks directory trees.
type Scanner struct {
	logger *slog.Logger
}

// NewScanner creates a new scanner.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// Scan walks root and returns its snapshot. Failures are returned as scan
// errors.
//
// Symlinks are followed. A symlinked directory pointing at one of its own
// ancestors is a cycle; it is reported as a warning and not descended into.
// Each real directory is followed through a symlink at most once, later links
// to it are reported as warnings. Plain directories are always walked.
func (s *Scanner) Scan(ctx context.Context, root string, opts Options) (*Snapshot, error) {
	snap := &Snapshot{Root: root}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && opts.AllowMissingRoot {
			s.logger.Debug("scan root does not exist, using empty snapshot", "root", root)
			return snap, nil
		}
		return nil, syncerr.Scan(root, err)
	}
	if !info.IsDir() {
		return nil, syncerr.Scan(root, fmt.Errorf("not a directory"))
	}

	w := &walker{
		ctx:       ctx,
		opts:      opts,
		ancestors: make(map[string]bool),
		followed:  make(map[string]string),
		snap:      snap,
	}
	if err := w.walk(root, "", false); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	// Walk order is per directory; a/b sorts before a.txt there but not by
	// full path, so sort once more.
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].RelPath < snap.Entries[j].RelPath
	})

	for _, warn := range snap.Warnings {
		s.logger.Warn("scan warning", "root", root, "path", warn.Path, "warning", warn.Message)
	}
	s.logger.Debug("scan complete", "root", root, "entries", len(snap.Entries), "warnings", len(snap.Warnings))

	return snap, nil
}

type walker struct {
	ctx       context.Context
	opts      Options
	ancestors map[string]bool   // real paths of the directories being walked
	followed  map[string]string // real path -> first symlink that led there
	snap      *Snapshot
}

func (w *walker) warn(rel, format string, args ...any) {
	w.snap.Warnings = append(w.snap.Warnings, Warning{Path: rel, Message: fmt.Sprintf(format, args...)})
}

func (w *walker) walk(dir, rel string, viaLink bool) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}

	realPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return syncerr.Scan(dir, err)
	}
	if w.ancestors[realPath] {
		w.warn(rel, "symlink cycle: %s is an ancestor, not following", realPath)
		return nil
	}
	if viaLink {
		if first, ok := w.followed[realPath]; ok {
			w.warn(rel, "%s already followed through %s, not following", realPath, first)
			return nil
		}
		w.followed[realPath] = rel
	}
	w.ancestors[realPath] = true
	defer delete(w.ancestors, realPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return syncerr.Scan(dir, err)
	}

	for _, de := range entries {
		name := de.Name()
		if strings.HasPrefix(name, TempFilePrefix) {
			continue
		}

		full := filepath.Join(dir, name)
		childRel := path.Join(rel, name)

		info, err := w.stat(de, full)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if de.Type()&fs.ModeSymlink != 0 {
					w.warn(childRel, "broken symlink, skipping")
				} else {
					w.warn(childRel, "vanished during scan, skipping")
				}
				continue
			}
			if errors.Is(err, syscall.ELOOP) {
				w.warn(childRel, "symlink loop, skipping")
				continue
			}
			return syncerr.Scan(full, err)
		}

		if info.IsDir() {
			if w.opts.Filter.ExcludesDir(childRel) {
				continue
			}
			if err := w.walk(full, childRel, de.Type()&fs.ModeSymlink != 0); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			w.warn(childRel, "not a regular file (%s), skipping", info.Mode().Type())
			continue
		}
		if !w.opts.Filter.Match(childRel) {
			continue
		}

		entry := Entry{
			RelPath: childRel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode().Perm(),
		}
		if w.opts.Hash != "" {
			h, err := hashing.File(full, w.opts.Hash)
			if err != nil {
				return syncerr.Scan(full, fmt.Errorf("failed to hash: %w", err))
			}
			entry.Hash = h
		}
		w.snap.Entries = append(w.snap.Entries, entry)
	}

	return nil
}

// stat returns file info, following symlinks.
func (w *walker) stat(de fs.DirEntry, full string) (fs.FileInfo, error) {
	if de.Type()&fs.ModeSymlink != 0 {
		return os.Stat(full)
	}
	return de.Info()
}
