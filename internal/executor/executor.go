// Package executor applies planned sync actions to a destination tree.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/dirsyncd/internal/plan"
	"github.com/schaermu/dirsyncd/internal/scan"
	"github.com/schaermu/dirsyncd/internal/syncerr"
)

// Outcome is the final state of one action.
type Outcome string

const (
	Success Outcome = "success"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
)

// Advisory texts attached to skipped results.
const (
	AdvisoryDeleteNotAllowed = "delete not allowed, destination file kept"
	AdvisoryCancelled        = "not started, run cancelled"
)

// Result is the outcome of applying one action.
type Result struct {
	Action   plan.Action
	Outcome  Outcome
	Err      error  // set when Outcome is Failed, or the cancellation cause
	Advisory string // non-fatal notice, e.g. a downgraded delete
	Attempts int
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int // including the first try
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures an Executor.
type Options struct {
	Workers     int
	AllowDelete bool
	Retry       RetryPolicy
}

// Executor applies actions from a source filesystem to a destination
// filesystem. Paths are relative to the roots of both filesystems.
type Executor struct {
	src    billy.Filesystem
	dst    billy.Filesystem
	opts   Options
	logger *slog.Logger

	locks  pathLocks
	tmpSeq atomic.Uint64
}

// New creates a new executor.
func New(src, dst billy.Filesystem, opts Options, logger *slog.Logger) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Executor{
		src:    src,
		dst:    dst,
		opts:   opts,
		logger: logger,
	}
}

// Execute applies actions on a bounded worker pool and returns exactly one
// Result per action, in action order. A failing action does not stop the
// others.
//
// Deletes run first, in their own wave, so a file and a directory of the same
// name never race: a copy of x/y only starts once a stale file x is gone,
// and a copy of x once the files below a stale directory x are gone.
//
// Once ctx is done no further actions are started; actions already running
// are allowed to finish, and the rest are reported as skipped.
func (e *Executor) Execute(ctx context.Context, actions []plan.Action) []Result {
	results := make([]Result, len(actions))
	started := make([]bool, len(actions))
	runCtx := context.WithoutCancel(ctx)

	for _, wave := range waves(actions) {
		if ctx.Err() != nil {
			break
		}

		var g errgroup.Group
		g.SetLimit(e.opts.Workers)
		for _, i := range wave {
			if ctx.Err() != nil {
				break
			}
			// Go blocks while the pool is full, so ctx is checked again
			// once a slot is taken.
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				started[i] = true
				results[i] = e.apply(runCtx, actions[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	notStarted := 0
	for i := range actions {
		if started[i] {
			continue
		}
		notStarted++
		results[i] = Result{
			Action:   actions[i],
			Outcome:  Skipped,
			Err:      context.Cause(ctx),
			Advisory: AdvisoryCancelled,
		}
	}
	if notStarted > 0 {
		e.logger.Warn("run cancelled, remaining actions not started",
			"started", len(actions)-notStarted,
			"not_started", notStarted)
	}

	return results
}

// waves splits action indexes into deletes and everything else.
func waves(actions []plan.Action) [][]int {
	var deletes, rest []int
	for i, a := range actions {
		if a.Kind == plan.Delete {
			deletes = append(deletes, i)
		} else {
			rest = append(rest, i)
		}
	}
	return [][]int{deletes, rest}
}

// apply runs a single action while holding the lock for its path.
func (e *Executor) apply(ctx context.Context, a plan.Action) Result {
	unlock := e.locks.lock(a.Path)
	defer unlock()

	switch a.Kind {
	case plan.Skip:
		return Result{Action: a, Outcome: Skipped}

	case plan.Delete:
		if !e.opts.AllowDelete {
			e.logger.Info("delete not allowed, keeping file", "path", a.Path)
			return Result{Action: a, Outcome: Skipped, Advisory: AdvisoryDeleteNotAllowed}
		}
		e.logger.Info("deleting file", "path", a.Path)
		return e.run(ctx, a, func() error { return e.removeFile(a.Path) })

	case plan.Copy, plan.Update:
		if a.Source == nil {
			return e.fail(a, 0, fmt.Errorf("no source entry"))
		}
		if a.Kind == plan.Copy {
			e.logger.Info("copying file", "path", a.Path)
		} else {
			e.logger.Info("updating file", "path", a.Path, "reason", a.Reason)
		}
		return e.run(ctx, a, func() error { return e.copyFile(a.Source) })

	default:
		return e.fail(a, 0, fmt.Errorf("unknown action kind %q", a.Kind))
	}
}

// run executes op, retrying transient failures with exponential backoff.
func (e *Executor) run(ctx context.Context, a plan.Action, op func() error) Result {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.Retry.InitialInterval
	b.MaxInterval = e.opts.Retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.Retry.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err != nil && !syncerr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.logger.Warn("transient failure, retrying",
			"path", a.Path,
			"action", a.Kind,
			"attempt", attempts,
			"wait", wait,
			"error", err)
	})
	if err != nil {
		return e.fail(a, attempts, err)
	}

	return Result{Action: a, Outcome: Success, Attempts: attempts}
}

func (e *Executor) fail(a plan.Action, attempts int, err error) Result {
	e.logger.Error("action failed", "path", a.Path, "action", a.Kind, "attempts", attempts, "error", err)
	return Result{
		Action:   a,
		Outcome:  Failed,
		Err:      syncerr.Action(string(a.Kind), a.Path, err),
		Attempts: attempts,
	}
}

// copyFile copies src to the same relative path in the destination with an
// atomic write, then applies the source mode and modification time so an
// identical plan skips the file next time.
func (e *Executor) copyFile(src *scan.Entry) error {
	name := filepath.FromSlash(src.RelPath)

	in, err := e.src.Open(name)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	dir := filepath.Dir(name)
	if dir != "." {
		if err := e.dst.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	mode := src.Mode
	if mode == 0 {
		mode = 0644
	}

	tmpName := e.dst.Join(dir, scan.TempFilePrefix+filepath.Base(name)+"-"+e.tmpSuffix())
	out, err := e.dst.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = e.dst.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if ch, ok := e.dst.(chmoder); ok {
		if err := ch.Chmod(tmpName, mode); err != nil {
			return err
		}
	}

	if err := e.clearDirInTheWay(name); err != nil {
		return err
	}
	if err := e.dst.Rename(tmpName, name); err != nil {
		return err
	}
	renamed = true

	if ch, ok := e.dst.(chtimeser); ok && !src.ModTime.IsZero() {
		if err := ch.Chtimes(name, src.ModTime, src.ModTime); err != nil {
			return err
		}
	}

	return nil
}

// clearDirInTheWay removes a directory at name that holds no files, so a
// file can take its place. A directory that still holds files is an error.
func (e *Executor) clearDirInTheWay(name string) error {
	info, err := e.dst.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return e.removeEmptyDir(name)
}

func (e *Executor) removeEmptyDir(dir string) error {
	entries, err := e.dst.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range entries {
		if !fi.IsDir() {
			return fmt.Errorf("%s is a directory that still holds files", dir)
		}
		if err := e.removeEmptyDir(e.dst.Join(dir, fi.Name())); err != nil {
			return err
		}
	}
	return e.dst.Remove(dir)
}

// removeFile deletes rel from the destination. A file that is already gone
// counts as deleted.
func (e *Executor) removeFile(rel string) error {
	err := e.dst.Remove(filepath.FromSlash(rel))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (e *Executor) tmpSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(e.tmpSeq.Add(1), 36) + ".tmp"
}

// pathLocks serializes work on the same destination path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
