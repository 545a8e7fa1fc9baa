// Package syncerr defines the error taxonomy shared by the sync stages.
//
// Every error that crosses a stage boundary carries a Kind so callers can
// decide between aborting the run (config, scan), recording a per-action
// failure (action) or retrying (transient).
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Kind classifies an error by how the engine reacts to it.
type Kind string

const (
	// KindConfig marks a configuration that cannot be read, parsed or validated.
	// It is fatal and aborts the run before scanning.
	KindConfig Kind = "config"

	// KindScan marks a tree that cannot be scanned. It is fatal for the run.
	KindScan Kind = "scan"

	// KindAction marks a failure isolated to a single action.
	KindAction Kind = "action"

	// KindTransient marks a failure worth retrying. It escalates to
	// KindAction once retries are exhausted.
	KindTransient Kind = "transient"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "load", "scan", "copy"
	Path string // file or directory involved, if any
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s error: %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Config wraps err as a configuration error.
func Config(op string, err error) error {
	return New(KindConfig, op, "", err)
}

// Configf formats a configuration error.
func Configf(format string, args ...any) error {
	return New(KindConfig, "", "", fmt.Errorf(format, args...))
}

// Scan wraps err as a scan error for path.
func Scan(path string, err error) error {
	return New(KindScan, "scan", path, err)
}

// Action wraps err as an action error.
func Action(op, path string, err error) error {
	return New(KindAction, op, path, err)
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return New(KindTransient, "", "", err)
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or the empty string if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in err's chain is classified as kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// transientErrnos are errors the filesystem may return while a resource is
// locked or briefly unavailable.
var transientErrnos = []error{
	syscall.EBUSY,
	syscall.EAGAIN,
	syscall.ETXTBSY,
	syscall.EINTR,
	syscall.ETIMEDOUT,
}

// IsTransient reports whether err is worth retrying: either explicitly marked
// with Transient or caused by a lock/busy/timeout condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
