// Package backend defines the narrow byte-range read/write abstraction
// spec.md §4.3 and §6 describe: a Driver is the single interface core code
// depends on for durable storage, so the physical storage choice (local
// filesystem, object store, remote agent) stays an external collaborator.
//
// The retry wrapper in this package formalizes the exponential-backoff
// pattern the teacher's reconnect.go hand-rolls for its TCP client into a
// generic decorator over any Driver, using github.com/cenkalti/backoff/v4 —
// the library restic's own internal/repository/repository.go imports for
// the identical job.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies one of the six named collections a repository's backend
// groups files into, per spec.md §6's repository layout.
type Kind string

const (
	KindConfig   Kind = "config"
	KindKey      Kind = "key"
	KindSnapshot Kind = "snapshot"
	KindIndex    Kind = "index"
	KindPack     Kind = "pack"
	KindLock     Kind = "lock"
)

// Entry describes one named file a Driver lists.
type Entry struct {
	Name string
	Size int64
}

// Driver is the byte-range I/O abstraction spec.md §6 specifies. Every
// method takes a context so long-running network or disk operations are
// cancellable at the "safe points" spec.md §5 describes (before each pack
// upload, before each file open).
type Driver interface {
	// List enumerates all names stored under kind.
	List(ctx context.Context, kind Kind) ([]Entry, error)

	// ReadFull reads an entire named file.
	ReadFull(ctx context.Context, kind Kind, name string) ([]byte, error)

	// ReadRange reads length bytes starting at offset from a named file.
	ReadRange(ctx context.Context, kind Kind, name string, offset, length int64) ([]byte, error)

	// WriteFull writes an entire named file. cacheable is a hint the local
	// blob cache (package cache) uses to decide whether to retain a copy;
	// drivers for cold storage tiers may use it to choose a hot mirror.
	WriteFull(ctx context.Context, kind Kind, name string, data []byte, cacheable bool) error

	// Remove deletes a named file. Removing an already-absent file is not
	// an error (spec.md §4.10: "delete is idempotent: missing-then-missing
	// is success").
	Remove(ctx context.Context, kind Kind, name string) error
}

// WarmUpper is an optional capability a Driver may implement for cold
// storage tiers, per spec.md §6 ("optional: warm_up(kind, names),
// warm_up_wait(duration)"). Drivers that don't need pre-fetch hints simply
// don't implement it; callers type-assert before using it.
type WarmUpper interface {
	WarmUp(ctx context.Context, kind Kind, names []string) error
	WarmUpWait(ctx context.Context) error
}

// TransientError marks a backend failure the retry wrapper should retry
// (network timeouts, 5xx-equivalent errors), per spec.md §7's
// `BackendTransient` error kind. Permanent errors (auth failures,
// not-found) are returned unwrapped and surface immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("backend: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the retry wrapper treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or one of its wrapped causes) is marked
// transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ErrNotFound is returned by ReadFull/ReadRange/Remove (on best-effort
// drivers that choose to report it) when the named file does not exist.
// It is a permanent error per spec.md §7's `NotFound` kind.
var ErrNotFound = errors.New("backend: not found")
