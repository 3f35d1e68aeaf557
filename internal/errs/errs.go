// Package errs defines the error-kind taxonomy used across the union
// filesystem core and the conversion of those kinds into the errno values
// the host VFS (via jacobsa/fuse) expects from a FileSystem method.
//
// No third-party error-wrapping library appears anywhere in the retrieved
// example pack, so this package is stdlib errors.Is/As by necessity
// rather than choice.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies an error without pinning it to a specific errno, mirroring
// spec.md §7's "kinds, not specific codes" taxonomy.
type Kind int

const (
	// KindLowerFS passes a lower-filesystem error through unchanged.
	KindLowerFS Kind = iota
	KindValidation
	KindNotFound
	KindStale
	KindReadOnlyFS
	KindNotEmpty
	KindNoResources
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindStale:
		return "stale"
	case KindReadOnlyFS:
		return "read-only-fs"
	case KindNotEmpty:
		return "not-empty"
	case KindNoResources:
		return "no-resources"
	default:
		return "lower-fs"
	}
}

// Error is a kinded error. The wrapped Cause, when present, is preserved
// for errors.Is/As and logging.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinded error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a kinded error around an existing cause.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Stale reports a fan-out that could not be revalidated (spec.md §4.3/§7):
// "Must propagate to the VFS as STALE so the host retries the path walk."
func Stale(msg string) error { return New(KindStale, msg) }

// ReadOnlyFS reports a write that could not be recovered by stepping to a
// lower-indexed writable branch.
func ReadOnlyFS(msg string) error { return New(KindReadOnlyFS, msg) }

// NotEmpty reports rmdir on a directory with non-whiteout entries.
func NotEmpty(msg string) error { return New(KindNotEmpty, msg) }

// NoResources reports allocation or lower-open failure requiring full
// unwind of partial fan-out state.
func NoResources(msg string, cause error) error { return Wrap(KindNoResources, msg, cause) }

// NotFound reports a lookup with no lower positive and no creation target.
func NotFound(msg string) error { return New(KindNotFound, msg) }

// KindOf extracts the Kind from err, defaulting to KindLowerFS for errors
// we did not produce ourselves (pass-through policy, spec.md §7).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindLowerFS
}

// ToErrno maps a Kind (or a raw syscall.Errno/os-level error) to the errno
// value a fuseops.Op.Respond call should carry. This is the single boundary
// conversion point referenced by SPEC_FULL.md's ambient "errors" section;
// everything above this layer deals in Kind, not in specific numbers.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch KindOf(err) {
	case KindValidation:
		return syscall.EINVAL
	case KindNotFound:
		return syscall.ENOENT
	case KindStale:
		return syscall.ESTALE
	case KindReadOnlyFS:
		return syscall.EROFS
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindNoResources:
		return syscall.ENOMEM
	default:
		return err
	}
}
