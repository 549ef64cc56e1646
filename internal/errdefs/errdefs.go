// Package errdefs maps the daemon's error kinds onto the sentinel values
// from github.com/containerd/errdefs, the same way
// plugins/snapshots/devmapper/metadata.go re-exports errdefs.ErrNotFound and
// errdefs.ErrAlreadyExists as its own package-level names.
package errdefs

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

var (
	// ErrIntegrityFailure covers signature mismatches, verity descriptor
	// inconsistency, wrong digests, and unauthorized keys.
	ErrIntegrityFailure = errdefs.ErrFailedPrecondition

	// ErrKernelResourceBusy covers loop allocation, dm-verity creation,
	// mount, and umount failures that are plausibly transient.
	ErrKernelResourceBusy = errdefs.ErrUnavailable

	// ErrResourceConflict covers a loop or verity device name already in
	// use by a live resource this call did not expect to find.
	ErrResourceConflict = errdefs.ErrConflict

	// ErrInvariantViolation covers already-active, duplicate mount, and
	// missing registry record conditions.
	ErrInvariantViolation = errdefs.ErrFailedPrecondition

	// ErrAlreadyExists is used where the invariant violation is
	// specifically a duplicate.
	ErrAlreadyExists = errdefs.ErrAlreadyExists

	// ErrSessionState covers illegal session state transitions.
	ErrSessionState = errdefs.ErrFailedPrecondition

	// ErrSessionNotFound covers references to an unknown session id.
	ErrSessionNotFound = errdefs.ErrNotFound

	// ErrExternalHookFailure wraps a non-zero exit from the pre/post
	// install hook executor.
	ErrExternalHookFailure = errdefs.ErrUnknown
)

// Wrapf wraps err with a formatted message and the sentinel kind, matching
// the "%w"-wrapped-sentinel idiom used throughout the devmapper metadata
// store (e.g. fmt.Errorf("...: %w", ErrAlreadyExists)).
func Wrapf(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Wrapf(kind, format, args...)
	}
	return errors.Wrapf(fmt.Errorf("%w: %w", kind, err), format, args...)
}

// IsIntegrityFailure reports whether err (or its cause chain) is an
// integrity failure.
func IsIntegrityFailure(err error) bool { return errdefs.IsFailedPrecondition(err) }

// IsKernelResourceBusy reports whether err represents a transient kernel
// resource contention.
func IsKernelResourceBusy(err error) bool { return errdefs.IsUnavailable(err) }

// IsSessionNotFound reports whether err refers to an unknown session id.
func IsSessionNotFound(err error) bool { return errdefs.IsNotFound(err) }
