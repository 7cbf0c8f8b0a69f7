package fs

import (
	"context"
	"errors"
)

// Error kinds surfaced by the core. Callers classify with errors.Is; the
// FUSE bridge maps them to errnos with ToErrno. Subsystems wrap these with
// fmt.Errorf("...: %w", ...) to add detail without losing the kind.
var (
	ErrorNotFound         = errors.New("not found")
	ErrorAlreadyExists    = errors.New("already exists")
	ErrorNotDirectory     = errors.New("not a directory")
	ErrorIsDirectory      = errors.New("is a directory")
	ErrorNotEmpty         = errors.New("directory not empty")
	ErrorInvalidArgument  = errors.New("invalid argument")
	ErrorPermissionDenied = errors.New("permission denied")
	ErrorOutOfSpace       = errors.New("out of space")
	ErrorCacheOverflow    = errors.New("cache overflow")
	ErrorIntegrity        = errors.New("integrity check failed")
	ErrorVersionMismatch  = errors.New("unknown record version")
	ErrorNotSupported     = errors.New("operation not supported")
	ErrorCancelled        = errors.New("operation cancelled locally")
	ErrorIO               = errors.New("i/o error")
	ErrorInternal         = errors.New("internal error")
)

// CancelCause turns a context error into ErrorCancelled so it classifies
// like every other kind.
func CancelCause(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCancelled
	}
	return err
}
