//go:build unix

package fs

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// ToErrno maps an error kind to the errno returned at the FUSE boundary.
// Unknown errors map to EIO.
func ToErrno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrorNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrorAlreadyExists):
		return unix.EEXIST
	case errors.Is(err, ErrorNotDirectory):
		return unix.ENOTDIR
	case errors.Is(err, ErrorIsDirectory):
		return unix.EISDIR
	case errors.Is(err, ErrorNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrorInvalidArgument):
		return unix.EINVAL
	case errors.Is(err, ErrorPermissionDenied):
		return unix.EACCES
	case errors.Is(err, ErrorOutOfSpace):
		return unix.ENOSPC
	case errors.Is(err, ErrorCacheOverflow):
		return unix.ENOMEM
	case errors.Is(err, ErrorNotSupported):
		return unix.ENOSYS
	case errors.Is(err, ErrorCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return unix.EINTR
	}
	// ErrorIntegrity, ErrorVersionMismatch, ErrorIO, ErrorInternal and
	// anything unclassified are all I/O failures as far as the kernel is
	// concerned.
	return unix.EIO
}
