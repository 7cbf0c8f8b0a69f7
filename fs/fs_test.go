//go:build unix

package fs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestToErrno(t *testing.T) {
	for _, test := range []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{ErrorNotFound, unix.ENOENT},
		{ErrorAlreadyExists, unix.EEXIST},
		{ErrorNotDirectory, unix.ENOTDIR},
		{ErrorIsDirectory, unix.EISDIR},
		{ErrorNotEmpty, unix.ENOTEMPTY},
		{ErrorInvalidArgument, unix.EINVAL},
		{ErrorPermissionDenied, unix.EACCES},
		{ErrorOutOfSpace, unix.ENOSPC},
		{ErrorCacheOverflow, unix.ENOMEM},
		{ErrorIntegrity, unix.EIO},
		{ErrorVersionMismatch, unix.EIO},
		{ErrorNotSupported, unix.ENOSYS},
		{ErrorCancelled, unix.EINTR},
		{context.Canceled, unix.EINTR},
		{ErrorIO, unix.EIO},
		{ErrorInternal, unix.EIO},
		{errors.New("anything else"), unix.EIO},
	} {
		assert.Equal(t, test.want, ToErrno(test.err), "%v", test.err)
	}
}

func TestToErrnoWrapped(t *testing.T) {
	err := fmt.Errorf("create %q: %w", "x", ErrorAlreadyExists)
	assert.Equal(t, unix.EEXIST, ToErrno(err))
	err = fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrorNotEmpty))
	assert.Equal(t, unix.ENOTEMPTY, ToErrno(err))
}

func TestCancelCause(t *testing.T) {
	assert.ErrorIs(t, CancelCause(context.Canceled), ErrorCancelled)
	assert.ErrorIs(t, CancelCause(context.DeadlineExceeded), ErrorCancelled)
	other := errors.New("not a cancel")
	assert.Equal(t, other, CancelCause(other))
	assert.NoError(t, CancelCause(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "file", KindRegular.String())
	assert.Equal(t, "directory", KindDirectory.String())
	assert.Equal(t, "symlink", KindSymlink.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
