package vfs_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/cas"
	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/meta"
	"github.com/dirkpetersen/claudefs/reduce"
	"github.com/dirkpetersen/claudefs/storage"
	"github.com/dirkpetersen/claudefs/vfs"
)

func testKey(keyID uint32) ([]byte, error) {
	return bytes.Repeat([]byte{0x42}, 32), nil
}

type world struct {
	index *cas.Index
	alloc *storage.Allocator
	vfs   *vfs.VFS
}

func newWorld(t *testing.T) *world {
	t.Helper()
	db := kv.OpenMemory()
	t.Cleanup(func() { _ = db.Close() })
	alloc, err := storage.New([]storage.Device{storage.NewMemDevice(int64(storage.B64M.Bytes()))}, storage.Options{})
	require.NoError(t, err)
	index := cas.New(db)
	m, err := meta.New(context.Background(), db, index, alloc, testKey, meta.Options{
		Pipeline: reduce.Options{
			Chunker: reduce.ChunkerOptions{MinSize: 256, AvgSize: 1024, MaxSize: 4096},
		},
	})
	require.NoError(t, err)
	return &world{index: index, alloc: alloc, vfs: vfs.New(m)}
}

func (w *world) mkfile(t *testing.T, name string) *meta.Attr {
	t.Helper()
	a, err := w.vfs.Meta().Create(context.Background(), fs.RootID, name, fs.KindRegular, 0, 0, 0644)
	require.NoError(t, err)
	return a
}

func TestHandleReadWrite(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.mkfile(t, "f")

	h, err := w.vfs.Open(ctx, a.Ino, os.O_RDWR)
	require.NoError(t, err)

	n, err := h.Write(ctx, 0, []byte("hello claudefs"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	got, err := h.Read(ctx, 6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("claudefs"), got)

	require.NoError(t, h.Flush(ctx))
	require.NoError(t, h.Close(ctx))

	err = h.Close(ctx)
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
}

func TestHandleModes(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.mkfile(t, "f")
	_, err := w.vfs.Meta().Write(ctx, a.Ino, 0, []byte("content"))
	require.NoError(t, err)

	ro, err := w.vfs.Open(ctx, a.Ino, os.O_RDONLY)
	require.NoError(t, err)
	_, err = ro.Write(ctx, 0, []byte("x"))
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
	_, err = ro.Read(ctx, 0, 7)
	require.NoError(t, err)
	require.NoError(t, ro.Close(ctx))

	wo, err := w.vfs.Open(ctx, a.Ino, os.O_WRONLY)
	require.NoError(t, err)
	_, err = wo.Read(ctx, 0, 7)
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
	_, err = wo.Write(ctx, 0, []byte("C"))
	require.NoError(t, err)
	require.NoError(t, wo.Close(ctx))
}

func TestOpenTrunc(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.mkfile(t, "f")
	_, err := w.vfs.Meta().Write(ctx, a.Ino, 0, bytes.Repeat([]byte{1}, 10_000))
	require.NoError(t, err)

	h, err := w.vfs.Open(ctx, a.Ino, os.O_RDWR|os.O_TRUNC)
	require.NoError(t, err)
	attr, err := w.vfs.Meta().GetAttr(ctx, a.Ino)
	require.NoError(t, err)
	assert.Zero(t, attr.Size)
	require.NoError(t, h.Close(ctx))

	_, err = w.vfs.Open(ctx, a.Ino, os.O_RDONLY|os.O_TRUNC)
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
}

func TestOpenDirectory(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	d, err := w.vfs.Meta().Create(ctx, fs.RootID, "d", fs.KindDirectory, 0, 0, 0755)
	require.NoError(t, err)
	_, err = w.vfs.Open(ctx, d.Ino, os.O_RDONLY)
	assert.ErrorIs(t, err, fs.ErrorIsDirectory)
}

// The open-but-unlinked invariant: unlink with a live handle defers the
// chunk release to the last close.
func TestOpenButUnlinked(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.mkfile(t, "f")
	m := w.vfs.Meta()
	data := bytes.Repeat([]byte{0xCD}, 50_000)
	_, err := m.Write(ctx, a.Ino, 0, data)
	require.NoError(t, err)

	h, err := w.vfs.Open(ctx, a.Ino, os.O_RDWR)
	require.NoError(t, err)
	h2, err := w.vfs.Open(ctx, a.Ino, os.O_RDONLY)
	require.NoError(t, err)

	require.NoError(t, m.Unlink(ctx, fs.RootID, "f"))

	// the name is gone but the handles still see the bytes
	_, err = m.Lookup(ctx, fs.RootID, "f")
	assert.ErrorIs(t, err, fs.ErrorNotFound)
	got, err := h.Read(ctx, 0, uint64(len(data)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	n, err := w.index.Len(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0, "chunks must stay while a handle is open")

	// writes through the surviving handle still work
	_, err = h.Write(ctx, 0, []byte("still alive"))
	require.NoError(t, err)

	require.NoError(t, h.Close(ctx))
	n, err = w.index.Len(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 0, "one handle remains")

	require.NoError(t, h2.Close(ctx))
	n, err = w.index.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "last close must purge the chunks")
	_, usedAfter, err := w.alloc.Usage(0)
	require.NoError(t, err)
	assert.Zero(t, usedAfter)

	_, err = m.GetAttr(ctx, a.Ino)
	assert.ErrorIs(t, err, fs.ErrorNotFound)
}

func TestHandleLookup(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	a := w.mkfile(t, "f")
	h, err := w.vfs.Open(ctx, a.Ino, os.O_RDONLY)
	require.NoError(t, err)

	got, err := w.vfs.Handle(h.ID())
	require.NoError(t, err)
	assert.Equal(t, a.Ino, got.Ino())

	require.NoError(t, h.Close(ctx))
	_, err = w.vfs.Handle(h.ID())
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
}
