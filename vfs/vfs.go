// Package vfs is the handle layer consumed by the FUSE bridge and the
// gateways: open files by inode, read and write through handles, and keep
// unlinked-but-open inodes alive until their last close.
package vfs

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/meta"
)

// HandleID identifies an open handle.
type HandleID uint64

// VFS is the open-file table over a metadata service.
type VFS struct {
	meta *meta.Meta

	mu      sync.Mutex
	next    HandleID
	handles map[HandleID]*Handle
}

// Handle is one open file.
type Handle struct {
	vfs      *VFS
	id       HandleID
	ino      fs.InodeID
	readable bool
	writable bool

	mu     sync.Mutex
	closed bool
}

// New returns a VFS over m.
func New(m *meta.Meta) *VFS {
	return &VFS{meta: m, handles: map[HandleID]*Handle{}}
}

// Meta returns the underlying metadata service.
func (v *VFS) Meta() *meta.Meta {
	return v.meta
}

// Open opens the inode with os-style flags (O_RDONLY, O_WRONLY, O_RDWR,
// O_TRUNC) and returns a handle. The open handle keeps the inode's
// chunks alive across an unlink until Close.
func (v *VFS) Open(ctx context.Context, ino fs.InodeID, flags int) (*Handle, error) {
	a, err := v.meta.GetAttr(ctx, ino)
	if err != nil {
		return nil, err
	}
	if a.Kind == fs.KindDirectory {
		return nil, fmt.Errorf("open inode %d: %w", ino, fs.ErrorIsDirectory)
	}
	h := &Handle{
		vfs:      v,
		ino:      ino,
		readable: flags&os.O_WRONLY == 0,
		writable: flags&(os.O_WRONLY|os.O_RDWR) != 0,
	}
	if flags&os.O_TRUNC != 0 {
		if !h.writable {
			return nil, fmt.Errorf("open inode %d: truncate on read-only handle: %w", ino, fs.ErrorInvalidArgument)
		}
		var zero uint64
		if _, err := v.meta.SetAttr(ctx, ino, meta.SetAttrReq{Size: &zero}); err != nil {
			return nil, err
		}
	}
	v.meta.Retain(ino)
	v.mu.Lock()
	v.next++
	h.id = v.next
	v.handles[h.id] = h
	v.mu.Unlock()
	return h, nil
}

// Handle returns the open handle with the given id.
func (v *VFS) Handle(id HandleID) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, fs.ErrorInvalidArgument)
	}
	return h, nil
}

// ID returns the handle's id.
func (h *Handle) ID() HandleID {
	return h.id
}

// Ino returns the inode the handle is open on.
func (h *Handle) Ino() fs.InodeID {
	return h.ino
}

func (h *Handle) check(write bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle %d: closed: %w", h.id, fs.ErrorInvalidArgument)
	}
	if write && !h.writable {
		return fmt.Errorf("handle %d: not open for writing: %w", h.id, fs.ErrorInvalidArgument)
	}
	if !write && !h.readable {
		return fmt.Errorf("handle %d: not open for reading: %w", h.id, fs.ErrorInvalidArgument)
	}
	return nil
}

// Read returns up to length bytes at off.
func (h *Handle) Read(ctx context.Context, off, length uint64) ([]byte, error) {
	if err := h.check(false); err != nil {
		return nil, err
	}
	return h.vfs.meta.Read(ctx, h.ino, off, length)
}

// Write stores p at off and returns the number of bytes written.
func (h *Handle) Write(ctx context.Context, off uint64, p []byte) (int, error) {
	if err := h.check(true); err != nil {
		return 0, err
	}
	return h.vfs.meta.Write(ctx, h.ino, off, p)
}

// Flush makes the handle's writes durable. Batches commit durably, so
// this is a barrier, not a copy.
func (h *Handle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle %d: closed: %w", h.id, fs.ErrorInvalidArgument)
	}
	return h.vfs.meta.Sync(ctx)
}

// Close releases the handle. Closing the last handle on an unlinked
// inode purges it and frees its blocks.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("handle %d: closed: %w", h.id, fs.ErrorInvalidArgument)
	}
	h.closed = true
	h.mu.Unlock()

	h.vfs.mu.Lock()
	delete(h.vfs.handles, h.id)
	h.vfs.mu.Unlock()
	return h.vfs.meta.ReleaseHandle(ctx, h.ino)
}
