// Package meta is the metadata service: inodes, directories, extended
// attributes and symlinks over the keyed byte store, with file I/O
// delegated to the reduction pipeline. Every mutation is one atomic
// batch, so a crash never leaves a half-applied operation.
package meta

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirkpetersen/claudefs/cas"
	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/reduce"
	"github.com/dirkpetersen/claudefs/storage"
)

// lockStripes serializes inode access. Writers take the stripe exclusive
// for the duration of their batch; readers share it.
const lockStripes = 64

// maxNameLen bounds directory entry names.
const maxNameLen = 255

// PlacementPolicy chooses the allocator hint for a file write. The
// default places all file data hot.
type PlacementPolicy func(ino fs.InodeID, off, length uint64) storage.PlacementHint

// Options configures the metadata service.
type Options struct {
	Pipeline  reduce.Options
	Placement PlacementPolicy
}

// Meta is the metadata service over one store.
type Meta struct {
	db    *kv.DB
	index *cas.Index
	alloc *storage.Allocator
	pipe  *reduce.Pipeline
	place PlacementPolicy

	nextIno atomic.Uint64
	locks   [lockStripes]sync.RWMutex

	openMu sync.Mutex
	open   map[fs.InodeID]int // open handle count per inode
}

// New opens the metadata service: builds the pipeline, creates the root
// directory on a fresh store, restores the inode counter, and sweeps
// inodes orphaned by a crash while they were open-but-unlinked.
func New(ctx context.Context, db *kv.DB, index *cas.Index, alloc *storage.Allocator, keys reduce.KeyResolver, opt Options) (*Meta, error) {
	pipe, err := reduce.NewPipeline(index, alloc, keys, opt.Pipeline)
	if err != nil {
		return nil, err
	}
	if opt.Placement == nil {
		opt.Placement = func(fs.InodeID, uint64, uint64) storage.PlacementHint {
			return storage.HintHotData
		}
	}
	m := &Meta{
		db:    db,
		index: index,
		alloc: alloc,
		pipe:  pipe,
		place: opt.Placement,
		open:  map[fs.InodeID]int{},
	}
	if err := m.start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// start initializes root, the inode counter, and sweeps orphans.
func (m *Meta) start(ctx context.Context) error {
	maxIno := uint64(fs.RootID)
	var orphans []*Attr
	err := m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		orphans = orphans[:0]
		err := kv.ScanPrefix(b, inodePrefix, func(k, v []byte) error {
			ino := binary.BigEndian.Uint64(k[len(inodePrefix):])
			if ino > maxIno {
				maxIno = ino
			}
			a, err := unmarshalAttr(v)
			if err != nil {
				return fmt.Errorf("inode %d: %w", ino, err)
			}
			if a.Nlink == 0 {
				orphans = append(orphans, a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !kv.Has(b, inodeKey(fs.RootID)) {
			now := time.Now().UnixNano()
			root := &Attr{
				Ino:   fs.RootID,
				Kind:  fs.KindDirectory,
				Mode:  0755,
				Nlink: 2,
				Atime: now,
				Mtime: now,
				Ctime: now,
			}
			return b.Put(inodeKey(fs.RootID), marshalAttr(root))
		}
		return nil
	}))
	if err != nil {
		return err
	}
	m.nextIno.Store(maxIno)

	// inodes at nlink 0 were open-but-unlinked when the process died;
	// nothing can reach them now
	for _, a := range orphans {
		fs.Infof(a, "sweeping orphaned inode")
		if err := m.purge(ctx, a.Ino); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline returns the reduction pipeline of this store.
func (m *Meta) Pipeline() *reduce.Pipeline {
	return m.pipe
}

// Index returns the deduplication index of this store.
func (m *Meta) Index() *cas.Index {
	return m.index
}

// allocIno hands out the next inode id.
func (m *Meta) allocIno() fs.InodeID {
	return fs.InodeID(m.nextIno.Add(1))
}

func now() int64 {
	return time.Now().UnixNano()
}

// stripe returns the lock index for an inode.
func stripe(ino fs.InodeID) int {
	return int(uint64(ino) % lockStripes)
}

// lock takes the stripes for the given inodes in ascending order,
// exclusive or shared, and returns the unlock. Ascending order is what
// keeps multi-inode operations deadlock-free.
func (m *Meta) lock(write bool, inos ...fs.InodeID) func() {
	seen := map[int]bool{}
	var stripes []int
	for _, ino := range inos {
		s := stripe(ino)
		if !seen[s] {
			seen[s] = true
			stripes = append(stripes, s)
		}
	}
	sort.Ints(stripes)
	for _, s := range stripes {
		if write {
			m.locks[s].Lock()
		} else {
			m.locks[s].RLock()
		}
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			if write {
				m.locks[stripes[i]].Unlock()
			} else {
				m.locks[stripes[i]].RUnlock()
			}
		}
	}
}

// getAttr reads an inode inside a transaction.
func getAttr(b kv.Bucket, ino fs.InodeID) (*Attr, error) {
	v := b.Get(inodeKey(ino))
	if v == nil {
		return nil, fmt.Errorf("inode %d: %w", ino, fs.ErrorNotFound)
	}
	a, err := unmarshalAttr(v)
	if err != nil {
		return nil, fmt.Errorf("inode %d: %w", ino, err)
	}
	return a, nil
}

func putAttr(b kv.Bucket, a *Attr) error {
	return b.Put(inodeKey(a.Ino), marshalAttr(a))
}

// getEntry resolves a directory entry inside a transaction.
func getEntry(b kv.Bucket, parent fs.InodeID, name string) (fs.InodeID, error) {
	v := b.Get(dirKey(parent, name))
	if v == nil {
		return 0, fmt.Errorf("entry %q in inode %d: %w", name, parent, fs.ErrorNotFound)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("entry %q in inode %d: bad record: %w", name, parent, fs.ErrorIntegrity)
	}
	return fs.InodeID(binary.BigEndian.Uint64(v)), nil
}

func putEntry(b kv.Bucket, parent fs.InodeID, name string, child fs.InodeID) error {
	return b.Put(dirKey(parent, name), binary.BigEndian.AppendUint64(nil, uint64(child)))
}

// checkName rejects names a directory cannot hold.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("name %q: %w", name, fs.ErrorInvalidArgument)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("name of %d bytes: %w", len(name), fs.ErrorInvalidArgument)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("name %q: %w", name, fs.ErrorInvalidArgument)
		}
	}
	return nil
}

// GetAttr returns the attributes of an inode.
func (m *Meta) GetAttr(ctx context.Context, ino fs.InodeID) (*Attr, error) {
	defer m.lock(false, ino)()
	var a *Attr
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		var err error
		a, err = getAttr(b, ino)
		return err
	}))
	return a, err
}

// Lookup resolves name in parent and returns the child's attributes.
func (m *Meta) Lookup(ctx context.Context, parent fs.InodeID, name string) (*Attr, error) {
	defer m.lock(false, parent)()
	var a *Attr
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		child, err := getEntry(b, parent, name)
		if err != nil {
			return err
		}
		a, err = getAttr(b, child)
		return err
	}))
	return a, err
}

// Retain records an open handle on the inode. Unlink defers chunk
// release while any handle is open.
func (m *Meta) Retain(ino fs.InodeID) {
	m.openMu.Lock()
	m.open[ino]++
	m.openMu.Unlock()
}

// openCount returns the number of open handles on ino.
func (m *Meta) openCount(ino fs.InodeID) int {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	return m.open[ino]
}

// ReleaseHandle drops one open handle. When the last handle on an
// unlinked inode closes, the inode and its chunks are purged.
func (m *Meta) ReleaseHandle(ctx context.Context, ino fs.InodeID) error {
	m.openMu.Lock()
	m.open[ino]--
	last := m.open[ino] <= 0
	if last {
		delete(m.open, ino)
	}
	m.openMu.Unlock()
	if !last {
		return nil
	}

	defer m.lock(true, ino)()
	var orphaned bool
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		a, err := getAttr(b, ino)
		if err != nil {
			return nil // already gone
		}
		orphaned = a.Nlink == 0
		return nil
	}))
	if err != nil || !orphaned {
		return err
	}
	return m.purge(ctx, ino)
}

// purge removes an inode record with everything hanging off it: xattrs,
// symlink target, and the chunk references (freeing reclaimed blocks).
// Caller holds the inode lock or knows the inode is unreachable.
func (m *Meta) purge(ctx context.Context, ino fs.InodeID) error {
	var reclaimed []storage.BlockRef
	err := m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		reclaimed = reclaimed[:0]
		a, err := getAttr(b, ino)
		if err != nil {
			return nil // idempotent
		}
		var err2 error
		reclaimed, err2 = m.deleteInode(b, a)
		return err2
	}))
	if err != nil {
		return err
	}
	m.freeBlocks(reclaimed)
	return nil
}

// deleteInode stages the removal of an inode inside a batch and returns
// the blocks that became unreferenced.
func (m *Meta) deleteInode(b kv.Bucket, a *Attr) (reclaimed []storage.BlockRef, err error) {
	if err := b.Delete(inodeKey(a.Ino)); err != nil {
		return nil, err
	}
	// collect-then-delete: mutating under an open cursor is undefined
	var xkeys [][]byte
	err = kv.ScanPrefix(b, xattrPrefix(a.Ino), func(k, v []byte) error {
		xkeys = append(xkeys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range xkeys {
		if err := b.Delete(k); err != nil {
			return nil, err
		}
	}
	if err := b.Delete(symlinkKey(a.Ino)); err != nil {
		return nil, err
	}
	refs, err := m.pipe.Commit(b, &reduce.WriteSet{}, chunkHashes(a.Chunks))
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// chunkHashes flattens a chunk list to the hashes to release, one per
// occurrence.
func chunkHashes(refs []reduce.ChunkRef) []hash.Sum {
	out := make([]hash.Sum, len(refs))
	for i, r := range refs {
		out[i] = r.Hash
	}
	return out
}

// freeBlocks returns reclaimed blocks to the allocator after a batch
// committed.
func (m *Meta) freeBlocks(refs []storage.BlockRef) {
	for _, ref := range refs {
		if err := m.alloc.Free(ref); err != nil {
			fs.Errorf(nil, "free reclaimed block %v: %v", ref, err)
		}
	}
}
