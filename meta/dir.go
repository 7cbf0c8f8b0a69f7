package meta

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/storage"
)

// Create makes a new regular file or directory under parent and returns
// its attributes.
func (m *Meta) Create(ctx context.Context, parent fs.InodeID, name string, kind fs.Kind, uid, gid, mode uint32) (*Attr, error) {
	if kind != fs.KindRegular && kind != fs.KindDirectory {
		return nil, fmt.Errorf("create %q kind %v: %w", name, kind, fs.ErrorInvalidArgument)
	}
	return m.createInode(ctx, parent, name, kind, uid, gid, mode, "")
}

// createInode is the shared create path for files, directories and
// symlinks.
func (m *Meta) createInode(ctx context.Context, parent fs.InodeID, name string, kind fs.Kind, uid, gid, mode uint32, target string) (*Attr, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	ino := m.allocIno()
	defer m.lock(true, parent, ino)()

	var child *Attr
	err := m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		p, err := getAttr(b, parent)
		if err != nil {
			return err
		}
		if p.Kind != fs.KindDirectory {
			return fmt.Errorf("create %q: parent inode %d: %w", name, parent, fs.ErrorNotDirectory)
		}
		if kv.Has(b, dirKey(parent, name)) {
			return fmt.Errorf("create %q in inode %d: %w", name, parent, fs.ErrorAlreadyExists)
		}

		t := now()
		child = &Attr{
			Ino:   ino,
			Kind:  kind,
			Mode:  mode,
			UID:   uid,
			GID:   gid,
			Nlink: 1,
			Atime: t,
			Mtime: t,
			Ctime: t,
		}
		if kind == fs.KindDirectory {
			child.Nlink = 2
			p.Nlink++
		}
		if kind == fs.KindSymlink {
			child.Size = uint64(len(target))
			if err := b.Put(symlinkKey(ino), []byte(target)); err != nil {
				return err
			}
		}
		if err := putAttr(b, child); err != nil {
			return err
		}
		if err := putEntry(b, parent, name, ino); err != nil {
			return err
		}
		p.Mtime, p.Ctime = t, t
		return putAttr(b, p)
	}))
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Unlink removes the entry name from parent. The child's link count
// drops; at zero its chunks are released unless a handle still holds it
// open, in which case release waits for the last close.
func (m *Meta) Unlink(ctx context.Context, parent fs.InodeID, name string) error {
	return m.removeEntry(ctx, parent, name, false)
}

// Rmdir removes the empty directory name from parent.
func (m *Meta) Rmdir(ctx context.Context, parent fs.InodeID, name string) error {
	return m.removeEntry(ctx, parent, name, true)
}

func (m *Meta) removeEntry(ctx context.Context, parent fs.InodeID, name string, wantDir bool) error {
	if err := checkName(name); err != nil {
		return err
	}
	// resolve the child to lock it, then re-check under the lock
	for try := 0; try < 3; try++ {
		child, err := m.peekEntry(ctx, parent, name)
		if err != nil {
			return err
		}
		done, reclaimed, err := m.removeEntryLocked(ctx, parent, name, child, wantDir)
		if err != nil {
			return err
		}
		if done {
			m.freeBlocks(reclaimed)
			return nil
		}
	}
	return fmt.Errorf("remove %q in inode %d: entry kept changing: %w", name, parent, fs.ErrorInternal)
}

// peekEntry resolves an entry without holding its lock.
func (m *Meta) peekEntry(ctx context.Context, parent fs.InodeID, name string) (child fs.InodeID, err error) {
	defer m.lock(false, parent)()
	err = m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		var err error
		child, err = getEntry(b, parent, name)
		return err
	}))
	return child, err
}

func (m *Meta) removeEntryLocked(ctx context.Context, parent fs.InodeID, name string, child fs.InodeID, wantDir bool) (done bool, reclaimed []storage.BlockRef, err error) {
	defer m.lock(true, parent, child)()
	err = m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		done, reclaimed = false, nil
		got, err := getEntry(b, parent, name)
		if err != nil {
			return err
		}
		if got != child {
			return nil // raced with a rename; retry with the right lock
		}
		p, err := getAttr(b, parent)
		if err != nil {
			return err
		}
		c, err := getAttr(b, child)
		if err != nil {
			return err
		}
		if wantDir {
			if c.Kind != fs.KindDirectory {
				return fmt.Errorf("rmdir %q: %w", name, fs.ErrorNotDirectory)
			}
			empty := true
			err := kv.ScanPrefix(b, dirPrefix(child), func(k, v []byte) error {
				empty = false
				return errStopScan
			})
			if err != nil && err != errStopScan {
				return err
			}
			if !empty {
				return fmt.Errorf("rmdir %q: %w", name, fs.ErrorNotEmpty)
			}
		} else if c.Kind == fs.KindDirectory {
			return fmt.Errorf("unlink %q: %w", name, fs.ErrorIsDirectory)
		}

		if err := b.Delete(dirKey(parent, name)); err != nil {
			return err
		}
		t := now()
		if c.Kind == fs.KindDirectory {
			c.Nlink = 0
			p.Nlink--
		} else {
			c.Nlink--
		}
		c.Ctime = t
		p.Mtime, p.Ctime = t, t
		if err := putAttr(b, p); err != nil {
			return err
		}

		if c.Nlink > 0 || m.openCount(child) > 0 {
			// open-but-unlinked: keep the record, chunks stay referenced
			// until the last handle closes
			if err := putAttr(b, c); err != nil {
				return err
			}
			done = true
			return nil
		}
		reclaimed, err = m.deleteInode(b, c)
		if err != nil {
			return err
		}
		done = true
		return nil
	}))
	return done, reclaimed, err
}

var errStopScan = fmt.Errorf("stop scan")

// Rename moves old_name in old_parent to new_name in new_parent in one
// atomic batch. An existing target of the same kind is replaced (a
// directory target must be empty); renaming an entry onto itself is a
// no-op.
func (m *Meta) Rename(ctx context.Context, oldParent fs.InodeID, oldName string, newParent fs.InodeID, newName string) error {
	if err := checkName(oldName); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}
	for try := 0; try < 3; try++ {
		child, err := m.peekEntry(ctx, oldParent, oldName)
		if err != nil {
			return err
		}
		target, _ := m.peekEntry(ctx, newParent, newName) // 0 if absent
		done, reclaimed, err := m.renameLocked(ctx, oldParent, oldName, newParent, newName, child, target)
		if err != nil {
			return err
		}
		if done {
			m.freeBlocks(reclaimed)
			return nil
		}
	}
	return fmt.Errorf("rename %q: entries kept changing: %w", oldName, fs.ErrorInternal)
}

func (m *Meta) renameLocked(ctx context.Context, oldParent fs.InodeID, oldName string, newParent fs.InodeID, newName string, child, target fs.InodeID) (done bool, reclaimed []storage.BlockRef, err error) {
	inos := []fs.InodeID{oldParent, newParent, child}
	if target != 0 {
		inos = append(inos, target)
	}
	defer m.lock(true, inos...)()
	err = m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		done, reclaimed = false, nil
		gotChild, err := getEntry(b, oldParent, oldName)
		if err != nil {
			return err
		}
		gotTarget := fs.InodeID(0)
		if v := b.Get(dirKey(newParent, newName)); v != nil {
			gotTarget = fs.InodeID(binary.BigEndian.Uint64(v))
		}
		if gotChild != child || gotTarget != target {
			return nil // locks cover the wrong inodes; retry
		}

		if oldParent == newParent && oldName == newName {
			done = true
			return nil
		}
		if target == child {
			// both names already point at the same inode
			done = true
			return nil
		}

		op, err := getAttr(b, oldParent)
		if err != nil {
			return err
		}
		np := op
		if newParent != oldParent {
			np, err = getAttr(b, newParent)
			if err != nil {
				return err
			}
			if np.Kind != fs.KindDirectory {
				return fmt.Errorf("rename into inode %d: %w", newParent, fs.ErrorNotDirectory)
			}
		}
		c, err := getAttr(b, child)
		if err != nil {
			return err
		}

		t := now()
		if target != 0 {
			tc, err := getAttr(b, target)
			if err != nil {
				return err
			}
			// overwrite only within one kind
			switch {
			case c.Kind == fs.KindDirectory && tc.Kind != fs.KindDirectory:
				return fmt.Errorf("rename %q over %q: %w", oldName, newName, fs.ErrorNotDirectory)
			case c.Kind != fs.KindDirectory && tc.Kind == fs.KindDirectory:
				return fmt.Errorf("rename %q over %q: %w", oldName, newName, fs.ErrorIsDirectory)
			}
			if tc.Kind == fs.KindDirectory {
				empty := true
				err := kv.ScanPrefix(b, dirPrefix(target), func(k, v []byte) error {
					empty = false
					return errStopScan
				})
				if err != nil && err != errStopScan {
					return err
				}
				if !empty {
					return fmt.Errorf("rename over %q: %w", newName, fs.ErrorNotEmpty)
				}
				tc.Nlink = 0
				np.Nlink--
			} else {
				tc.Nlink--
			}
			tc.Ctime = t
			if tc.Nlink > 0 || m.openCount(target) > 0 {
				if err := putAttr(b, tc); err != nil {
					return err
				}
			} else {
				reclaimed, err = m.deleteInode(b, tc)
				if err != nil {
					return err
				}
			}
		}

		if err := b.Delete(dirKey(oldParent, oldName)); err != nil {
			return err
		}
		if err := putEntry(b, newParent, newName, child); err != nil {
			return err
		}
		if c.Kind == fs.KindDirectory && oldParent != newParent {
			op.Nlink--
			np.Nlink++
		}
		c.Ctime = t
		if err := putAttr(b, c); err != nil {
			return err
		}
		op.Mtime, op.Ctime = t, t
		if err := putAttr(b, op); err != nil {
			return err
		}
		if newParent != oldParent {
			np.Mtime, np.Ctime = t, t
			if err := putAttr(b, np); err != nil {
				return err
			}
		}
		done = true
		return nil
	}))
	return done, reclaimed, err
}

// Link adds name in parent as a hard link to an existing inode.
// Directories cannot be linked.
func (m *Meta) Link(ctx context.Context, ino, parent fs.InodeID, name string) (*Attr, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	defer m.lock(true, parent, ino)()
	var linked *Attr
	err := m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		p, err := getAttr(b, parent)
		if err != nil {
			return err
		}
		if p.Kind != fs.KindDirectory {
			return fmt.Errorf("link %q: parent inode %d: %w", name, parent, fs.ErrorNotDirectory)
		}
		c, err := getAttr(b, ino)
		if err != nil {
			return err
		}
		if c.Kind == fs.KindDirectory {
			return fmt.Errorf("link %q: inode %d: %w", name, ino, fs.ErrorIsDirectory)
		}
		if kv.Has(b, dirKey(parent, name)) {
			return fmt.Errorf("link %q in inode %d: %w", name, parent, fs.ErrorAlreadyExists)
		}
		t := now()
		c.Nlink++
		c.Ctime = t
		if err := putAttr(b, c); err != nil {
			return err
		}
		if err := putEntry(b, parent, name, ino); err != nil {
			return err
		}
		p.Mtime, p.Ctime = t, t
		if err := putAttr(b, p); err != nil {
			return err
		}
		linked = c
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return linked, nil
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  fs.InodeID
	Kind fs.Kind
}

// ReadDir lists a directory in byte order of names.
func (m *Meta) ReadDir(ctx context.Context, parent fs.InodeID) ([]DirEntry, error) {
	defer m.lock(false, parent)()
	var out []DirEntry
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		p, err := getAttr(b, parent)
		if err != nil {
			return err
		}
		if p.Kind != fs.KindDirectory {
			return fmt.Errorf("readdir inode %d: %w", parent, fs.ErrorNotDirectory)
		}
		prefix := dirPrefix(parent)
		return kv.ScanPrefix(b, prefix, func(k, v []byte) error {
			child := fs.InodeID(binary.BigEndian.Uint64(v))
			a, err := getAttr(b, child)
			if err != nil {
				return err
			}
			out = append(out, DirEntry{
				Name: string(k[len(prefix):]),
				Ino:  child,
				Kind: a.Kind,
			})
			return nil
		})
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}
