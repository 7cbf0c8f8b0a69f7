package meta

import (
	"context"
	"fmt"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/lib/kv"
)

// maxXattrValue bounds a single extended attribute value.
const maxXattrValue = 64 << 10

// SetXattr sets an extended attribute on the inode, replacing any
// previous value.
func (m *Meta) SetXattr(ctx context.Context, ino fs.InodeID, name string, value []byte) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("xattr name %q: %w", name, fs.ErrorInvalidArgument)
	}
	if len(value) > maxXattrValue {
		return fmt.Errorf("xattr %q value of %d bytes: %w", name, len(value), fs.ErrorInvalidArgument)
	}
	defer m.lock(true, ino)()
	return m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		a, err := getAttr(b, ino)
		if err != nil {
			return err
		}
		if err := b.Put(xattrKey(ino, name), value); err != nil {
			return err
		}
		a.Ctime = now()
		return putAttr(b, a)
	}))
}

// GetXattr returns the value of an extended attribute.
func (m *Meta) GetXattr(ctx context.Context, ino fs.InodeID, name string) ([]byte, error) {
	defer m.lock(false, ino)()
	var value []byte
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		if _, err := getAttr(b, ino); err != nil {
			return err
		}
		key := xattrKey(ino, name)
		if !kv.Has(b, key) {
			return fmt.Errorf("xattr %q on inode %d: %w", name, ino, fs.ErrorNotFound)
		}
		value = append([]byte(nil), b.Get(key)...)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// ListXattr returns the names of all extended attributes on the inode in
// byte order.
func (m *Meta) ListXattr(ctx context.Context, ino fs.InodeID) ([]string, error) {
	defer m.lock(false, ino)()
	var names []string
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		if _, err := getAttr(b, ino); err != nil {
			return err
		}
		prefix := xattrPrefix(ino)
		return kv.ScanPrefix(b, prefix, func(k, v []byte) error {
			names = append(names, string(k[len(prefix):]))
			return nil
		})
	}))
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RemoveXattr removes an extended attribute.
func (m *Meta) RemoveXattr(ctx context.Context, ino fs.InodeID, name string) error {
	defer m.lock(true, ino)()
	return m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		a, err := getAttr(b, ino)
		if err != nil {
			return err
		}
		key := xattrKey(ino, name)
		if !kv.Has(b, key) {
			return fmt.Errorf("xattr %q on inode %d: %w", name, ino, fs.ErrorNotFound)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		a.Ctime = now()
		return putAttr(b, a)
	}))
}
