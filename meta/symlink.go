package meta

import (
	"context"
	"fmt"
	"strings"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/lib/kv"
)

// maxSymlinkLen bounds a symlink target.
const maxSymlinkLen = 4096

// Symlink creates a symbolic link to target under parent.
func (m *Meta) Symlink(ctx context.Context, parent fs.InodeID, name, target string, uid, gid uint32) (*Attr, error) {
	if target == "" {
		return nil, fmt.Errorf("symlink %q: empty target: %w", name, fs.ErrorInvalidArgument)
	}
	if len(target) > maxSymlinkLen {
		return nil, fmt.Errorf("symlink %q: target of %d bytes: %w", name, len(target), fs.ErrorInvalidArgument)
	}
	return m.createInode(ctx, parent, name, fs.KindSymlink, uid, gid, 0777, target)
}

// Readlink returns the target of a symbolic link.
func (m *Meta) Readlink(ctx context.Context, ino fs.InodeID) (string, error) {
	defer m.lock(false, ino)()
	var target string
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		a, err := getAttr(b, ino)
		if err != nil {
			return err
		}
		if a.Kind != fs.KindSymlink {
			return fmt.Errorf("readlink inode %d is a %v: %w", ino, a.Kind, fs.ErrorInvalidArgument)
		}
		v := b.Get(symlinkKey(ino))
		if v == nil {
			return fmt.Errorf("symlink inode %d has no target: %w", ino, fs.ErrorIntegrity)
		}
		target = string(v)
		return nil
	}))
	if err != nil {
		return "", err
	}
	return target, nil
}

// IsCircular reports whether resolving a link at start to target would
// loop: the target equals the start path or sits beneath it. Transitive
// chains are the resolver's problem, not the core's.
func IsCircular(target, start string) bool {
	if target == start {
		return true
	}
	if strings.HasSuffix(start, "/") {
		return strings.HasPrefix(target, start)
	}
	return strings.HasPrefix(target, start+"/")
}
