package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/reduce"
)

// Attr is the full record of an inode.
type Attr struct {
	Ino   fs.InodeID
	Kind  fs.Kind
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  uint64
	Atime int64 // nanoseconds
	Mtime int64
	Ctime int64
	// Chunks is the ordered chunk list; regular files only.
	Chunks []reduce.ChunkRef
}

// String turns an Attr into a short human-readable string
func (a *Attr) String() string {
	return fmt.Sprintf("ino%d(%v)", a.Ino, a.Kind)
}

// Keyspaces in the underlying store. All integers big-endian so the key
// order is the numeric order.
var (
	inodePrefix   = []byte("inode/")
	dirRoot       = []byte("dir/")
	xattrRoot     = []byte("xattr/")
	symlinkPrefix = []byte("symlink/")
)

func appendIno(key []byte, ino fs.InodeID) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(ino))
}

func inodeKey(ino fs.InodeID) []byte {
	return appendIno(append([]byte(nil), inodePrefix...), ino)
}

func dirPrefix(parent fs.InodeID) []byte {
	return appendIno(append([]byte(nil), dirRoot...), parent)
}

func dirKey(parent fs.InodeID, name string) []byte {
	return append(dirPrefix(parent), name...)
}

func xattrPrefix(ino fs.InodeID) []byte {
	return append(appendIno(append([]byte(nil), xattrRoot...), ino), '/')
}

func xattrKey(ino fs.InodeID, name string) []byte {
	return append(xattrPrefix(ino), name...)
}

func symlinkKey(ino fs.InodeID) []byte {
	return appendIno(append([]byte(nil), symlinkPrefix...), ino)
}

// Attr record layout, all integers big-endian:
//
//	version u8 | ino u64 | kind u8 | mode u32 | uid u32 | gid u32 |
//	nlink u32 | size u64 | atime i64 | mtime i64 | ctime i64 |
//	nchunks u32 | nchunks × (hash 32B | len u32)
const attrVersion = 1

func marshalAttr(a *Attr) []byte {
	out := make([]byte, 0, 62+len(a.Chunks)*(hash.Size+4))
	out = append(out, attrVersion)
	out = binary.BigEndian.AppendUint64(out, uint64(a.Ino))
	out = append(out, byte(a.Kind))
	out = binary.BigEndian.AppendUint32(out, a.Mode)
	out = binary.BigEndian.AppendUint32(out, a.UID)
	out = binary.BigEndian.AppendUint32(out, a.GID)
	out = binary.BigEndian.AppendUint32(out, a.Nlink)
	out = binary.BigEndian.AppendUint64(out, a.Size)
	out = binary.BigEndian.AppendUint64(out, uint64(a.Atime))
	out = binary.BigEndian.AppendUint64(out, uint64(a.Mtime))
	out = binary.BigEndian.AppendUint64(out, uint64(a.Ctime))
	out = binary.BigEndian.AppendUint32(out, uint32(len(a.Chunks)))
	for _, c := range a.Chunks {
		out = append(out, c.Hash[:]...)
		out = binary.BigEndian.AppendUint32(out, c.Len)
	}
	return out
}

func unmarshalAttr(in []byte) (*Attr, error) {
	if len(in) < 1 {
		return nil, fmt.Errorf("empty inode record: %w", fs.ErrorIntegrity)
	}
	if in[0] != attrVersion {
		return nil, fmt.Errorf("inode record version %d: %w", in[0], fs.ErrorVersionMismatch)
	}
	in = in[1:]
	if len(in) < 61 {
		return nil, fmt.Errorf("truncated inode record: %w", fs.ErrorIntegrity)
	}
	a := &Attr{}
	a.Ino = fs.InodeID(binary.BigEndian.Uint64(in))
	a.Kind = fs.Kind(in[8])
	a.Mode = binary.BigEndian.Uint32(in[9:])
	a.UID = binary.BigEndian.Uint32(in[13:])
	a.GID = binary.BigEndian.Uint32(in[17:])
	a.Nlink = binary.BigEndian.Uint32(in[21:])
	a.Size = binary.BigEndian.Uint64(in[25:])
	a.Atime = int64(binary.BigEndian.Uint64(in[33:]))
	a.Mtime = int64(binary.BigEndian.Uint64(in[41:]))
	a.Ctime = int64(binary.BigEndian.Uint64(in[49:]))
	n := int(binary.BigEndian.Uint32(in[57:]))
	in = in[61:]
	if len(in) != n*(hash.Size+4) {
		return nil, fmt.Errorf("truncated inode chunk list: %w", fs.ErrorIntegrity)
	}
	if n > 0 {
		a.Chunks = make([]reduce.ChunkRef, n)
		for i := range a.Chunks {
			copy(a.Chunks[i].Hash[:], in)
			a.Chunks[i].Len = binary.BigEndian.Uint32(in[hash.Size:])
			in = in[hash.Size+4:]
		}
	}
	return a, nil
}
