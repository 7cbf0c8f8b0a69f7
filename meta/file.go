package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/reduce"
	"github.com/dirkpetersen/claudefs/storage"
)

// writeRetries bounds re-reduction when a dedup decision is invalidated
// by a concurrent release between probe and commit.
const writeRetries = 3

// chunkSpan returns the index range [i,j) of chunks intersecting the byte
// range [off,end), and the byte offset where chunk i starts. With off at
// or past the end of the list the span is empty and start is the list's
// total length.
func chunkSpan(chunks []reduce.ChunkRef, off, end uint64) (i, j int, start uint64) {
	pos := uint64(0)
	i, j = -1, len(chunks)
	for k, c := range chunks {
		next := pos + uint64(c.Len)
		if i == -1 && off < next {
			i = k
			start = pos
		}
		if i != -1 && end <= next {
			j = k + 1
			break
		}
		pos = next
	}
	if i == -1 {
		i, j, start = len(chunks), len(chunks), pos
	}
	return i, j, start
}

// checkRegular rejects I/O on non-files.
func checkRegular(a *Attr) error {
	switch a.Kind {
	case fs.KindRegular:
		return nil
	case fs.KindDirectory:
		return fmt.Errorf("inode %d: %w", a.Ino, fs.ErrorIsDirectory)
	}
	return fmt.Errorf("inode %d is a %v: %w", a.Ino, a.Kind, fs.ErrorInvalidArgument)
}

// viewAttr reads an inode's attributes without taking locks; the caller
// holds the stripe.
func (m *Meta) viewAttr(ctx context.Context, ino fs.InodeID) (*Attr, error) {
	var a *Attr
	err := m.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		var err error
		a, err = getAttr(b, ino)
		return err
	}))
	return a, err
}

// Read returns up to length bytes from the file at off. Reads past the
// end of the file are clamped; a read at or past the end returns no
// bytes.
func (m *Meta) Read(ctx context.Context, ino fs.InodeID, off, length uint64) ([]byte, error) {
	defer m.lock(false, ino)()
	a, err := m.viewAttr(ctx, ino)
	if err != nil {
		return nil, err
	}
	if err := checkRegular(a); err != nil {
		return nil, err
	}
	if off >= a.Size || length == 0 {
		return nil, nil
	}
	end := off + length
	if end > a.Size {
		end = a.Size
	}
	i, j, start := chunkSpan(a.Chunks, off, end)
	span, err := m.pipe.Read(ctx, a.Chunks[i:j])
	if err != nil {
		return nil, err
	}
	return span[off-start : end-start], nil
}

// Write stores p at off, growing the file as needed. A write beyond the
// end zero-fills the gap. Only the chunks whose spans intersect the
// written range are re-reduced; the chunk list, index mutations and new
// size commit in one batch.
func (m *Meta) Write(ctx context.Context, ino fs.InodeID, off uint64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	defer m.lock(true, ino)()
	if err := m.writeLocked(ctx, ino, off, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (m *Meta) writeLocked(ctx context.Context, ino fs.InodeID, off uint64, p []byte) error {
	hint := m.place(ino, off, uint64(len(p)))
	for try := 0; try < writeRetries; try++ {
		a, err := m.viewAttr(ctx, ino)
		if err != nil {
			return err
		}
		if err := checkRegular(a); err != nil {
			return err
		}

		// zero-fill a gap between EOF and the write offset
		data := p
		effOff := off
		if off > a.Size {
			data = make([]byte, off-a.Size+uint64(len(p)))
			copy(data[off-a.Size:], p)
			effOff = a.Size
		}
		end := effOff + uint64(len(data))

		i, j, start := chunkSpan(a.Chunks, effOff, end)
		spanRefs := a.Chunks[i:j]
		span, err := m.pipe.Read(ctx, spanRefs)
		if err != nil {
			return err
		}
		spliced := make([]byte, 0, uint64(len(span))+uint64(len(data)))
		spliced = append(spliced, span[:effOff-start]...)
		spliced = append(spliced, data...)
		if tail := start + uint64(len(span)); end < tail {
			spliced = append(spliced, span[end-start:]...)
		}

		ws, err := m.pipe.Reduce(ctx, spliced, hint)
		if err != nil {
			return err
		}

		newChunks := make([]reduce.ChunkRef, 0, i+len(ws.Refs)+len(a.Chunks)-j)
		newChunks = append(newChunks, a.Chunks[:i]...)
		newChunks = append(newChunks, ws.Refs...)
		newChunks = append(newChunks, a.Chunks[j:]...)

		var reclaimed []storage.BlockRef
		err = m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
			reclaimed = nil
			var err error
			reclaimed, err = m.pipe.Commit(b, ws, chunkHashes(spanRefs))
			if err != nil {
				return err
			}
			cur, err := getAttr(b, ino)
			if err != nil {
				return err
			}
			cur.Chunks = newChunks
			cur.Size = reduce.Total(newChunks)
			t := now()
			cur.Mtime, cur.Ctime = t, t
			return putAttr(b, cur)
		}))
		if err != nil {
			m.pipe.Abort(ws)
			if errors.Is(err, reduce.ErrDedupRaced) {
				continue
			}
			return err
		}
		m.pipe.Finish(ws)
		m.freeBlocks(reclaimed)
		return nil
	}
	return fmt.Errorf("write inode %d: %w", ino, reduce.ErrDedupRaced)
}

// SetAttrReq is a field-level attribute update; nil fields stay
// untouched.
type SetAttrReq struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *int64
	Mtime *int64
}

// SetAttr applies req to the inode. A size change truncates or
// zero-extends the chunk list, releasing or storing chunks as needed.
func (m *Meta) SetAttr(ctx context.Context, ino fs.InodeID, req SetAttrReq) (*Attr, error) {
	defer m.lock(true, ino)()

	if req.Size != nil {
		a, err := m.viewAttr(ctx, ino)
		if err != nil {
			return nil, err
		}
		if err := checkRegular(a); err != nil {
			return nil, err
		}
		switch {
		case *req.Size > a.Size:
			if err := m.writeLocked(ctx, ino, *req.Size-1, []byte{0}); err != nil {
				return nil, err
			}
		case *req.Size < a.Size:
			if err := m.truncateLocked(ctx, ino, *req.Size); err != nil {
				return nil, err
			}
		}
	}

	var out *Attr
	err := m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		a, err := getAttr(b, ino)
		if err != nil {
			return err
		}
		changed := false
		if req.Mode != nil {
			a.Mode = *req.Mode
			changed = true
		}
		if req.UID != nil {
			a.UID = *req.UID
			changed = true
		}
		if req.GID != nil {
			a.GID = *req.GID
			changed = true
		}
		if req.Atime != nil {
			a.Atime = *req.Atime
			changed = true
		}
		if req.Mtime != nil {
			a.Mtime = *req.Mtime
			changed = true
		}
		if changed {
			a.Ctime = now()
			if err := putAttr(b, a); err != nil {
				return err
			}
		}
		out = a
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// truncateLocked shrinks the file to newSize. Whole chunks beyond the cut
// are released; a chunk straddling it is fetched, cut and re-reduced.
func (m *Meta) truncateLocked(ctx context.Context, ino fs.InodeID, newSize uint64) error {
	for try := 0; try < writeRetries; try++ {
		a, err := m.viewAttr(ctx, ino)
		if err != nil {
			return err
		}
		if newSize >= a.Size {
			return nil
		}
		i, _, start := chunkSpan(a.Chunks, newSize, a.Size)
		releases := a.Chunks[i:]

		ws := &reduce.WriteSet{}
		if cut := newSize - start; cut > 0 {
			head, err := m.pipe.Read(ctx, a.Chunks[i:i+1])
			if err != nil {
				return err
			}
			ws, err = m.pipe.Reduce(ctx, head[:cut], m.place(ino, start, cut))
			if err != nil {
				return err
			}
		}
		newChunks := make([]reduce.ChunkRef, 0, i+len(ws.Refs))
		newChunks = append(newChunks, a.Chunks[:i]...)
		newChunks = append(newChunks, ws.Refs...)

		var reclaimed []storage.BlockRef
		err = m.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
			reclaimed = nil
			var err error
			reclaimed, err = m.pipe.Commit(b, ws, chunkHashes(releases))
			if err != nil {
				return err
			}
			cur, err := getAttr(b, ino)
			if err != nil {
				return err
			}
			cur.Chunks = newChunks
			cur.Size = newSize
			t := now()
			cur.Mtime, cur.Ctime = t, t
			return putAttr(b, cur)
		}))
		if err != nil {
			m.pipe.Abort(ws)
			if errors.Is(err, reduce.ErrDedupRaced) {
				continue
			}
			return err
		}
		m.pipe.Finish(ws)
		m.freeBlocks(reclaimed)
		return nil
	}
	return fmt.Errorf("truncate inode %d: %w", ino, reduce.ErrDedupRaced)
}

// Sync flushes pending state. Batches are durable at commit, so this is
// a consistency point rather than a flush.
func (m *Meta) Sync(ctx context.Context) error {
	return nil
}
