// Package cas is the content-addressed store: the index from a chunk's
// fingerprint to its block placement, reduction metadata, and reference
// count. Entry presence is the liveness criterion — an absent fingerprint
// means the block is reclaimable.
package cas

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/storage"
)

// keyPrefix is the index keyspace in the store.
var keyPrefix = []byte("cas/")

// ErrInvariantViolated reports an insert whose metadata disagrees with the
// entry already stored under the same fingerprint. Two different blocks
// under one fingerprint means corrupted state, never a legal race.
var ErrInvariantViolated = fmt.Errorf("cas entry mismatch: %w", fs.ErrorIntegrity)

// stripes is the number of locks over the index. Keyed by the first byte
// of the fingerprint: fine enough that contention is rare, coarse enough
// that the overhead is trivial.
const stripes = 256

// Entry is the record stored per unique chunk.
type Entry struct {
	Ref         storage.BlockRef
	Refcount    uint64
	Compression uint8 // reduce.Compression value
	Level       int8  // zstd level, 0 otherwise
	KeyID       uint32
	Nonce       []byte
	OriginalLen uint32
	StoredLen   uint32
}

// sameContent reports whether two entries describe the same stored chunk.
// Refcount is bookkeeping, not identity.
func (e *Entry) sameContent(o *Entry) bool {
	return e.Ref == o.Ref &&
		e.Compression == o.Compression &&
		e.Level == o.Level &&
		e.KeyID == o.KeyID &&
		bytes.Equal(e.Nonce, o.Nonce) &&
		e.OriginalLen == o.OriginalLen &&
		e.StoredLen == o.StoredLen
}

// Index is the deduplication index over a kv store.
type Index struct {
	db    *kv.DB
	locks [stripes]sync.Mutex
}

// New returns the index over db.
func New(db *kv.DB) *Index {
	return &Index{db: db}
}

// lock takes the stripe for h and returns the unlock.
func (ix *Index) lock(h hash.Sum) func() {
	mu := &ix.locks[h[0]]
	mu.Lock()
	return mu.Unlock
}

// Key returns the kv key for a fingerprint.
func Key(h hash.Sum) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+hash.Size), keyPrefix...), h[:]...)
}

// Lookup returns the entry for h, or nil if the chunk is not stored.
func (ix *Index) Lookup(ctx context.Context, h hash.Sum) (*Entry, error) {
	var e *Entry
	err := ix.db.Do(ctx, false, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		var err error
		e, err = LookupIn(b, h)
		return err
	}))
	return e, err
}

// Refcount returns the reference count for h, 0 if absent.
func (ix *Index) Refcount(ctx context.Context, h hash.Sum) (uint64, error) {
	e, err := ix.Lookup(ctx, h)
	if err != nil || e == nil {
		return 0, err
	}
	return e.Refcount, nil
}

// Insert stores the entry for h with e.Refcount references (1 when
// e.Refcount is 0). If h is already present the stored metadata must
// agree, and the stored refcount grows by that many instead; divergence
// fails loudly with ErrInvariantViolated.
func (ix *Index) Insert(ctx context.Context, h hash.Sum, e *Entry) error {
	defer ix.lock(h)()
	return ix.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		return InsertIn(b, h, e)
	}))
}

// IncRef increments the reference count for h. Incrementing an absent
// entry is an error: a reference must never point at reclaimable space.
func (ix *Index) IncRef(ctx context.Context, h hash.Sum) error {
	defer ix.lock(h)()
	return ix.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		return IncRefIn(b, h)
	}))
}

// Release decrements the reference count for h. When the count reaches
// zero the entry is removed and its block ref returned so the caller can
// free it. Releasing an absent entry is a no-op — unlink retried after a
// crash must stay idempotent.
func (ix *Index) Release(ctx context.Context, h hash.Sum) (reclaim *storage.BlockRef, err error) {
	defer ix.lock(h)()
	err = ix.db.Do(ctx, true, kv.OpFunc(func(ctx context.Context, b kv.Bucket) error {
		var err error
		reclaim, err = ReleaseIn(b, h)
		return err
	}))
	return reclaim, err
}

// Scan calls fn for every live entry in fingerprint order.
func (ix *Index) Scan(ctx context.Context, fn func(h hash.Sum, e *Entry) error) error {
	return ix.db.ScanPrefix(ctx, keyPrefix, func(k, v []byte) error {
		var h hash.Sum
		copy(h[:], k[len(keyPrefix):])
		e, err := unmarshalEntry(v)
		if err != nil {
			return fmt.Errorf("cas entry %v: %w", h, err)
		}
		return fn(h, e)
	})
}

// Len returns the number of live entries.
func (ix *Index) Len(ctx context.Context) (n int, err error) {
	err = ix.Scan(ctx, func(hash.Sum, *Entry) error { n++; return nil })
	return n, err
}

// The *In forms run inside a caller's kv batch, so CAS mutations commit
// atomically with the metadata mutation that justifies them. The batch's
// transaction serializes them; no stripe lock is needed.

// LookupIn is Lookup against an open batch.
func LookupIn(b kv.Bucket, h hash.Sum) (*Entry, error) {
	v := b.Get(Key(h))
	if v == nil {
		return nil, nil
	}
	return unmarshalEntry(v)
}

// InsertIn is Insert against an open batch. An Entry with Refcount 0
// takes the default initial count of 1; the pipeline passes the number of
// occurrences inside its write instead.
func InsertIn(b kv.Bucket, h hash.Sum, e *Entry) error {
	if e.Refcount == 0 {
		e.Refcount = 1
	}
	old, err := LookupIn(b, h)
	if err != nil {
		return err
	}
	if old != nil {
		if !old.sameContent(e) {
			return fmt.Errorf("insert %v: stored %v, proposed %v: %w", h, old.Ref, e.Ref, ErrInvariantViolated)
		}
		old.Refcount += e.Refcount
		return b.Put(Key(h), marshalEntry(old))
	}
	return b.Put(Key(h), marshalEntry(e))
}

// IncRefIn is IncRef against an open batch.
func IncRefIn(b kv.Bucket, h hash.Sum) error {
	e, err := LookupIn(b, h)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("incref %v: %w", h, fs.ErrorNotFound)
	}
	e.Refcount++
	return b.Put(Key(h), marshalEntry(e))
}

// ReleaseIn is Release against an open batch.
func ReleaseIn(b kv.Bucket, h hash.Sum) (reclaim *storage.BlockRef, err error) {
	e, err := LookupIn(b, h)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	if e.Refcount <= 1 {
		if err := b.Delete(Key(h)); err != nil {
			return nil, err
		}
		ref := e.Ref
		return &ref, nil
	}
	e.Refcount--
	return nil, b.Put(Key(h), marshalEntry(e))
}
