// Package kv provides the ordered keyed byte store underneath the metadata
// service and the deduplication index: lexicographically ordered keys,
// prefix scans, and atomic batch operations.
//
// The production backend is bbolt; an in-memory backend with the same
// transaction semantics backs the tests.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dirkpetersen/claudefs/fs"
)

// Errors of this package
var (
	ErrInactive = errors.New("db stopped")
)

// Bucket is the view of the store inside a transaction. Keys are compared
// as raw bytes. Slices returned by Get and Cursor are only valid until the
// operation returns; callers must copy to retain.
type Bucket interface {
	// Get returns the value for key or nil if absent.
	Get(key []byte) []byte
	// Put sets key to value.
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Cursor returns a cursor positioned before the first key.
	Cursor() Cursor
}

// Cursor iterates a Bucket in ascending key order.
type Cursor interface {
	// First moves to the smallest key.
	First() (key, value []byte)
	// Seek moves to the smallest key >= seek.
	Seek(seek []byte) (key, value []byte)
	// Next moves to the next key.
	Next() (key, value []byte)
}

// Op is an atomic batch: its Do method runs inside a single transaction
// and either commits entirely or, if it returns an error, leaves the store
// untouched. Reads inside the op observe its own writes.
type Op interface {
	Do(ctx context.Context, b Bucket) error
}

// OpFunc adapts a function to the Op interface.
type OpFunc func(ctx context.Context, b Bucket) error

// Do calls f(ctx, b)
func (f OpFunc) Do(ctx context.Context, b Bucket) error {
	return f(ctx, b)
}

// backend is the engine under a DB.
type backend interface {
	view(fn func(Bucket) error) error
	update(fn func(Bucket) error) error
	close() error
}

// DB is an open store.
type DB struct {
	path string
	be   backend

	mu   sync.Mutex
	refs int
}

var (
	dbMu  sync.Mutex
	dbMap = map[string]*DB{}
)

// Open returns the DB for the bbolt file at path, creating it if needed.
// Concurrent opens of the same path share one DB; each Open must be paired
// with a Close.
func Open(ctx context.Context, path string) (*DB, error) {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db, ok := dbMap[path]; ok {
		db.mu.Lock()
		db.refs++
		db.mu.Unlock()
		return db, nil
	}
	be, err := newBolt(path)
	if err != nil {
		return nil, fmt.Errorf("kv: open %q: %w: %w", path, fs.ErrorIO, err)
	}
	db := &DB{path: path, be: be, refs: 1}
	dbMap[path] = db
	return db, nil
}

// OpenMemory returns a fresh in-memory DB. It is not shared and not
// registered; Close releases it.
func OpenMemory() *DB {
	return &DB{be: newMem(), refs: 1}
}

// Close releases one reference to the DB, closing the backend when the
// last reference goes away.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.refs <= 0 {
		db.mu.Unlock()
		return ErrInactive
	}
	db.refs--
	last := db.refs == 0
	db.mu.Unlock()
	if !last {
		return nil
	}
	if db.path != "" {
		dbMu.Lock()
		delete(dbMap, db.path)
		dbMu.Unlock()
	}
	return db.be.close()
}

// Do runs op inside a single transaction. With write=true the transaction
// can mutate the store and commits atomically when op returns nil; any
// error discards every staged change. Cancelled contexts abort before the
// transaction starts.
func (db *DB) Do(ctx context.Context, write bool, op Op) error {
	if err := ctx.Err(); err != nil {
		return fs.CancelCause(err)
	}
	db.mu.Lock()
	if db.refs <= 0 {
		db.mu.Unlock()
		return ErrInactive
	}
	db.mu.Unlock()
	fn := func(b Bucket) error { return op.Do(ctx, b) }
	if write {
		return db.be.update(fn)
	}
	return db.be.view(fn)
}

// Get returns a copy of the value for key, or nil if absent.
func (db *DB) Get(ctx context.Context, key []byte) (value []byte, err error) {
	err = db.Do(ctx, false, OpFunc(func(ctx context.Context, b Bucket) error {
		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	}))
	return value, err
}

// Put sets key to value in its own batch.
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	return db.Do(ctx, true, OpFunc(func(ctx context.Context, b Bucket) error {
		return b.Put(key, value)
	}))
}

// Delete removes key in its own batch.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	return db.Do(ctx, true, OpFunc(func(ctx context.Context, b Bucket) error {
		return b.Delete(key)
	}))
}

// Has reports whether key is present.
func (db *DB) Has(ctx context.Context, key []byte) (found bool, err error) {
	err = db.Do(ctx, false, OpFunc(func(ctx context.Context, b Bucket) error {
		found = Has(b, key)
		return nil
	}))
	return found, err
}

// ScanPrefix calls fn for every key with the given prefix in ascending key
// order, observing one consistent snapshot. fn returning an error stops
// the scan and is returned.
func (db *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return db.Do(ctx, false, OpFunc(func(ctx context.Context, b Bucket) error {
		return ScanPrefix(b, prefix, fn)
	}))
}

// ScanPrefix is the in-transaction form of DB.ScanPrefix for use inside an
// Op, where it also observes the op's own staged writes.
func ScanPrefix(b Bucket, prefix []byte, fn func(key, value []byte) error) error {
	cur := b.Cursor()
	for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether key is present in the bucket. Unlike Get it
// distinguishes an empty stored value from an absent key.
func Has(b Bucket, key []byte) bool {
	k, _ := b.Cursor().Seek(key)
	return bytes.Equal(k, key)
}
