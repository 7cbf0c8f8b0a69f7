package kv

import (
	"errors"
	"sort"
	"sync"
)

var errTxNotWritable = errors.New("tx not writable")

// memBackend is the in-memory engine used in tests. It keeps the bolt
// semantics that matter: single writer, snapshot reads, and all-or-nothing
// batches (a failed update discards its staged writes).
type memBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMem() *memBackend {
	return &memBackend{data: map[string][]byte{}}
}

func (be *memBackend) view(fn func(Bucket) error) error {
	be.mu.RLock()
	defer be.mu.RUnlock()
	return fn(&memBucket{be: be})
}

func (be *memBackend) update(fn func(Bucket) error) error {
	be.mu.Lock()
	defer be.mu.Unlock()
	b := &memBucket{be: be, staged: map[string]*[]byte{}}
	if err := fn(b); err != nil {
		return err
	}
	for k, v := range b.staged {
		if v == nil {
			delete(be.data, k)
		} else {
			be.data[k] = *v
		}
	}
	return nil
}

func (be *memBackend) close() error {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.data = nil
	return nil
}

// memBucket overlays staged writes on the backend. staged==nil means a
// read-only view. A staged value of nil pointer marks a delete.
type memBucket struct {
	be     *memBackend
	staged map[string]*[]byte
}

func (b *memBucket) Get(key []byte) []byte {
	if b.staged != nil {
		if v, ok := b.staged[string(key)]; ok {
			if v == nil {
				return nil
			}
			return *v
		}
	}
	if v, ok := b.be.data[string(key)]; ok {
		return v
	}
	return nil
}

func (b *memBucket) Put(key, value []byte) error {
	if b.staged == nil {
		return errTxNotWritable
	}
	v := append([]byte(nil), value...)
	b.staged[string(key)] = &v
	return nil
}

func (b *memBucket) Delete(key []byte) error {
	if b.staged == nil {
		return errTxNotWritable
	}
	b.staged[string(key)] = nil
	return nil
}

func (b *memBucket) Cursor() Cursor {
	// Snapshot the merged key set. Staged writes after cursor creation are
	// not observed, matching a bolt cursor's stability within a bucket
	// that is iterated without interleaved writes.
	keys := make([]string, 0, len(b.be.data)+len(b.staged))
	for k := range b.be.data {
		if b.staged != nil {
			if _, ok := b.staged[k]; ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	if b.staged != nil {
		for k, v := range b.staged {
			if v != nil {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return &memCursor{b: b, keys: keys, pos: -1}
}

type memCursor struct {
	b    *memBucket
	keys []string
	pos  int
}

func (c *memCursor) at() (key, value []byte) {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil
	}
	k := c.keys[c.pos]
	return []byte(k), c.b.Get([]byte(k))
}

func (c *memCursor) First() (key, value []byte) {
	c.pos = 0
	return c.at()
}

func (c *memCursor) Seek(seek []byte) (key, value []byte) {
	c.pos = sort.SearchStrings(c.keys, string(seek))
	return c.at()
}

func (c *memCursor) Next() (key, value []byte) {
	c.pos++
	return c.at()
}
