package kv

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// All records live in a single root bucket so one transaction covers every
// keyspace.
var rootBucket = []byte("claudefs")

type boltBackend struct {
	db *bolt.DB
}

func newBolt(path string) (*boltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (be *boltBackend) view(fn func(Bucket) error) error {
	return be.db.View(func(tx *bolt.Tx) error {
		return fn(boltBucket{tx.Bucket(rootBucket)})
	})
}

func (be *boltBackend) update(fn func(Bucket) error) error {
	return be.db.Update(func(tx *bolt.Tx) error {
		return fn(boltBucket{tx.Bucket(rootBucket)})
	})
}

func (be *boltBackend) close() error {
	return be.db.Close()
}

type boltBucket struct {
	b *bolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte       { return b.b.Get(key) }
func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b boltBucket) Delete(key []byte) error     { return b.b.Delete(key) }
func (b boltBucket) Cursor() Cursor              { return &boltCursor{b.b.Cursor()} }

type boltCursor struct {
	c *bolt.Cursor
}

func (c *boltCursor) First() (key, value []byte)           { return c.c.First() }
func (c *boltCursor) Seek(seek []byte) (key, value []byte) { return c.c.Seek(seek) }
func (c *boltCursor) Next() (key, value []byte)            { return c.c.Next() }
