package cas

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/storage"
)

func testEntry(dev uint16, off uint64) *Entry {
	return &Entry{
		Ref:         storage.BlockRef{ID: storage.BlockID{Device: dev, Offset: off}, Size: storage.B64K},
		Compression: 1,
		KeyID:       7,
		Nonce:       []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		OriginalLen: 65536,
		StoredLen:   30000,
	}
}

func newTestIndex(t *testing.T) (*Index, *kv.DB) {
	db := kv.OpenMemory()
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestInsertLookupRelease(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	h := hash.SumBytes([]byte("chunk one"))

	e, err := ix.Lookup(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, e)

	n, err := ix.Refcount(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	require.NoError(t, ix.Insert(ctx, h, testEntry(0, 5)))
	e, err = ix.Lookup(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint64(1), e.Refcount)
	assert.Equal(t, uint64(5), e.Ref.ID.Offset)
	assert.Equal(t, uint32(7), e.KeyID)

	require.NoError(t, ix.IncRef(ctx, h))
	n, err = ix.Refcount(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	reclaim, err := ix.Release(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, reclaim, "refcount 2 -> 1 must not reclaim")

	reclaim, err = ix.Release(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, reclaim, "refcount 1 -> 0 must reclaim")
	assert.Equal(t, uint64(5), reclaim.ID.Offset)

	e, err = ix.Lookup(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, e, "entry must be gone after reclaim")
}

func TestInsertExistingIncrements(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	h := hash.SumBytes([]byte("same chunk"))

	require.NoError(t, ix.Insert(ctx, h, testEntry(0, 9)))
	require.NoError(t, ix.Insert(ctx, h, testEntry(0, 9)))
	n, err := ix.Refcount(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestInsertDivergentFailsLoudly(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	h := hash.SumBytes([]byte("colliding"))

	require.NoError(t, ix.Insert(ctx, h, testEntry(0, 9)))
	err := ix.Insert(ctx, h, testEntry(1, 10))
	assert.ErrorIs(t, err, ErrInvariantViolated)
	assert.ErrorIs(t, err, fs.ErrorIntegrity)

	// the failed insert must not have bumped the count
	n, err := ix.Refcount(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestIncRefAbsent(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	err := ix.IncRef(ctx, hash.SumBytes([]byte("never stored")))
	assert.ErrorIs(t, err, fs.ErrorNotFound)
}

func TestReleaseAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	reclaim, err := ix.Release(ctx, hash.SumBytes([]byte("never stored")))
	require.NoError(t, err)
	assert.Nil(t, reclaim)
}

func TestScanAndLen(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	want := map[hash.Sum]uint64{}
	for i := 0; i < 20; i++ {
		h := hash.SumBytes([]byte{byte(i)})
		require.NoError(t, ix.Insert(ctx, h, testEntry(0, uint64(i))))
		want[h] = uint64(i)
	}
	n, err := ix.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	got := map[hash.Sum]uint64{}
	require.NoError(t, ix.Scan(ctx, func(h hash.Sum, e *Entry) error {
		got[h] = e.Ref.ID.Offset
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestEntryRecordRoundTrip(t *testing.T) {
	e := testEntry(3, 12345)
	e.Refcount = 42
	e.Level = 3
	got, err := unmarshalEntry(marshalEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEntryRecordBadVersion(t *testing.T) {
	rec := marshalEntry(testEntry(0, 1))
	rec[0] = 99
	_, err := unmarshalEntry(rec)
	assert.ErrorIs(t, err, fs.ErrorVersionMismatch)
}

func TestEntryRecordTruncated(t *testing.T) {
	rec := marshalEntry(testEntry(0, 1))
	for _, n := range []int{0, 1, 10, len(rec) - 1} {
		_, err := unmarshalEntry(rec[:n])
		assert.Error(t, err, "length %d", n)
	}
}

func TestConcurrentIncRef(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	h := hash.SumBytes([]byte("contended"))
	require.NoError(t, ix.Insert(ctx, h, testEntry(0, 1)))

	const workers = 8
	const each = 25
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if err := ix.IncRef(ctx, h); err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()
	n, err := ix.Refcount(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+workers*each), n)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)
	alloc, err := storage.New([]storage.Device{storage.NewMemDevice(int64(storage.B64M.Bytes()))}, storage.Options{})
	require.NoError(t, err)

	// three live entries, then an allocator with amnesia
	var total uint64
	for i := 0; i < 3; i++ {
		ref, err := alloc.Allocate(storage.B64K, storage.HintHotData)
		require.NoError(t, err)
		e := testEntry(ref.ID.Device, ref.ID.Offset)
		e.Ref = ref
		require.NoError(t, ix.Insert(ctx, hash.SumBytes([]byte{byte(i)}), e))
		total += ref.Size.Bytes()
	}
	// an orphan allocation with no entry: the batch never committed
	_, err = alloc.Allocate(storage.B1M, storage.HintHotData)
	require.NoError(t, err)

	require.NoError(t, Rebuild(ctx, ix, alloc))
	_, used, err := alloc.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, total, used, "only blocks referenced by live entries stay used")
}
