package storage

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/fs"
)

func newTestAllocator(t *testing.T, sizes ...int64) *Allocator {
	t.Helper()
	var devs []Device
	for _, s := range sizes {
		devs = append(devs, NewMemDevice(s))
	}
	a, err := New(devs, Options{})
	require.NoError(t, err)
	return a
}

func TestClassFor(t *testing.T) {
	for _, test := range []struct {
		n    uint64
		want BlockSize
		ok   bool
	}{
		{0, B4K, true},
		{1, B4K, true},
		{4096, B4K, true},
		{4097, B64K, true},
		{B64K.Bytes(), B64K, true},
		{B64K.Bytes() + 1, B1M, true},
		{B1M.Bytes() + 1, B64M, true},
		{B64M.Bytes(), B64M, true},
		{B64M.Bytes() + 1, 0, false},
	} {
		got, ok := ClassFor(test.n)
		assert.Equal(t, test.ok, ok, "n=%d", test.n)
		if ok {
			assert.Equal(t, test.want, got, "n=%d", test.n)
		}
	}
}

func TestAllocateSplitsAndFreesCoalesce(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()))

	free0, used0, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, B64M.Bytes(), free0)
	assert.Equal(t, uint64(0), used0)

	// first 4K allocation splits the single 64M block all the way down
	ref, err := a.Allocate(B4K, HintHotData)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ref.ByteOffset())

	_, used, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, B4K.Bytes(), used)

	// freeing it must coalesce back to one 64M block
	require.NoError(t, a.Free(ref))
	free, used, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, B64M.Bytes(), free)
	assert.Equal(t, uint64(0), used)

	// a whole-device block overlaps the metadata reserve, so only a
	// Metadata hint may take it
	big, err := a.Allocate(B64M, HintMetadata)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), big.ByteOffset())
	require.NoError(t, a.Free(big))
}

func TestDoubleFree(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()))
	ref, err := a.Allocate(B64K, HintHotData)
	require.NoError(t, err)
	require.NoError(t, a.Free(ref))
	err = a.Free(ref)
	assert.ErrorIs(t, err, fs.ErrorInternal)
}

func TestOutOfSpace(t *testing.T) {
	a := newTestAllocator(t, int64(B1M.Bytes()))
	_, err := a.Allocate(B64M, HintHotData)
	assert.ErrorIs(t, err, fs.ErrorOutOfSpace)

	ref, err := a.Allocate(B1M, HintMetadata)
	require.NoError(t, err)
	_, err = a.Allocate(B4K, HintMetadata)
	assert.ErrorIs(t, err, fs.ErrorOutOfSpace)
	require.NoError(t, a.Free(ref))
}

func TestMetadataReserve(t *testing.T) {
	// one device, 10% reserved: data hints must leave the pool alone
	a := newTestAllocator(t, int64(10*B1M.Bytes()))
	var refs []BlockRef
	for {
		ref, err := a.Allocate(B1M, HintHotData)
		if err != nil {
			assert.ErrorIs(t, err, fs.ErrorOutOfSpace)
			break
		}
		refs = append(refs, ref)
	}
	assert.Equal(t, 9, len(refs), "hot data must stop at the reserved pool")

	// metadata can still get the reserved megabyte
	ref, err := a.Allocate(B1M, HintMetadata)
	require.NoError(t, err)
	refs = append(refs, ref)
	for _, r := range refs {
		require.NoError(t, a.Free(r))
	}
}

func TestPlacementOrdering(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()), int64(B64M.Bytes()), int64(B64M.Bytes()))

	// spread one block per device, then empty all but device 1
	var keep []BlockRef
	for i := 0; i < 3; i++ {
		ref, err := a.Allocate(B1M, HintHotData)
		require.NoError(t, err)
		keep = append(keep, ref)
	}
	require.NoError(t, a.Free(keep[0]))
	require.NoError(t, a.Free(keep[2]))

	// metadata goes to device 0 regardless of fill
	m, err := a.Allocate(B4K, HintMetadata)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), m.ID.Device)

	// journal too
	j, err := a.Allocate(B4K, HintJournal)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), j.ID.Device)

	// cold concentrates on the fullest device
	c, err := a.Allocate(B4K, HintColdData)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), c.ID.Device)
}

func TestHotBalancesFill(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()), int64(B64M.Bytes()))
	seen := map[uint16]int{}
	for i := 0; i < 8; i++ {
		ref, err := a.Allocate(B1M, HintHotData)
		require.NoError(t, err)
		seen[ref.ID.Device]++
	}
	assert.Equal(t, 4, seen[0])
	assert.Equal(t, 4, seen[1])
}

// Property: live blocks never overlap, whatever the alloc/free sequence.
func TestNonOverlapProperty(t *testing.T) {
	a := newTestAllocator(t, int64(2*B64M.Bytes()))
	rng := rand.New(rand.NewSource(42))
	sizes := Classes()
	type span struct{ start, end uint64 }
	live := map[BlockRef]span{}

	checkDisjoint := func() {
		for r1, s1 := range live {
			for r2, s2 := range live {
				if r1 == r2 || r1.ID.Device != r2.ID.Device {
					continue
				}
				if s1.start < s2.end && s2.start < s1.end {
					t.Fatalf("overlap: %v and %v", r1, r2)
				}
			}
		}
	}

	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 || len(live) == 0 {
			size := sizes[rng.Intn(3)] // up to 1M so we get plenty of blocks
			ref, err := a.Allocate(size, PlacementHint(rng.Intn(6)))
			if err != nil {
				require.ErrorIs(t, err, fs.ErrorOutOfSpace)
				continue
			}
			start := ref.ByteOffset()
			live[ref] = span{start, start + size.Bytes()}
		} else {
			for ref := range live {
				require.NoError(t, a.Free(ref))
				delete(live, ref)
				break
			}
		}
		if i%100 == 0 {
			checkDisjoint()
		}
	}
	checkDisjoint()

	for ref := range live {
		require.NoError(t, a.Free(ref))
	}
	free, used, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), used)
	assert.Equal(t, 2*B64M.Bytes(), free)
}

func TestReserveRange(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()))

	// reserve a 64K block deep inside the fully-free device
	require.NoError(t, a.ReserveRange(0, 5, B64K))
	_, used, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, B64K.Bytes(), used)

	// reserving it again is an overlap
	err = a.ReserveRange(0, 5, B64K)
	assert.ErrorIs(t, err, fs.ErrorIntegrity)

	// allocations must not hand the reserved block out
	for i := 0; i < 100; i++ {
		ref, err := a.Allocate(B64K, HintHotData)
		require.NoError(t, err)
		assert.NotEqual(t, uint64(5), ref.ID.Offset)
	}

	// freeing the reserved block by its ref works
	require.NoError(t, a.Free(BlockRef{ID: BlockID{Device: 0, Offset: 5}, Size: B64K}))
}

func TestResetAndRebuildShape(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()))
	for i := 0; i < 10; i++ {
		_, err := a.Allocate(B1M, HintHotData)
		require.NoError(t, err)
	}
	a.Reset()
	free, used, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), used)
	assert.Equal(t, B64M.Bytes(), free)
}

func TestBlockIO(t *testing.T) {
	a := newTestAllocator(t, int64(B64M.Bytes()))
	ref, err := a.Allocate(B4K, HintHotData)
	require.NoError(t, err)

	payload := []byte("claudefs block payload")
	require.NoError(t, a.WriteBlock(ref, payload))
	got := make([]byte, len(payload))
	require.NoError(t, a.ReadBlock(ref, got))
	assert.Equal(t, payload, got)

	big := make([]byte, B64K.Bytes())
	err = a.WriteBlock(ref, big)
	assert.ErrorIs(t, err, fs.ErrorInvalidArgument)
}

func TestOddSizedDeviceTail(t *testing.T) {
	// 1M + 64K + 4K + 100 bytes: the greedy decomposition uses everything
	// except the 100-byte tail
	size := int64(B1M.Bytes() + B64K.Bytes() + B4K.Bytes() + 100)
	a := newTestAllocator(t, size)
	free, _, err := a.Usage(0)
	require.NoError(t, err)
	assert.Equal(t, B1M.Bytes()+B64K.Bytes()+B4K.Bytes(), free)
}
