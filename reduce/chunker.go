// Package reduce implements the inline data-reduction pipeline: content
// defined chunking, fingerprinting, deduplication, compression and
// authenticated encryption on the write path, and the inverse on read.
package reduce

import (
	"fmt"
	"math/bits"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
)

// Default chunk size bounds.
const (
	DefaultMinSize = 32 << 10
	DefaultAvgSize = 64 << 10
	DefaultMaxSize = 512 << 10
)

// gear is the byte→fingerprint table driving boundary detection. The
// fixed seed keeps chunk boundaries stable across builds: two stores fed
// the same bytes must agree on chunk identities.
var gear [256]uint64

func init() {
	// splitmix64 over a fixed seed
	s := uint64(0x436c617564654653) // "ClaudeFS"
	for i := range gear {
		s += 0x9e3779b97f4a7c15
		z := s
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		gear[i] = z ^ (z >> 31)
	}
}

// ChunkerOptions bound the chunk sizes. AvgSize must be a power of two
// between MinSize and MaxSize.
type ChunkerOptions struct {
	MinSize int
	AvgSize int
	MaxSize int
}

// Chunk is one content-defined piece of a write. Data aliases the input
// slice; Hash is its fingerprint and sole identity.
type Chunk struct {
	Data   []byte
	Hash   hash.Sum
	Offset int64
}

// Chunker splits byte streams deterministically: boundaries are a pure
// function of content and options, so concatenating the output
// reconstructs the input and local edits keep remote boundaries stable.
type Chunker struct {
	min, avg, max int
	maskS, maskL  uint64
}

// NewChunker validates opt (zero values take the defaults) and returns a
// chunker.
func NewChunker(opt ChunkerOptions) (*Chunker, error) {
	if opt.MinSize == 0 {
		opt.MinSize = DefaultMinSize
	}
	if opt.AvgSize == 0 {
		opt.AvgSize = DefaultAvgSize
	}
	if opt.MaxSize == 0 {
		opt.MaxSize = DefaultMaxSize
	}
	if opt.AvgSize&(opt.AvgSize-1) != 0 {
		return nil, fmt.Errorf("average chunk size %d is not a power of two: %w", opt.AvgSize, fs.ErrorInvalidArgument)
	}
	if opt.MinSize < 64 || opt.MinSize > opt.AvgSize || opt.AvgSize > opt.MaxSize {
		return nil, fmt.Errorf("chunk sizes %d/%d/%d out of order: %w", opt.MinSize, opt.AvgSize, opt.MaxSize, fs.ErrorInvalidArgument)
	}
	b := bits.TrailingZeros(uint(opt.AvgSize))
	return &Chunker{
		min:   opt.MinSize,
		avg:   opt.AvgSize,
		max:   opt.MaxSize,
		maskS: 1<<(b+2) - 1,
		maskL: 1<<(b-2) - 1,
	}, nil
}

// Split cuts data into chunks and fingerprints each. Empty input produces
// no chunks. The concatenation of the returned Data slices is exactly
// data.
func (c *Chunker) Split(data []byte) []Chunk {
	var out []Chunk
	off := int64(0)
	for len(data) > 0 {
		n := c.cut(data)
		out = append(out, Chunk{
			Data:   data[:n],
			Hash:   hash.SumBytes(data[:n]),
			Offset: off,
		})
		data = data[n:]
		off += int64(n)
	}
	return out
}

// cut returns the length of the next chunk. Normalized chunking: a harder
// mask below the average size and an easier one above it pulls chunk
// lengths toward the average without losing content sensitivity.
func (c *Chunker) cut(data []byte) int {
	n := len(data)
	if n <= c.min {
		return n
	}
	if n > c.max {
		n = c.max
	}
	normal := c.avg
	if normal > n {
		normal = n
	}
	fp := uint64(0)
	i := c.min
	for ; i < normal; i++ {
		fp = fp<<1 + gear[data[i]]
		if fp&c.maskS == 0 {
			return i + 1
		}
	}
	for ; i < n; i++ {
		fp = fp<<1 + gear[data[i]]
		if fp&c.maskL == 0 {
			return i + 1
		}
	}
	return n
}
