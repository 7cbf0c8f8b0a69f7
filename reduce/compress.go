package reduce

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dirkpetersen/claudefs/fs"
)

// Compression selects the algorithm applied to a chunk before encryption.
type Compression uint8

// Compression algorithms
const (
	// CompressionNone stores the chunk as-is.
	CompressionNone Compression = iota
	// CompressionLZ4 is the hot-path default: a length-prefixed LZ4 block.
	CompressionLZ4
	// CompressionZstd trades CPU for ratio; used for background
	// recompression and tiering.
	CompressionZstd
)

// DefaultZstdLevel balances ratio and speed for the background path.
const DefaultZstdLevel = 3

// String turns a Compression into a human-readable string
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

const (
	// probeSize bounds the prefix sampled by Compressible.
	probeSize = 1024
	// probeRatio is the compressed-to-original size ratio at or above
	// which the probe reports the chunk as not worth compressing.
	probeRatio = 0.95
	// alwaysCompressible: below this the probe is noise, just compress.
	alwaysCompressible = 64
)

// Compressible estimates from a prefix of p whether compressing the whole
// chunk is worth the CPU. High-entropy data (already compressed,
// encrypted, random) is stored raw.
func Compressible(p []byte) bool {
	if len(p) < alwaysCompressible {
		return true
	}
	sample := p
	if len(sample) > probeSize {
		sample = sample[:probeSize]
	}
	buf := make([]byte, lz4.CompressBlockBound(len(sample)))
	var c lz4.Compressor
	n, err := c.CompressBlock(sample, buf)
	if err != nil || n == 0 {
		return false
	}
	return float64(n) < float64(len(sample))*probeRatio
}

// compress applies algo to p. The LZ4 frame is a 4-byte big-endian
// original length followed by either the compressed block or, when the
// block would not shrink, the raw bytes (the length disambiguates on
// decompress).
func compress(p []byte, algo Compression, level int) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return p, nil
	case CompressionLZ4:
		out := make([]byte, 4, 4+len(p))
		binary.BigEndian.PutUint32(out, uint32(len(p)))
		buf := make([]byte, lz4.CompressBlockBound(len(p)))
		var c lz4.Compressor
		n, err := c.CompressBlock(p, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w: %w", fs.ErrorInternal, err)
		}
		if n == 0 || n >= len(p) {
			return append(out, p...), nil
		}
		return append(out, buf[:n]...), nil
	case CompressionZstd:
		enc, err := zstdEncoder(level)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(p, nil), nil
	}
	return nil, fmt.Errorf("compression algorithm %v: %w", algo, fs.ErrorNotSupported)
}

// decompress reverses compress. originalLen is the expected plaintext
// length from the chunk's index entry.
func decompress(p []byte, algo Compression, level int, originalLen int) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return p, nil
	case CompressionLZ4:
		if len(p) < 4 {
			return nil, fmt.Errorf("lz4 frame too short: %w", fs.ErrorIntegrity)
		}
		size := int(binary.BigEndian.Uint32(p))
		if size != originalLen {
			return nil, fmt.Errorf("lz4 frame length %d, expected %d: %w", size, originalLen, fs.ErrorIntegrity)
		}
		body := p[4:]
		if len(body) == size {
			// stored raw: the block would not shrink
			return body, nil
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w: %w", fs.ErrorIntegrity, err)
		}
		return out[:n], nil
	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(p, make([]byte, 0, originalLen))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w: %w", fs.ErrorIntegrity, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("compression algorithm %v: %w", algo, fs.ErrorNotSupported)
}

// Encoders and the decoder are concurrency-safe for EncodeAll/DecodeAll,
// so one of each per level serves the whole process.
var (
	zstdMu   sync.Mutex
	zstdEncs = map[int]*zstd.Encoder{}
	zstdDec  *zstd.Decoder
)

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if level == 0 {
		level = DefaultZstdLevel
	}
	zstdMu.Lock()
	defer zstdMu.Unlock()
	if enc, ok := zstdEncs[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd level %d: %w: %w", level, fs.ErrorInternal, err)
	}
	zstdEncs[level] = enc
	return enc, nil
}

func zstdDecoder() (*zstd.Decoder, error) {
	zstdMu.Lock()
	defer zstdMu.Unlock()
	if zstdDec == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w: %w", fs.ErrorInternal, err)
		}
		zstdDec = dec
	}
	return zstdDec, nil
}

// CompressDict compresses p against a dictionary extracted from a similar
// reference chunk. Only zstd supports dictionaries; the delta-compression
// scheduler above the core decides when a dictionary pays off.
func CompressDict(p, dict []byte, level int) ([]byte, error) {
	if level == 0 {
		level = DefaultZstdLevel
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderDict(dict))
	if err != nil {
		return nil, fmt.Errorf("zstd dict: %w: %w", fs.ErrorInternal, err)
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(p, nil), nil
}

// DecompressDict reverses CompressDict with the same dictionary.
func DecompressDict(p, dict []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(dict))
	if err != nil {
		return nil, fmt.Errorf("zstd dict: %w: %w", fs.ErrorInternal, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(p, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd dict: %w: %w", fs.ErrorIntegrity, err)
	}
	return out, nil
}
