package reduce

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dirkpetersen/claudefs/cas"
	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/lib/kv"
	"github.com/dirkpetersen/claudefs/storage"
)

// Options configures the pipeline.
type Options struct {
	Chunker     ChunkerOptions
	Compression Compression // algorithm for new chunks (default LZ4)
	ZstdLevel   int         // level for CompressionZstd (default 3)
	Suite       CipherSuite // AEAD for new chunks (default AES-GCM)
	KeyID       uint32      // active key id for new chunks
	Workers     int         // parallel chunk workers (default GOMAXPROCS)
}

// ChunkRef is one element of an inode's chunk list: the fingerprint and
// the plaintext length of the chunk it references.
type ChunkRef struct {
	Hash hash.Sum
	Len  uint32
}

// Total returns the byte length covered by a chunk list.
func Total(refs []ChunkRef) uint64 {
	var n uint64
	for _, r := range refs {
		n += uint64(r.Len)
	}
	return n
}

// stage of one in-flight chunk. Each chunk is a tagged state value a
// worker advances; there is no per-chunk goroutine state to unwind, so
// cancellation is a stage inspection and rollback is a walk of the
// states.
type stage uint8

const (
	stagePending stage = iota
	stageFingerprinted
	stageDedupHit
	stageCompressed
	stageEncrypted
	stageAllocated
	stagePersisted
)

// chunkState is one unique chunk of a user write moving through the
// stages.
type chunkState struct {
	stage       stage
	data        []byte
	hash        hash.Sum
	occurrences uint64 // times this hash appears in the write
	entry       cas.Entry
	allocated   bool // entry.Ref holds a block we allocated
	discard     bool // block superseded by an existing entry at commit
}

// WriteSet is a reduced user write awaiting commit: the ordered chunk
// list plus the per-unique-chunk states with their staged blocks.
type WriteSet struct {
	Refs   []ChunkRef
	states []*chunkState
}

// ErrDedupRaced reports that a chunk which probed as a duplicate lost its
// index entry before the commit. The write must be re-reduced; the caller
// retries.
var ErrDedupRaced = fmt.Errorf("dedup hit vanished before commit: %w", fs.ErrorInternal)

// Pipeline is the bidirectional reduction engine. Write path:
// split → fingerprint → dedup → compress → encrypt → persist.
// Read path: fetch → decrypt → decompress → concatenate.
type Pipeline struct {
	opt     Options
	index   *cas.Index
	alloc   *storage.Allocator
	resolve KeyResolver
	chunker *Chunker

	cipherMu sync.Mutex
	ciphers  map[cipherKey]chunkCipher
}

type cipherKey struct {
	suite CipherSuite
	keyID uint32
}

// NewPipeline builds a pipeline over the index and allocator. resolve
// must return the key for every id the store has ever written with.
func NewPipeline(index *cas.Index, alloc *storage.Allocator, resolve KeyResolver, opt Options) (*Pipeline, error) {
	if resolve == nil {
		return nil, fmt.Errorf("pipeline needs a key resolver: %w", fs.ErrorInvalidArgument)
	}
	if opt.Compression == CompressionNone {
		opt.Compression = CompressionLZ4
	}
	if opt.ZstdLevel == 0 {
		opt.ZstdLevel = DefaultZstdLevel
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.GOMAXPROCS(0)
	}
	chunker, err := NewChunker(opt.Chunker)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		opt:     opt,
		index:   index,
		alloc:   alloc,
		resolve: resolve,
		chunker: chunker,
		ciphers: map[cipherKey]chunkCipher{},
	}, nil
}

// Chunker returns the pipeline's chunker.
func (p *Pipeline) Chunker() *Chunker {
	return p.chunker
}

// cipherFor returns the cached AEAD for (suite, keyID), resolving the key
// on first use.
func (p *Pipeline) cipherFor(suite CipherSuite, keyID uint32) (chunkCipher, error) {
	k := cipherKey{suite: suite, keyID: keyID}
	p.cipherMu.Lock()
	defer p.cipherMu.Unlock()
	if c, ok := p.ciphers[k]; ok {
		return c, nil
	}
	key, err := p.resolve(keyID)
	if err != nil {
		return nil, fmt.Errorf("resolve key %d: %w", keyID, err)
	}
	c, err := newChunkCipher(suite, key)
	if err != nil {
		return nil, err
	}
	p.ciphers[k] = c
	return c, nil
}

// suiteForNonce infers the AEAD from a stored nonce. The two suites have
// distinct nonce sizes, so the length is unambiguous.
func suiteForNonce(n int) (CipherSuite, error) {
	switch n {
	case 12:
		return SuiteAESGCM, nil
	case 24:
		return SuiteXChaCha, nil
	}
	return 0, fmt.Errorf("nonce of %d bytes matches no cipher suite: %w", n, fs.ErrorIntegrity)
}

// Reduce runs the write pipeline over data: split, fingerprint, dedup
// probe, and for the misses compress, encrypt, allocate with hint, and
// persist the payload. The kv state is untouched — Commit applies the
// index and chunk-list mutations inside the caller's batch. On error or
// cancellation every staged block has been freed.
func (p *Pipeline) Reduce(ctx context.Context, data []byte, hint storage.PlacementHint) (*WriteSet, error) {
	chunks := p.chunker.Split(data)
	ws := &WriteSet{Refs: make([]ChunkRef, len(chunks))}

	unique := make(map[hash.Sum]*chunkState, len(chunks))
	for i, c := range chunks {
		ws.Refs[i] = ChunkRef{Hash: c.Hash, Len: uint32(len(c.Data))}
		if st, ok := unique[c.Hash]; ok {
			st.occurrences++
			continue
		}
		st := &chunkState{stage: stageFingerprinted, data: c.Data, hash: c.Hash, occurrences: 1}
		unique[c.Hash] = st
		ws.states = append(ws.states, st)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opt.Workers)
	for _, st := range ws.states {
		st := st
		g.Go(func() error {
			return p.process(gctx, st, hint)
		})
	}
	if err := g.Wait(); err != nil {
		p.Abort(ws)
		return nil, fs.CancelCause(err)
	}
	return ws, nil
}

// process advances one chunk through the stages. Pure compute runs to
// completion; cancellation is checked at the stage boundaries that talk
// to the index or the allocator.
func (p *Pipeline) process(ctx context.Context, st *chunkState, hint storage.PlacementHint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, err := p.index.Lookup(ctx, st.hash)
	if err != nil {
		return err
	}
	if existing != nil {
		st.stage = stageDedupHit
		return nil
	}

	algo := p.opt.Compression
	if algo != CompressionNone && !Compressible(st.data) {
		algo = CompressionNone
	}
	level := 0
	if algo == CompressionZstd {
		level = p.opt.ZstdLevel
	}
	compressed, err := compress(st.data, algo, level)
	if err != nil {
		return err
	}
	st.stage = stageCompressed

	cipher, err := p.cipherFor(p.opt.Suite, p.opt.KeyID)
	if err != nil {
		return err
	}
	nonce, err := newNonce(cipher.NonceSize())
	if err != nil {
		return err
	}
	sealed := cipher.Seal(nonce, compressed)
	st.entry = cas.Entry{
		Compression: uint8(algo),
		Level:       int8(level),
		KeyID:       p.opt.KeyID,
		Nonce:       nonce,
		OriginalLen: uint32(len(st.data)),
		StoredLen:   uint32(len(sealed)),
	}
	st.stage = stageEncrypted

	if err := ctx.Err(); err != nil {
		return err
	}
	class, ok := storage.ClassFor(uint64(len(sealed)))
	if !ok {
		return fmt.Errorf("sealed chunk of %d bytes exceeds the largest block: %w", len(sealed), fs.ErrorInternal)
	}
	ref, err := p.alloc.Allocate(class, hint)
	if err != nil {
		return err
	}
	st.entry.Ref = ref
	st.allocated = true
	st.stage = stageAllocated

	if err := p.alloc.WriteBlock(ref, sealed); err != nil {
		return err
	}
	st.stage = stagePersisted
	return nil
}

// Commit applies the write set inside the caller's batch: index inserts
// for the new chunks, reference bumps for the duplicates, and releases
// for the displaced hashes. Returned blocks became unreferenced and must
// be freed by the caller after the batch commits. The batch transaction
// re-checks every dedup decision, so concurrent writers of identical
// content converge on one entry.
func (p *Pipeline) Commit(b kv.Bucket, ws *WriteSet, releases []hash.Sum) (reclaimed []storage.BlockRef, err error) {
	for _, st := range ws.states {
		existing, err := cas.LookupIn(b, st.hash)
		if err != nil {
			return nil, err
		}
		switch {
		case existing != nil:
			for n := uint64(0); n < st.occurrences; n++ {
				if err := cas.IncRefIn(b, st.hash); err != nil {
					return nil, err
				}
			}
			if st.allocated {
				// lost the race: an identical chunk landed first
				st.discard = true
			}
		case st.stage == stagePersisted:
			e := st.entry
			e.Refcount = st.occurrences
			if err := cas.InsertIn(b, st.hash, &e); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("chunk %v: %w", st.hash, ErrDedupRaced)
		}
	}
	for _, h := range releases {
		ref, err := cas.ReleaseIn(b, h)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			reclaimed = append(reclaimed, *ref)
		}
	}
	return reclaimed, nil
}

// Finish frees the speculative blocks of duplicates discovered at commit.
// Call after the batch committed.
func (p *Pipeline) Finish(ws *WriteSet) {
	for _, st := range ws.states {
		if st.allocated && st.discard {
			if err := p.alloc.Free(st.entry.Ref); err != nil {
				fs.Errorf(nil, "free superseded block %v: %v", st.entry.Ref, err)
			}
			st.allocated = false
		}
	}
}

// Abort frees every block the write set allocated. Call when the batch
// failed or was cancelled; nothing references the blocks.
func (p *Pipeline) Abort(ws *WriteSet) {
	for _, st := range ws.states {
		if st.allocated {
			if err := p.alloc.Free(st.entry.Ref); err != nil {
				fs.Errorf(nil, "free aborted block %v: %v", st.entry.Ref, err)
			}
			st.allocated = false
		}
	}
}

// Read runs the inverse pipeline over a chunk list and returns the
// concatenated plaintext.
func (p *Pipeline) Read(ctx context.Context, refs []ChunkRef) ([]byte, error) {
	out := make([]byte, Total(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opt.Workers)
	off := uint64(0)
	for _, ref := range refs {
		ref, start := ref, off
		g.Go(func() error {
			return p.readChunk(gctx, ref, out[start:start+uint64(ref.Len)])
		})
		off += uint64(ref.Len)
	}
	if err := g.Wait(); err != nil {
		return nil, fs.CancelCause(err)
	}
	return out, nil
}

// readChunk fetches, opens and decompresses one chunk into dst.
func (p *Pipeline) readChunk(ctx context.Context, ref ChunkRef, dst []byte) error {
	e, err := p.index.Lookup(ctx, ref.Hash)
	if err != nil {
		return err
	}
	if e == nil {
		err := fmt.Errorf("chunk %v missing from index: %w", ref.Hash, fs.ErrorIntegrity)
		fs.Errorf(nil, "read: %v", err)
		return err
	}
	if e.OriginalLen != ref.Len {
		err := fmt.Errorf("chunk %v: index says %d bytes, inode says %d: %w", ref.Hash, e.OriginalLen, ref.Len, fs.ErrorIntegrity)
		fs.Errorf(nil, "read: %v", err)
		return err
	}

	sealed := make([]byte, e.StoredLen)
	if err := p.alloc.ReadBlock(e.Ref, sealed); err != nil {
		return err
	}

	suite, err := suiteForNonce(len(e.Nonce))
	if err != nil {
		return err
	}
	cipher, err := p.cipherFor(suite, e.KeyID)
	if err != nil {
		return err
	}
	compressed, err := cipher.Open(e.Nonce, sealed)
	if err != nil {
		fs.Errorf(nil, "read chunk %v from %v: %v", ref.Hash, e.Ref, err)
		return err
	}

	plain, err := decompress(compressed, Compression(e.Compression), int(e.Level), int(e.OriginalLen))
	if err != nil {
		fs.Errorf(nil, "read chunk %v from %v: %v", ref.Hash, e.Ref, err)
		return err
	}
	if len(plain) != int(e.OriginalLen) {
		return fmt.Errorf("chunk %v: decompressed to %d bytes, expected %d: %w", ref.Hash, len(plain), e.OriginalLen, fs.ErrorIntegrity)
	}
	if hash.SumBytes(plain) != ref.Hash {
		return fmt.Errorf("chunk %v: content does not match fingerprint: %w", ref.Hash, fs.ErrorIntegrity)
	}
	copy(dst, plain)
	return nil
}
