package cas

import (
	"context"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/fs/hash"
	"github.com/dirkpetersen/claudefs/storage"
)

// Rebuild reconstructs the allocator's free lists from the live index
// after a crash: every referenced block is marked used, everything else is
// reclaimed. The index is authoritative — a block without an entry was
// either free or part of a batch that never committed.
func Rebuild(ctx context.Context, ix *Index, alloc *storage.Allocator) error {
	alloc.Reset()
	err := ix.Scan(ctx, func(h hash.Sum, e *Entry) error {
		return alloc.ReserveRange(e.Ref.ID.Device, e.Ref.ID.Offset, e.Ref.Size)
	})
	if err != nil {
		return err
	}
	for i := 0; i < alloc.Devices(); i++ {
		free, used, err := alloc.Usage(uint16(i))
		if err != nil {
			return err
		}
		fs.Debugf(nil, "rebuild device %d: %d bytes used, %d free", i, used, free)
	}
	return nil
}
