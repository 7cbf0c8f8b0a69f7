// Package storage manages the multi-device block namespace: power-of-two
// size-class allocation with buddy split/coalesce, advisory placement
// hints, and raw payload I/O against the underlying devices.
package storage

import (
	"fmt"
)

// BlockSize is a size class of the allocator, in bytes.
type BlockSize uint32

// Supported size classes, ascending.
const (
	B4K  BlockSize = 4 << 10
	B64K BlockSize = 64 << 10
	B1M  BlockSize = 1 << 20
	B64M BlockSize = 64 << 20
)

// classes lists the size classes in ascending order.
var classes = []BlockSize{B4K, B64K, B1M, B64M}

// Classes returns the supported size classes in ascending order.
func Classes() []BlockSize {
	return append([]BlockSize(nil), classes...)
}

// Bytes returns the class size in bytes.
func (s BlockSize) Bytes() uint64 {
	return uint64(s)
}

// Valid reports whether s is a supported size class.
func (s BlockSize) Valid() bool {
	switch s {
	case B4K, B64K, B1M, B64M:
		return true
	}
	return false
}

// class returns the index of s in classes, or -1.
func (s BlockSize) class() int {
	for i, c := range classes {
		if c == s {
			return i
		}
	}
	return -1
}

// String turns a BlockSize into a human-readable string
func (s BlockSize) String() string {
	switch s {
	case B4K:
		return "4KiB"
	case B64K:
		return "64KiB"
	case B1M:
		return "1MiB"
	case B64M:
		return "64MiB"
	}
	return fmt.Sprintf("BlockSize(%d)", uint32(s))
}

// SizeFromBytes returns the size class with exactly n bytes, or false.
func SizeFromBytes(n uint64) (BlockSize, bool) {
	s := BlockSize(n)
	if uint64(s) != n || !s.Valid() {
		return 0, false
	}
	return s, true
}

// ClassFor returns the smallest size class that fits a payload of n bytes,
// or false if n exceeds the largest class.
func ClassFor(n uint64) (BlockSize, bool) {
	for _, c := range classes {
		if n <= c.Bytes() {
			return c, true
		}
	}
	return 0, false
}

// BlockID names a block on a device. Offset is counted in units of the
// block's size class, so the same byte address has different offsets at
// different classes.
type BlockID struct {
	Device uint16
	Offset uint64
}

// BlockRef is a BlockID together with its size class; it is the complete
// address of a block.
type BlockRef struct {
	ID   BlockID
	Size BlockSize
}

// ByteOffset returns the byte address of the block on its device.
func (r BlockRef) ByteOffset() uint64 {
	return r.ID.Offset * r.Size.Bytes()
}

// String turns a BlockRef into a human-readable string
func (r BlockRef) String() string {
	return fmt.Sprintf("dev%d@%d+%v", r.ID.Device, r.ByteOffset(), r.Size)
}

// PlacementHint tags a write with its expected access pattern so the
// allocator can group blocks. Hints are advisory: they select a device,
// they are never part of a block's identity.
type PlacementHint uint8

// Placement hints
const (
	HintMetadata PlacementHint = iota
	HintHotData
	HintWarmData
	HintColdData
	HintSnapshot
	HintJournal
)

// String turns a PlacementHint into a human-readable string
func (h PlacementHint) String() string {
	switch h {
	case HintMetadata:
		return "metadata"
	case HintHotData:
		return "hot"
	case HintWarmData:
		return "warm"
	case HintColdData:
		return "cold"
	case HintSnapshot:
		return "snapshot"
	case HintJournal:
		return "journal"
	}
	return fmt.Sprintf("PlacementHint(%d)", uint8(h))
}
