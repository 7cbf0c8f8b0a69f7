package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dirkpetersen/claudefs/fs"
)

// Options configures the allocator.
type Options struct {
	// MetaDevices is the number of low-index devices carrying a reserved
	// pool for metadata and journal writes.
	MetaDevices int
	// MetaReserve is the fraction of each such device only Metadata and
	// Journal hints may allocate from.
	MetaReserve float64
}

// DefaultOptions are the allocator defaults.
var DefaultOptions = Options{
	MetaDevices: 1,
	MetaReserve: 0.10,
}

// Allocator hands out blocks from the multi-device namespace. Free lists
// are kept per device and size class; a larger free block is split when a
// class runs dry and sibling blocks coalesce back up when a whole parent
// becomes free again.
type Allocator struct {
	opt  Options
	devs []*devState
}

// devState is one device's free-space bookkeeping. All fields behind mu.
type devState struct {
	mu       sync.Mutex
	dev      Device
	cap      uint64 // usable bytes: the greedy class decomposition of the device size
	free     [][]uint64
	used     uint64
	reserved uint64 // bytes only Metadata/Journal may consume
}

// New builds an allocator over devices. Device order is significant: index
// 0 is the lowest-latency device and carries the metadata pool.
func New(devices []Device, opt Options) (*Allocator, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("allocator needs at least one device: %w", fs.ErrorInvalidArgument)
	}
	if len(devices) > 1<<16 {
		return nil, fmt.Errorf("too many devices: %w", fs.ErrorInvalidArgument)
	}
	if opt.MetaDevices == 0 {
		opt.MetaDevices = DefaultOptions.MetaDevices
	}
	if opt.MetaReserve == 0 {
		opt.MetaReserve = DefaultOptions.MetaReserve
	}
	a := &Allocator{opt: opt}
	for i, dev := range devices {
		d := &devState{dev: dev}
		d.init()
		if d.cap == 0 {
			return nil, fmt.Errorf("device %d smaller than one %v block: %w", i, B4K, fs.ErrorInvalidArgument)
		}
		if i < opt.MetaDevices {
			d.reserved = uint64(float64(d.cap) * opt.MetaReserve)
		}
		a.devs = append(a.devs, d)
	}
	return a, nil
}

// init decomposes the device size into aligned blocks, largest class
// first, and populates the free lists. A tail smaller than the smallest
// class is unusable.
func (d *devState) init() {
	d.free = make([][]uint64, len(classes))
	d.used = 0
	size := uint64(d.dev.Size())
	off := uint64(0)
	for ci := len(classes) - 1; ci >= 0; ci-- {
		c := classes[ci].Bytes()
		for size-off >= c {
			d.free[ci] = append(d.free[ci], off)
			off += c
		}
	}
	d.cap = off
}

// Devices returns the number of devices.
func (a *Allocator) Devices() int {
	return len(a.devs)
}

// Device returns the raw device at index i for payload I/O.
func (a *Allocator) Device(i uint16) (Device, error) {
	if int(i) >= len(a.devs) {
		return nil, fmt.Errorf("no device %d: %w", i, fs.ErrorInvalidArgument)
	}
	return a.devs[i].dev, nil
}

// fill returns the device's used fraction for placement ordering.
func (d *devState) fill() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.used) / float64(d.cap)
}

// order returns device indexes in hint preference order. Metadata and
// Journal go to the low-index devices; Hot and Warm balance fill; Cold
// and Snapshot concentrate on the fullest devices so future migration
// moves as few blocks as possible.
func (a *Allocator) order(hint PlacementHint) []int {
	idx := make([]int, len(a.devs))
	for i := range idx {
		idx[i] = i
	}
	switch hint {
	case HintMetadata, HintJournal:
		// already ascending by index
	case HintColdData, HintSnapshot:
		fills := a.fills()
		sort.SliceStable(idx, func(i, j int) bool { return fills[idx[i]] > fills[idx[j]] })
	default:
		fills := a.fills()
		sort.SliceStable(idx, func(i, j int) bool { return fills[idx[i]] < fills[idx[j]] })
	}
	return idx
}

func (a *Allocator) fills() []float64 {
	fills := make([]float64, len(a.devs))
	for i, d := range a.devs {
		fills[i] = d.fill()
	}
	return fills
}

// Allocate returns a free block of the given size class, choosing a
// device by hint. It fails with ErrorOutOfSpace only when no device can
// satisfy the request.
func (a *Allocator) Allocate(size BlockSize, hint PlacementHint) (BlockRef, error) {
	ci := size.class()
	if ci < 0 {
		return BlockRef{}, fmt.Errorf("bad size class %v: %w", size, fs.ErrorInvalidArgument)
	}
	meta := hint == HintMetadata || hint == HintJournal
	for _, i := range a.order(hint) {
		d := a.devs[i]
		off, ok := d.allocate(ci, meta)
		if !ok {
			continue
		}
		return BlockRef{
			ID:   BlockID{Device: uint16(i), Offset: off / size.Bytes()},
			Size: size,
		}, nil
	}
	return BlockRef{}, fmt.Errorf("no device can satisfy %v (%v): %w", size, hint, fs.ErrorOutOfSpace)
}

func (d *devState) allocate(ci int, meta bool) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	size := classes[ci].Bytes()
	if !meta && d.cap-d.used < size+d.reserved {
		return 0, false
	}
	off, ok := d.take(ci)
	if !ok {
		return 0, false
	}
	d.used += size
	return off, true
}

// take pops the lowest free block of class ci, splitting a larger block
// if the class is empty. Caller holds d.mu.
func (d *devState) take(ci int) (uint64, bool) {
	if len(d.free[ci]) > 0 {
		off := d.free[ci][0]
		d.free[ci] = d.free[ci][1:]
		return off, true
	}
	if ci+1 >= len(classes) {
		return 0, false
	}
	parent, ok := d.take(ci + 1)
	if !ok {
		return 0, false
	}
	// keep the first child, free the rest
	child := classes[ci].Bytes()
	for off := parent + child; off < parent+classes[ci+1].Bytes(); off += child {
		d.insert(ci, off)
	}
	return parent, true
}

// insert adds off to the class ci free list keeping it sorted. Caller
// holds d.mu.
func (d *devState) insert(ci int, off uint64) {
	list := d.free[ci]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= off })
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = off
	d.free[ci] = list
}

// remove deletes off from the class ci free list, reporting whether it
// was present. Caller holds d.mu.
func (d *devState) remove(ci int, off uint64) bool {
	list := d.free[ci]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= off })
	if i >= len(list) || list[i] != off {
		return false
	}
	d.free[ci] = append(list[:i], list[i+1:]...)
	return true
}

func (d *devState) contains(ci int, off uint64) bool {
	list := d.free[ci]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= off })
	return i < len(list) && list[i] == off
}

// Free returns a block to its device, coalescing complete parents back up
// to the largest class.
func (a *Allocator) Free(ref BlockRef) error {
	ci := ref.Size.class()
	if ci < 0 || int(ref.ID.Device) >= len(a.devs) {
		return fmt.Errorf("free %v: %w", ref, fs.ErrorInvalidArgument)
	}
	d := a.devs[ref.ID.Device]
	off := ref.ByteOffset()
	size := ref.Size.Bytes()

	d.mu.Lock()
	defer d.mu.Unlock()
	if off%size != 0 || off+size > d.cap {
		return fmt.Errorf("free %v: not a block address: %w", ref, fs.ErrorInvalidArgument)
	}
	if d.contains(ci, off) {
		return fmt.Errorf("double free of %v: %w", ref, fs.ErrorInternal)
	}
	d.insert(ci, off)
	d.used -= size
	d.coalesce(ci, off)
	return nil
}

// coalesce promotes the parent of (ci, off) while every sibling is free.
// Caller holds d.mu.
func (d *devState) coalesce(ci int, off uint64) {
	for ci+1 < len(classes) {
		parentSize := classes[ci+1].Bytes()
		parent := off &^ (parentSize - 1)
		if parent+parentSize > d.cap {
			return
		}
		child := classes[ci].Bytes()
		for o := parent; o < parent+parentSize; o += child {
			if !d.contains(ci, o) {
				return
			}
		}
		for o := parent; o < parent+parentSize; o += child {
			d.remove(ci, o)
		}
		d.insert(ci+1, parent)
		ci++
		off = parent
	}
}

// ReserveRange marks one block used during recovery, splitting whatever
// free block contains it. Reserving a block that is not free means two
// live references overlap.
func (a *Allocator) ReserveRange(device uint16, offset uint64, size BlockSize) error {
	ci := size.class()
	if ci < 0 || int(device) >= len(a.devs) {
		return fmt.Errorf("reserve dev%d@%d %v: %w", device, offset, size, fs.ErrorInvalidArgument)
	}
	d := a.devs[device]
	off := offset * size.Bytes()

	d.mu.Lock()
	defer d.mu.Unlock()
	if off%size.Bytes() != 0 || off+size.Bytes() > d.cap {
		return fmt.Errorf("reserve dev%d@%d %v: not a block address: %w", device, offset, size, fs.ErrorInvalidArgument)
	}
	if d.remove(ci, off) {
		d.used += size.Bytes()
		return nil
	}
	// find the free ancestor containing the target and split down to it
	for cj := ci + 1; cj < len(classes); cj++ {
		parent := off &^ (classes[cj].Bytes() - 1)
		if !d.remove(cj, parent) {
			continue
		}
		for level := cj; level > ci; level-- {
			childSize := classes[level-1].Bytes()
			base := off &^ (classes[level].Bytes() - 1)
			keep := off &^ (childSize - 1)
			for o := base; o < base+classes[level].Bytes(); o += childSize {
				if o != keep {
					d.insert(level-1, o)
				}
			}
		}
		d.used += size.Bytes()
		return nil
	}
	return fmt.Errorf("reserve dev%d@%d %v: block already referenced: %w", device, offset, size, fs.ErrorIntegrity)
}

// Usage returns the device's free and used byte counts.
func (a *Allocator) Usage(device uint16) (freeBytes, usedBytes uint64, err error) {
	if int(device) >= len(a.devs) {
		return 0, 0, fmt.Errorf("no device %d: %w", device, fs.ErrorInvalidArgument)
	}
	d := a.devs[device]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cap - d.used, d.used, nil
}

// Reset returns every device to fully free. Used by recovery before
// replaying live references with ReserveRange.
func (a *Allocator) Reset() {
	for _, d := range a.devs {
		d.mu.Lock()
		reserved := d.reserved
		d.init()
		d.reserved = reserved
		d.mu.Unlock()
	}
}

// WriteBlock writes p at the start of ref's block. p must fit the class.
func (a *Allocator) WriteBlock(ref BlockRef, p []byte) error {
	if uint64(len(p)) > ref.Size.Bytes() {
		return fmt.Errorf("payload %d overflows %v: %w", len(p), ref, fs.ErrorInvalidArgument)
	}
	dev, err := a.Device(ref.ID.Device)
	if err != nil {
		return err
	}
	if _, err := dev.WriteAt(p, int64(ref.ByteOffset())); err != nil {
		return fmt.Errorf("write %v: %w: %w", ref, fs.ErrorIO, err)
	}
	return nil
}

// ReadBlock reads len(p) bytes from the start of ref's block.
func (a *Allocator) ReadBlock(ref BlockRef, p []byte) error {
	if uint64(len(p)) > ref.Size.Bytes() {
		return fmt.Errorf("read %d overflows %v: %w", len(p), ref, fs.ErrorInvalidArgument)
	}
	dev, err := a.Device(ref.ID.Device)
	if err != nil {
		return err
	}
	if _, err := dev.ReadAt(p, int64(ref.ByteOffset())); err != nil {
		return fmt.Errorf("read %v: %w: %w", ref, fs.ErrorIO, err)
	}
	return nil
}
