// Package mempool is a segregated fixed-size block allocator.
//
// Storage is one byte arena carved into pools of equal-sized blocks. Each
// block starts with an 8-byte header holding the free-list link and the
// block size; callers only ever see the usable area behind it.
package mempool

import (
	"encoding/binary"
	"errors"
	"sort"
)

// HeaderSize is the bookkeeping prefix of every block.
const HeaderSize = 8

// Class describes one pool: Count blocks of BlockSize bytes (header included).
type Class struct {
	BlockSize int
	Count     int
}

// DefaultClasses is the pool layout used by the kernel at boot.
var DefaultClasses = []Class{
	{BlockSize: 16, Count: 128},
	{BlockSize: 32, Count: 128},
	{BlockSize: 64, Count: 128},
	{BlockSize: 128, Count: 128},
	{BlockSize: 256, Count: 128},
	{BlockSize: 512, Count: 8},
	{BlockSize: 1024, Count: 8},
}

var (
	ErrTooLarge  = errors.New("mempool: no pool large enough")
	ErrExhausted = errors.New("mempool: pool exhausted")
	ErrCorrupt   = errors.New("mempool: bad block header")
)

// Block is a borrowed handle to an acquired block. The zero Block is never
// handed out.
type Block uint32

// NoBlock is the invalid handle.
const NoBlock Block = 0

const (
	noLink uint32 = 0xFFFFFFFF
	inUse  uint32 = 0xFFFFFFFE
)

type pool struct {
	size  uint32
	count int
	base  uint32
	end   uint32
	free  uint32
	avail int
}

// Allocator hands out blocks from its pools. It is not safe for concurrent
// use; the kernel serializes access with its interrupt mask.
type Allocator struct {
	heap  []byte
	pools []pool
	fatal func(error)
}

// Stat reports the occupancy of one pool.
type Stat struct {
	BlockSize int
	Count     int
	Free      int
}

// New lays out the pools described by classes. fatal is invoked for every
// unrecoverable condition (exhaustion, oversize request, corrupt release);
// the failing call still returns the error afterwards.
func New(classes []Class, fatal func(error)) *Allocator {
	cs := make([]Class, 0, len(classes))
	for _, c := range classes {
		if c.BlockSize <= HeaderSize || c.Count <= 0 {
			continue
		}
		cs = append(cs, c)
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].BlockSize < cs[j].BlockSize })

	total := 0
	for _, c := range cs {
		total += c.BlockSize * c.Count
	}

	a := &Allocator{
		heap:  make([]byte, total),
		pools: make([]pool, len(cs)),
		fatal: fatal,
	}

	off := uint32(0)
	for i, c := range cs {
		p := &a.pools[i]
		p.size = uint32(c.BlockSize)
		p.count = c.Count
		p.base = off
		p.free = off
		p.avail = c.Count
		for n := 0; n < c.Count; n++ {
			next := off + p.size
			if n == c.Count-1 {
				next = noLink
			}
			a.putHeader(off, next, p.size)
			off += p.size
		}
		p.end = off
	}
	return a
}

func (a *Allocator) putHeader(off, next, size uint32) {
	binary.LittleEndian.PutUint32(a.heap[off:], next)
	binary.LittleEndian.PutUint32(a.heap[off+4:], size)
}

func (a *Allocator) header(off uint32) (next, size uint32) {
	return binary.LittleEndian.Uint32(a.heap[off:]), binary.LittleEndian.Uint32(a.heap[off+4:])
}

func (a *Allocator) fail(err error) error {
	if a.fatal != nil {
		a.fatal(err)
	}
	return err
}

// Acquire returns a block from the first pool whose usable size covers
// size. A request never spills into a larger pool when its own is empty.
func (a *Allocator) Acquire(size int) (Block, error) {
	if size < 0 {
		size = 0
	}
	for i := range a.pools {
		p := &a.pools[i]
		if uint32(size) > p.size-HeaderSize {
			continue
		}
		if p.free == noLink {
			return NoBlock, a.fail(ErrExhausted)
		}
		off := p.free
		next, _ := a.header(off)
		p.free = next
		p.avail--
		a.putHeader(off, inUse, p.size)
		return Block(off + HeaderSize), nil
	}
	return NoBlock, a.fail(ErrTooLarge)
}

// Release returns b to the pool named by the size in its header.
func (a *Allocator) Release(b Block) error {
	if uint32(b) < HeaderSize || int(b) > len(a.heap) {
		return a.fail(ErrCorrupt)
	}
	off := uint32(b) - HeaderSize
	mark, size := a.header(off)

	p := a.poolFor(size)
	if p == nil || off < p.base || off >= p.end || (off-p.base)%p.size != 0 || mark != inUse {
		return a.fail(ErrCorrupt)
	}
	a.putHeader(off, p.free, p.size)
	p.free = off
	p.avail++
	return nil
}

func (a *Allocator) poolFor(size uint32) *pool {
	for i := range a.pools {
		if a.pools[i].size == size {
			return &a.pools[i]
		}
	}
	return nil
}

// Bytes returns the usable area of an acquired block.
func (a *Allocator) Bytes(b Block) []byte {
	if uint32(b) < HeaderSize || int(b) > len(a.heap) {
		return nil
	}
	off := uint32(b) - HeaderSize
	_, size := a.header(off)
	if int(off+size) > len(a.heap) {
		return nil
	}
	return a.heap[b : off+size]
}

// BlockSize reports the full size (header included) of the pool serving b.
func (a *Allocator) BlockSize(b Block) int {
	if uint32(b) < HeaderSize || int(b) > len(a.heap) {
		return 0
	}
	_, size := a.header(uint32(b) - HeaderSize)
	return int(size)
}

// Stats reports per-pool occupancy in ascending block-size order.
func (a *Allocator) Stats() []Stat {
	out := make([]Stat, len(a.pools))
	for i, p := range a.pools {
		out[i] = Stat{BlockSize: int(p.size), Count: p.count, Free: p.avail}
	}
	return out
}
