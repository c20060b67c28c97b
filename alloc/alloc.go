// Package alloc manages free space: one bitmap for blocks and one for
// inodes, packed together in the bitmap zone of the volume.
//
// The bitmaps are authoritative. The free counters in the superblock are a
// cached summary that Alloc keeps equal to count - popcount(bitmap); it
// updates them in memory and leaves saving the superblock to the caller.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/mit-pdos/go-journal/common"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

type Alloc struct {
	mu     *sync.Mutex // protects bitmap and the superblock counters
	d      blockdev.Device
	sb     *super.Superblock
	bitmap []byte // the whole bitmap zone
}

func mkAlloc(d blockdev.Device, sb *super.Superblock) *Alloc {
	return &Alloc{
		mu:     new(sync.Mutex),
		d:      d,
		sb:     sb,
		bitmap: make([]byte, sb.BitmapBlocks()*uint64(sb.BlockSize)),
	}
}

// Format writes fresh bitmaps marking the superblock, bitmap and inode
// table blocks, inode 0 and the root inode as allocated, and resets the
// superblock counters to match.
func Format(d blockdev.Device, sb *super.Superblock) (*Alloc, error) {
	a := mkAlloc(d, sb)
	for bn := uint64(0); bn < sb.DataStart; bn++ {
		a.set(bn)
	}
	a.set(a.inodeBit(common.NULLINUM))
	a.set(a.inodeBit(sb.RootInum))
	bs := uint64(sb.BlockSize)
	for i := uint64(0); i < sb.BitmapBlocks(); i++ {
		if err := d.WriteBlock(sb.BitmapStart+i, a.bitmap[i*bs:(i+1)*bs]); err != nil {
			return nil, fmt.Errorf("format bitmap: %w", err)
		}
	}
	sb.FreeBlocks = sb.NBlocks - a.countBlocks()
	sb.FreeInodes = sb.NInodes - a.countInodes()
	return a, nil
}

// Load reads both bitmaps and reconciles the superblock counters with them;
// where they disagree the bitmaps win.
func Load(d blockdev.Device, sb *super.Superblock) (*Alloc, error) {
	a := mkAlloc(d, sb)
	bs := uint64(sb.BlockSize)
	for i := uint64(0); i < sb.BitmapBlocks(); i++ {
		if err := d.ReadBlock(sb.BitmapStart+i, a.bitmap[i*bs:(i+1)*bs]); err != nil {
			return nil, fmt.Errorf("load bitmap: %w", err)
		}
	}
	for bn := uint64(0); bn < sb.DataStart; bn++ {
		if !a.isSet(bn) {
			return nil, fmt.Errorf("metadata block %d marked free: %w", bn, fserr.ErrInvalidData)
		}
	}
	if !a.isSet(a.inodeBit(common.NULLINUM)) || !a.isSet(a.inodeBit(sb.RootInum)) {
		return nil, fmt.Errorf("reserved inode marked free: %w", fserr.ErrInvalidData)
	}
	sb.FreeBlocks = sb.NBlocks - a.countBlocks()
	sb.FreeInodes = sb.NInodes - a.countInodes()
	return a, nil
}

func (a *Alloc) inodeBit(inum common.Inum) uint64 {
	return a.sb.InodeBitmapBit() + inum
}

func (a *Alloc) isSet(bit uint64) bool {
	return a.bitmap[bit/8]&(1<<(bit%8)) != 0
}

func (a *Alloc) set(bit uint64) {
	a.bitmap[bit/8] |= 1 << (bit % 8)
}

func (a *Alloc) clear(bit uint64) {
	a.bitmap[bit/8] &^= 1 << (bit % 8)
}

// flush writes back the bitmap block holding bit.
func (a *Alloc) flush(bit uint64) error {
	bs := uint64(a.sb.BlockSize)
	i := (bit / 8) / bs
	return a.d.WriteBlock(a.sb.BitmapStart+i, a.bitmap[i*bs:(i+1)*bs])
}

func (a *Alloc) popcount(start uint64, n uint64) uint64 {
	var c uint64
	bit := start
	end := start + n
	for bit < end && bit%8 != 0 {
		if a.isSet(bit) {
			c++
		}
		bit++
	}
	for ; bit+8 <= end; bit += 8 {
		c += uint64(bits.OnesCount8(a.bitmap[bit/8]))
	}
	for ; bit < end; bit++ {
		if a.isSet(bit) {
			c++
		}
	}
	return c
}

func (a *Alloc) countBlocks() uint64 {
	return a.popcount(0, a.sb.NBlocks)
}

func (a *Alloc) countInodes() uint64 {
	return a.popcount(a.inodeBit(0), a.sb.NInodes)
}

// allocBit finds the first clear bit in [start, end), sets it and writes it
// back.
func (a *Alloc) allocBit(start uint64, end uint64, skip uint64) (uint64, bool, error) {
	for bit := start; bit < end; bit++ {
		if bit == skip || a.isSet(bit) {
			continue
		}
		a.set(bit)
		if err := a.flush(bit); err != nil {
			a.clear(bit)
			return 0, false, err
		}
		return bit, true, nil
	}
	return 0, false, nil
}

func (a *Alloc) freeBit(bit uint64) error {
	a.clear(bit)
	if err := a.flush(bit); err != nil {
		a.set(bit)
		return err
	}
	return nil
}

// AllocBlock returns the lowest-numbered free data block.
func (a *Alloc) AllocBlock() (common.Bnum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bn, ok, err := a.allocBit(a.sb.DataStart, a.sb.NBlocks, a.sb.NBlocks)
	if err != nil {
		return common.NULLBNUM, fmt.Errorf("alloc block: %w", err)
	}
	if !ok {
		return common.NULLBNUM, fmt.Errorf("alloc block: %w", fserr.ErrOutOfSpace)
	}
	a.sb.FreeBlocks--
	return bn, nil
}

func (a *Alloc) FreeBlock(bn common.Bnum) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sb.IsDataBlock(bn) {
		return fmt.Errorf("free block %d: not a data block: %w", bn, fserr.ErrInvalidParameter)
	}
	if !a.isSet(bn) {
		return fmt.Errorf("free block %d: already free: %w", bn, fserr.ErrInvalidData)
	}
	if err := a.freeBit(bn); err != nil {
		return fmt.Errorf("free block %d: %w", bn, err)
	}
	a.sb.FreeBlocks++
	return nil
}

// AllocInode returns the lowest-numbered free inode. Inode 0 and the root
// are never handed out.
func (a *Alloc) AllocInode() (common.Inum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := a.inodeBit(0)
	bit, ok, err := a.allocBit(base+1, base+a.sb.NInodes, a.inodeBit(a.sb.RootInum))
	if err != nil {
		return common.NULLINUM, fmt.Errorf("alloc inode: %w", err)
	}
	if !ok {
		return common.NULLINUM, fmt.Errorf("alloc inode: %w", fserr.ErrOutOfSpace)
	}
	a.sb.FreeInodes--
	return bit - base, nil
}

func (a *Alloc) FreeInode(inum common.Inum) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if inum == common.NULLINUM || inum == a.sb.RootInum || inum >= a.sb.NInodes {
		return fmt.Errorf("free inode %d: %w", inum, fserr.ErrInvalidParameter)
	}
	bit := a.inodeBit(inum)
	if !a.isSet(bit) {
		return fmt.Errorf("free inode %d: already free: %w", inum, fserr.ErrInvalidData)
	}
	if err := a.freeBit(bit); err != nil {
		return fmt.Errorf("free inode %d: %w", inum, err)
	}
	a.sb.FreeInodes++
	return nil
}

func (a *Alloc) IsBlockAllocated(bn common.Bnum) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bn < a.sb.NBlocks && a.isSet(bn)
}

func (a *Alloc) IsInodeAllocated(inum common.Inum) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return inum < a.sb.NInodes && a.isSet(a.inodeBit(inum))
}

// CountBlocks returns the number of allocated blocks, metadata included.
func (a *Alloc) CountBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countBlocks()
}

// CountInodes returns the number of allocated inodes, 0 and root included.
func (a *Alloc) CountInodes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countInodes()
}

// Snapshot returns a copy of the superblock with consistent counters.
func (a *Alloc) Snapshot() super.Superblock {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.sb
}

// Free returns the cached free counters.
func (a *Alloc) Free() (blocks uint64, inodes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb.FreeBlocks, a.sb.FreeInodes
}
