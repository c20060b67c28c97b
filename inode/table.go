package inode

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/common"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

// Table reads and writes fixed-size inode records in the inode table.
// Inode i lives at byte (i-1)*InodeSize from the start of the table; a
// record may straddle two blocks.
type Table struct {
	mu *sync.Mutex // serializes read-modify-write of shared table blocks
	d  blockdev.Device
	sb *super.Superblock
}

func NewTable(d blockdev.Device, sb *super.Superblock) *Table {
	return &Table{mu: new(sync.Mutex), d: d, sb: sb}
}

func (t *Table) checkInum(inum common.Inum) error {
	if inum == common.NULLINUM || inum >= t.sb.NInodes {
		return fmt.Errorf("inode %d of %d: %w", inum, t.sb.NInodes, fserr.ErrInvalidParameter)
	}
	return nil
}

// span calls f on each (block, range in block, range in record) covering
// inum's record.
func (t *Table) span(inum common.Inum, f func(bn common.Bnum, boff uint64, roff uint64, n uint64) error) error {
	bs := uint64(t.sb.BlockSize)
	isz := uint64(t.sb.InodeSize)
	off := t.sb.InodeOffset(inum)
	var roff uint64
	for roff < isz {
		bn := t.sb.InodeStart + off/bs
		boff := off % bs
		n := bs - boff
		if n > isz-roff {
			n = isz - roff
		}
		if err := f(bn, boff, roff, n); err != nil {
			return err
		}
		roff += n
		off += n
	}
	return nil
}

func (t *Table) read(inum common.Inum) ([]byte, error) {
	rec := make([]byte, t.sb.InodeSize)
	blk := make([]byte, t.sb.BlockSize)
	err := t.span(inum, func(bn common.Bnum, boff uint64, roff uint64, n uint64) error {
		if err := t.d.ReadBlock(bn, blk); err != nil {
			return err
		}
		copy(rec[roff:roff+n], blk[boff:boff+n])
		return nil
	})
	return rec, err
}

// Get reads inode inum. A record that contradicts itself is InvalidData.
func (t *Table) Get(inum common.Inum) (*Inode, error) {
	if err := t.checkInum(inum); err != nil {
		return nil, err
	}
	t.mu.Lock()
	rec, err := t.read(inum)
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read inode %d: %w", inum, err)
	}
	ip := Decode(rec, inum, t.sb.PointersPerInode())
	if err := ip.check(t.sb); err != nil {
		return nil, fmt.Errorf("%v: %w", err, fserr.ErrInvalidData)
	}
	return ip, nil
}

// Put writes ip as inode inum, preserving neighbouring records that share
// its blocks.
func (t *Table) Put(inum common.Inum, ip *Inode) error {
	if err := t.checkInum(inum); err != nil {
		return err
	}
	if uint64(len(ip.Ptrs)) != t.sb.PointersPerInode() {
		return fmt.Errorf("inode %d has %d pointers, want %d: %w",
			inum, len(ip.Ptrs), t.sb.PointersPerInode(), fserr.ErrInvalidParameter)
	}
	rec := ip.Encode(uint64(t.sb.InodeSize))
	blk := make([]byte, t.sb.BlockSize)
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.span(inum, func(bn common.Bnum, boff uint64, roff uint64, n uint64) error {
		if boff != 0 || n != uint64(t.sb.BlockSize) {
			if err := t.d.ReadBlock(bn, blk); err != nil {
				return err
			}
		}
		copy(blk[boff:boff+n], rec[roff:roff+n])
		return t.d.WriteBlock(bn, blk)
	})
	if err != nil {
		return fmt.Errorf("write inode %d: %w", inum, err)
	}
	return nil
}

// New returns an empty in-memory inode shaped for this table.
func (t *Table) New(inum common.Inum) *Inode {
	return mkInode(inum, t.sb.PointersPerInode())
}

// Format zeroes every block of the inode table.
func (t *Table) Format() error {
	for i := uint64(0); i < t.sb.InodeTableBlocks(); i++ {
		if err := blockdev.ZeroBlock(t.d, t.sb.InodeStart+i); err != nil {
			return fmt.Errorf("format inode table: %w", err)
		}
	}
	return nil
}
