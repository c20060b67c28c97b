package inode

import (
	"fmt"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-blockfs/alloc"
	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

// Data maps byte ranges of a file onto the data blocks its inode points to.
//
// With P pointer slots, if P >= 3 the first P-2 are direct, slot P-2 is the
// single-indirect root and slot P-1 the double-indirect root; otherwise all
// slots are direct. Files have no holes: every block below size is mapped,
// and bytes past size in the last block are zero.
//
// Callers serialize operations on one inode.
type Data struct {
	d     blockdev.Device
	sb    *super.Superblock
	alloc *alloc.Alloc
	itab  *Table
}

func NewData(d blockdev.Device, sb *super.Superblock, a *alloc.Alloc, itab *Table) *Data {
	return &Data{d: d, sb: sb, alloc: a, itab: itab}
}

func (dt *Data) bs() uint64 {
	return uint64(dt.sb.BlockSize)
}

func (dt *Data) indirect() uint64 {
	return dt.sb.PointersPerInode() - 2
}

func (dt *Data) dindirect() uint64 {
	return dt.sb.PointersPerInode() - 1
}

func (dt *Data) readBlock(bn common.Bnum) ([]byte, error) {
	blk := make([]byte, dt.bs())
	if err := dt.d.ReadBlock(bn, blk); err != nil {
		return nil, err
	}
	return blk, nil
}

func (dt *Data) getPtr(root common.Bnum, idx uint64) (common.Bnum, error) {
	blk, err := dt.readBlock(root)
	if err != nil {
		return common.NULLBNUM, err
	}
	bn := machine.UInt64Get(blk[idx*8 : (idx+1)*8])
	if bn != common.NULLBNUM && !dt.sb.IsDataBlock(bn) {
		return common.NULLBNUM, fmt.Errorf("indirect block %d slot %d points at %d: %w",
			root, idx, bn, fserr.ErrInvalidData)
	}
	return bn, nil
}

func (dt *Data) setPtr(root common.Bnum, idx uint64, bn common.Bnum) error {
	blk, err := dt.readBlock(root)
	if err != nil {
		return err
	}
	machine.UInt64Put(blk[idx*8:(idx+1)*8], bn)
	return dt.d.WriteBlock(root, blk)
}

// allocZeroed allocates a block and zeroes it on disk before anyone can
// point at it.
func (dt *Data) allocZeroed() (common.Bnum, error) {
	bn, err := dt.alloc.AllocBlock()
	if err != nil {
		return common.NULLBNUM, err
	}
	if err := blockdev.ZeroBlock(dt.d, bn); err != nil {
		dt.alloc.FreeBlock(bn)
		return common.NULLBNUM, err
	}
	return bn, nil
}

// lookup maps logical block lbn of ip to a device block, or NULLBNUM if
// lbn is unmapped.
func (dt *Data) lookup(ip *Inode, lbn uint64) (common.Bnum, error) {
	if lbn < dt.sb.NDirect() {
		return ip.Ptrs[lbn], nil
	}
	if !dt.sb.HasIndirect() {
		return common.NULLBNUM, nil
	}
	ppb := dt.sb.PointersPerBlock()
	off := lbn - dt.sb.NDirect()
	if off < ppb {
		root := ip.Ptrs[dt.indirect()]
		if root == common.NULLBNUM {
			return root, nil
		}
		return dt.getPtr(root, off)
	}
	off -= ppb
	root := ip.Ptrs[dt.dindirect()]
	if root == common.NULLBNUM {
		return root, nil
	}
	l1, err := dt.getPtr(root, off/ppb)
	if err != nil || l1 == common.NULLBNUM {
		return l1, err
	}
	return dt.getPtr(l1, off%ppb)
}

// link makes lbn of ip point at bn, allocating indirect blocks on the way.
// Only the in-memory inode changes; the caller writes it back.
func (dt *Data) link(ip *Inode, lbn uint64, bn common.Bnum) error {
	if lbn < dt.sb.NDirect() {
		ip.Ptrs[lbn] = bn
		ip.Blocks++
		return nil
	}
	ppb := dt.sb.PointersPerBlock()
	off := lbn - dt.sb.NDirect()
	slot := dt.indirect()
	if off >= ppb {
		off -= ppb
		slot = dt.dindirect()
	}
	root := ip.Ptrs[slot]
	if root == common.NULLBNUM {
		r, err := dt.allocZeroed()
		if err != nil {
			return err
		}
		root = r
		ip.Ptrs[slot] = root
		ip.Blocks++
	}
	leaf := root
	idx := off
	if slot == dt.dindirect() {
		l1, err := dt.getPtr(root, off/ppb)
		if err != nil {
			return err
		}
		if l1 == common.NULLBNUM {
			l1, err = dt.allocZeroed()
			if err != nil {
				return err
			}
			if err := dt.setPtr(root, off/ppb, l1); err != nil {
				dt.alloc.FreeBlock(l1)
				return err
			}
			ip.Blocks++
		}
		leaf = l1
		idx = off % ppb
	}
	if err := dt.setPtr(leaf, idx, bn); err != nil {
		return err
	}
	ip.Blocks++
	return nil
}

// appendBlock allocates, fills and links a new block at lbn. Contents are
// on disk before the pointer to them is.
func (dt *Data) appendBlock(ip *Inode, lbn uint64, blk []byte) error {
	bn, err := dt.alloc.AllocBlock()
	if err != nil {
		return err
	}
	if err := dt.d.WriteBlock(bn, blk); err != nil {
		dt.alloc.FreeBlock(bn)
		return err
	}
	if err := dt.link(ip, lbn, bn); err != nil {
		dt.alloc.FreeBlock(bn)
		return err
	}
	return nil
}

func (dt *Data) nblocks(size uint64) uint64 {
	return util.RoundUp(size, dt.bs())
}

// BlocksFor is the number of data blocks a file of size bytes maps.
func (dt *Data) BlocksFor(size uint64) uint64 {
	return dt.nblocks(size)
}

// grow extends ip to size with zeroes. Blocks are appended one at a time
// and size only covers the ones that made it to disk.
func (dt *Data) grow(ip *Inode, size uint64) error {
	first := dt.nblocks(ip.Size)
	for lbn := first; lbn < dt.nblocks(size); lbn++ {
		if err := dt.appendBlock(ip, lbn, make([]byte, dt.bs())); err != nil {
			if lbn > first {
				ip.Size = lbn * dt.bs()
			}
			return err
		}
	}
	ip.Size = size
	return nil
}

// Read copies up to len(buf) bytes of ip starting at off. Reads are clamped
// to the file size; at or past EOF it returns 0.
func (dt *Data) Read(ip *Inode, off uint64, buf []byte) (int, error) {
	if off >= ip.Size {
		return 0, nil
	}
	count := util.Min(uint64(len(buf)), ip.Size-off)
	var n uint64
	for n < count {
		lbn := off / dt.bs()
		boff := off % dt.bs()
		nbytes := util.Min(dt.bs()-boff, count-n)
		bn, err := dt.lookup(ip, lbn)
		if err != nil {
			return int(n), fmt.Errorf("read inode %d block %d: %w", ip.Inum, lbn, err)
		}
		if bn == common.NULLBNUM {
			return int(n), fmt.Errorf("inode %d: block %d below size %d unmapped: %w",
				ip.Inum, lbn, ip.Size, fserr.ErrInvalidData)
		}
		blk, err := dt.readBlock(bn)
		if err != nil {
			return int(n), fmt.Errorf("read inode %d block %d: %w", ip.Inum, lbn, err)
		}
		copy(buf[n:n+nbytes], blk[boff:boff+nbytes])
		n += nbytes
		off += nbytes
	}
	return int(n), nil
}

func (dt *Data) checkSize(ip *Inode, off uint64, n uint64) error {
	if util.SumOverflows(off, n) || off+n > dt.sb.MaxFileSize() {
		return fmt.Errorf("inode %d: %d bytes at %d past max %d: %w",
			ip.Inum, n, off, dt.sb.MaxFileSize(), fserr.ErrFileTooLarge)
	}
	return nil
}

// Write stores data at off in ip, allocating blocks as needed, and writes
// the inode back. A gap between the old size and off is zero-filled. If
// space runs out part way, the inode covers exactly the bytes written and
// that count is returned with ErrOutOfSpace.
func (dt *Data) Write(ip *Inode, off uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := dt.checkSize(ip, off, uint64(len(data))); err != nil {
		return 0, err
	}
	var err error
	if off > ip.Size {
		err = dt.grow(ip, off)
	}
	var n uint64
	if err == nil {
		n, err = dt.write(ip, off, data)
		if off+n > ip.Size {
			ip.Size = off + n
		}
	}
	if perr := dt.itab.Put(ip.Inum, ip); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		return int(n), fmt.Errorf("write inode %d at %d: %w", ip.Inum, off, err)
	}
	return int(n), nil
}

func (dt *Data) write(ip *Inode, off uint64, data []byte) (uint64, error) {
	bs := dt.bs()
	count := uint64(len(data))
	var n uint64
	for n < count {
		lbn := off / bs
		boff := off % bs
		nbytes := util.Min(bs-boff, count-n)
		bn, err := dt.lookup(ip, lbn)
		if err != nil {
			return n, err
		}
		if bn == common.NULLBNUM {
			blk := make([]byte, bs)
			copy(blk[boff:], data[n:n+nbytes])
			if err := dt.appendBlock(ip, lbn, blk); err != nil {
				return n, err
			}
		} else if boff == 0 && nbytes == bs {
			if err := dt.d.WriteBlock(bn, data[n:n+nbytes]); err != nil {
				return n, err
			}
		} else {
			blk, err := dt.readBlock(bn)
			if err != nil {
				return n, err
			}
			copy(blk[boff:boff+nbytes], data[n:n+nbytes])
			if err := dt.d.WriteBlock(bn, blk); err != nil {
				return n, err
			}
		}
		n += nbytes
		off += nbytes
	}
	return n, nil
}

// Truncate sets the size of ip. Growing zero-fills; shrinking zeroes the
// tail of the new last block and frees every block past it, indirect blocks
// included. The inode is written before any block is freed.
func (dt *Data) Truncate(ip *Inode, size uint64) error {
	if err := dt.checkSize(ip, 0, size); err != nil {
		return err
	}
	if size >= ip.Size {
		err := dt.grow(ip, size)
		if perr := dt.itab.Put(ip.Inum, ip); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return fmt.Errorf("grow inode %d to %d: %w", ip.Inum, size, err)
		}
		return nil
	}
	if err := dt.zeroTail(ip, size); err != nil {
		return fmt.Errorf("truncate inode %d: %w", ip.Inum, err)
	}
	freed, err := dt.shrink(ip, dt.nblocks(size))
	if err != nil {
		return fmt.Errorf("truncate inode %d: %w", ip.Inum, err)
	}
	ip.Size = size
	ip.Blocks -= uint64(len(freed))
	if err := dt.itab.Put(ip.Inum, ip); err != nil {
		return fmt.Errorf("truncate inode %d: %w", ip.Inum, err)
	}
	for _, bn := range freed {
		if err := dt.alloc.FreeBlock(bn); err != nil {
			return fmt.Errorf("truncate inode %d: %w", ip.Inum, err)
		}
	}
	return nil
}

// Release frees every block ip holds.
func (dt *Data) Release(ip *Inode) error {
	return dt.Truncate(ip, 0)
}

func (dt *Data) zeroTail(ip *Inode, size uint64) error {
	boff := size % dt.bs()
	if boff == 0 {
		return nil
	}
	bn, err := dt.lookup(ip, size/dt.bs())
	if err != nil || bn == common.NULLBNUM {
		return err
	}
	blk, err := dt.readBlock(bn)
	if err != nil {
		return err
	}
	for i := boff; i < dt.bs(); i++ {
		blk[i] = 0
	}
	return dt.d.WriteBlock(bn, blk)
}

// shrink unlinks every block of ip from logical block keep on and returns
// the blocks to free. Indirect blocks that become empty are unlinked too.
func (dt *Data) shrink(ip *Inode, keep uint64) ([]common.Bnum, error) {
	var freed []common.Bnum
	for i := keep; i < dt.sb.NDirect(); i++ {
		if ip.Ptrs[i] != common.NULLBNUM {
			freed = append(freed, ip.Ptrs[i])
			ip.Ptrs[i] = common.NULLBNUM
		}
	}
	if !dt.sb.HasIndirect() {
		return freed, nil
	}
	ppb := dt.sb.PointersPerBlock()
	base := dt.sb.NDirect()
	for level, slot := range []uint64{dt.indirect(), dt.dindirect()} {
		root := ip.Ptrs[slot]
		if root != common.NULLBNUM {
			f, empty, err := dt.shrinkInd(root, uint64(level+1), sub(keep, base))
			if err != nil {
				return nil, err
			}
			freed = append(freed, f...)
			if empty {
				freed = append(freed, root)
				ip.Ptrs[slot] = common.NULLBNUM
			}
		}
		if level == 0 {
			base += ppb
		}
	}
	return freed, nil
}

func sub(a uint64, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func pow(b uint64, level uint64) uint64 {
	p := uint64(1)
	for i := uint64(0); i < level; i++ {
		p = p * b
	}
	return p
}

// shrinkInd clears the entries of indirect block root that map logical
// blocks at or past keep (relative to root). It reports whether root ended
// up empty.
func (dt *Data) shrinkInd(root common.Bnum, level uint64, keep uint64) ([]common.Bnum, bool, error) {
	ppb := dt.sb.PointersPerBlock()
	span := pow(ppb, level-1)
	blk, err := dt.readBlock(root)
	if err != nil {
		return nil, false, err
	}
	var freed []common.Bnum
	dirty := false
	for idx := uint64(0); idx < ppb; idx++ {
		bn := machine.UInt64Get(blk[idx*8 : (idx+1)*8])
		if bn == common.NULLBNUM {
			continue
		}
		if !dt.sb.IsDataBlock(bn) {
			return nil, false, fmt.Errorf("indirect block %d slot %d points at %d: %w",
				root, idx, bn, fserr.ErrInvalidData)
		}
		start := idx * span
		if keep >= start+span {
			continue
		}
		drop := true
		if level > 1 {
			f, empty, err := dt.shrinkInd(bn, level-1, sub(keep, start))
			if err != nil {
				return nil, false, err
			}
			freed = append(freed, f...)
			drop = empty
		}
		if drop {
			freed = append(freed, bn)
			machine.UInt64Put(blk[idx*8:(idx+1)*8], common.NULLBNUM)
			dirty = true
		}
	}
	if dirty {
		if err := dt.d.WriteBlock(root, blk); err != nil {
			return nil, false, err
		}
	}
	return freed, keep == 0, nil
}

// BlockList returns every block ip holds, data and indirect.
func (dt *Data) BlockList(ip *Inode) ([]common.Bnum, error) {
	var bns []common.Bnum
	for i := uint64(0); i < dt.sb.NDirect(); i++ {
		if ip.Ptrs[i] != common.NULLBNUM {
			bns = append(bns, ip.Ptrs[i])
		}
	}
	if !dt.sb.HasIndirect() {
		return bns, nil
	}
	for level, slot := range []uint64{dt.indirect(), dt.dindirect()} {
		if ip.Ptrs[slot] == common.NULLBNUM {
			continue
		}
		b, err := dt.listInd(ip.Ptrs[slot], uint64(level+1))
		if err != nil {
			return nil, err
		}
		bns = append(bns, b...)
	}
	return bns, nil
}

func (dt *Data) listInd(root common.Bnum, level uint64) ([]common.Bnum, error) {
	blk, err := dt.readBlock(root)
	if err != nil {
		return nil, err
	}
	bns := []common.Bnum{root}
	for idx := uint64(0); idx < dt.sb.PointersPerBlock(); idx++ {
		bn := machine.UInt64Get(blk[idx*8 : (idx+1)*8])
		if bn == common.NULLBNUM {
			continue
		}
		if !dt.sb.IsDataBlock(bn) {
			return nil, fmt.Errorf("indirect block %d slot %d points at %d: %w",
				root, idx, bn, fserr.ErrInvalidData)
		}
		if level > 1 {
			b, err := dt.listInd(bn, level-1)
			if err != nil {
				return nil, err
			}
			bns = append(bns, b...)
		} else {
			bns = append(bns, bn)
		}
	}
	return bns, nil
}
