// Package super holds the superblock: the volume-wide descriptor stored in
// block 0 that fixes the block size, the capacity, and where every other
// region of the volume starts.
//
// The volume is laid out as four contiguous zones:
//
//	[superblock][bitmaps][inode table][data blocks]
//
// The bitmap zone holds the block bitmap at bit 0 followed by the inode
// bitmap at bit InodeBitmapBit(), both LSB-first within each byte.
package super

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
)

const (
	Magic   uint32 = 0x466b6c42 // "BlkF"
	Version uint32 = 1

	// on-disk size of an encoded superblock, and so the smallest block size
	// a volume can use
	EncodedSize uint64 = 4*4 + 8*8 + 4*2 + 16

	// An inode record is a fixed header followed by 64-bit block pointers.
	InodeHeaderSize uint64 = 32
	MinInodeSize    uint64 = InodeHeaderSize + 8

	SuperBlock common.Bnum = 0
)

type Superblock struct {
	Magic     uint32
	Version   uint32
	BlockSize uint32
	InodeSize uint32

	NBlocks    uint64
	NInodes    uint64
	FreeBlocks uint64
	FreeInodes uint64
	RootInum   common.Inum

	BitmapStart common.Bnum
	InodeStart  common.Bnum
	DataStart   common.Bnum

	DeviceType uint32
	DeviceID   uint32
	UUID       uuid.UUID
}

func New(blockSize uint32, inodeSize uint32, nblocks uint64, ninodes uint64,
	deviceType uint32, deviceID uint32,
	bitmapStart common.Bnum, inodeStart common.Bnum, dataStart common.Bnum) *Superblock {
	id, _ := uuid.NewRandom()
	return &Superblock{
		Magic:       Magic,
		Version:     Version,
		BlockSize:   blockSize,
		InodeSize:   inodeSize,
		NBlocks:     nblocks,
		NInodes:     ninodes,
		FreeBlocks:  nblocks,
		FreeInodes:  ninodes,
		RootInum:    common.ROOTINUM,
		BitmapStart: bitmapStart,
		InodeStart:  inodeStart,
		DataStart:   dataStart,
		DeviceType:  deviceType,
		DeviceID:    deviceID,
		UUID:        id,
	}
}

func roundUp8(n uint64) uint64 {
	return util.RoundUp(n, 8) * 8
}

// Layout computes the smallest layout holding nblocks blocks and ninodes
// inodes (inode 0 included) with the superblock in block 0.
func Layout(blockSize uint32, nblocks uint64, ninodes uint64, inodeSize uint32) (*Superblock, error) {
	if blockSize == 0 || uint64(inodeSize) < MinInodeSize || nblocks == 0 || ninodes < 2 {
		return nil, fmt.Errorf("layout bs %d isz %d blocks %d inodes %d: %w",
			blockSize, inodeSize, nblocks, ninodes, fserr.ErrInvalidParameter)
	}
	bs := uint64(blockSize)
	bitmapStart := common.Bnum(1)
	nbitmap := util.RoundUp(roundUp8(nblocks)+ninodes, bs*8)
	inodeStart := bitmapStart + nbitmap
	ninodeblk := util.RoundUp((ninodes-1)*uint64(inodeSize), bs)
	dataStart := inodeStart + ninodeblk
	if dataStart >= nblocks {
		return nil, fmt.Errorf("metadata needs %d of %d blocks: %w",
			dataStart, nblocks, fserr.ErrInvalidParameter)
	}
	sb := New(blockSize, inodeSize, nblocks, ninodes, 0, 0,
		bitmapStart, inodeStart, dataStart)
	return sb, nil
}

func (sb *Superblock) String() string {
	return fmt.Sprintf("magic %#x v%d bs %d isz %d blocks %d/%d free inodes %d/%d free "+
		"root %d bitmap@%d inodes@%d data@%d dev %d/%d %v",
		sb.Magic, sb.Version, sb.BlockSize, sb.InodeSize,
		sb.FreeBlocks, sb.NBlocks, sb.FreeInodes, sb.NInodes,
		sb.RootInum, sb.BitmapStart, sb.InodeStart, sb.DataStart,
		sb.DeviceType, sb.DeviceID, sb.UUID)
}

// IsValid only checks the magic number; nothing else in a superblock can be
// trusted until it passes.
func (sb *Superblock) IsValid() bool {
	return sb.Magic == Magic
}

func (sb *Superblock) BitmapBlocks() uint64 {
	return sb.InodeStart - sb.BitmapStart
}

// InodeBitmapBit is the bit offset of the inode bitmap in the bitmap zone.
func (sb *Superblock) InodeBitmapBit() uint64 {
	return roundUp8(sb.NBlocks)
}

func (sb *Superblock) InodeTableBlocks() uint64 {
	return sb.DataStart - sb.InodeStart
}

func (sb *Superblock) NDataBlocks() uint64 {
	return sb.NBlocks - sb.DataStart
}

// InodeOffset is the byte offset of inum's record from the start of the
// inode table. Inode 0 is never stored.
func (sb *Superblock) InodeOffset(inum common.Inum) uint64 {
	return (inum - 1) * uint64(sb.InodeSize)
}

// PointersPerInode is the number of block pointer slots in an inode record.
func (sb *Superblock) PointersPerInode() uint64 {
	return (uint64(sb.InodeSize) - InodeHeaderSize) / 8
}

// PointersPerBlock is the number of block pointers an indirect block holds.
func (sb *Superblock) PointersPerBlock() uint64 {
	return uint64(sb.BlockSize) / 8
}

// HasIndirect reports whether the last two pointer slots of an inode are
// the single- and double-indirect roots.
func (sb *Superblock) HasIndirect() bool {
	return sb.PointersPerInode() >= 3 && sb.PointersPerBlock() > 0
}

// NDirect is the number of direct pointer slots.
func (sb *Superblock) NDirect() uint64 {
	if sb.HasIndirect() {
		return sb.PointersPerInode() - 2
	}
	return sb.PointersPerInode()
}

// MaxFileBlocks is the number of data blocks a single inode can map.
func (sb *Superblock) MaxFileBlocks() uint64 {
	if !sb.HasIndirect() {
		return sb.NDirect()
	}
	ppb := sb.PointersPerBlock()
	return sb.NDirect() + ppb + ppb*ppb
}

func (sb *Superblock) MaxFileSize() uint64 {
	return sb.MaxFileBlocks() * uint64(sb.BlockSize)
}

func (sb *Superblock) IsDataBlock(bn common.Bnum) bool {
	return bn >= sb.DataStart && bn < sb.NBlocks
}

// Validate checks every geometry invariant. Errors wrap ErrInvalidData.
func (sb *Superblock) Validate() error {
	bad := func(format string, a ...interface{}) error {
		return fmt.Errorf("superblock: "+format+": %w", append(a, fserr.ErrInvalidData)...)
	}
	if !sb.IsValid() {
		return bad("bad magic %#x", sb.Magic)
	}
	if sb.Version == 0 || sb.Version > Version {
		return bad("unsupported version %d", sb.Version)
	}
	if sb.BlockSize == 0 || sb.InodeSize == 0 || sb.NBlocks == 0 || sb.NInodes == 0 {
		return bad("zero count in %v", sb)
	}
	if uint64(sb.InodeSize) < MinInodeSize {
		return bad("inode size %d below %d", sb.InodeSize, MinInodeSize)
	}
	if !(sb.BitmapStart > SuperBlock && sb.BitmapStart < sb.InodeStart &&
		sb.InodeStart < sb.DataStart && sb.DataStart < sb.NBlocks) {
		return bad("zones out of order: bitmap@%d inodes@%d data@%d end %d",
			sb.BitmapStart, sb.InodeStart, sb.DataStart, sb.NBlocks)
	}
	bs := uint64(sb.BlockSize)
	if need := sb.InodeBitmapBit() + sb.NInodes; need > sb.BitmapBlocks()*bs*8 {
		return bad("bitmap zone holds %d bits, need %d", sb.BitmapBlocks()*bs*8, need)
	}
	if need := sb.InodeOffset(sb.NInodes); need > sb.InodeTableBlocks()*bs {
		return bad("inode table holds %d bytes, need %d", sb.InodeTableBlocks()*bs, need)
	}
	if sb.RootInum == common.NULLINUM || sb.RootInum >= sb.NInodes {
		return bad("root inode %d out of range", sb.RootInum)
	}
	if sb.FreeBlocks > sb.NBlocks || sb.FreeInodes > sb.NInodes {
		return bad("free counts exceed capacity")
	}
	return nil
}

// Encode serializes sb into a zero-padded buffer of sz bytes.
func (sb *Superblock) Encode(sz uint64) []byte {
	enc := marshal.NewEnc(sz)
	enc.PutInt32(sb.Magic)
	enc.PutInt32(sb.Version)
	enc.PutInt32(sb.BlockSize)
	enc.PutInt32(sb.InodeSize)
	enc.PutInt(sb.NBlocks)
	enc.PutInt(sb.NInodes)
	enc.PutInt(sb.FreeBlocks)
	enc.PutInt(sb.FreeInodes)
	enc.PutInt(sb.RootInum)
	enc.PutInt(sb.BitmapStart)
	enc.PutInt(sb.InodeStart)
	enc.PutInt(sb.DataStart)
	enc.PutInt32(sb.DeviceType)
	enc.PutInt32(sb.DeviceID)
	enc.PutInt(machine.UInt64Get(sb.UUID[:8]))
	enc.PutInt(machine.UInt64Get(sb.UUID[8:]))
	return enc.Finish()
}

func Decode(b []byte) *Superblock {
	sb := &Superblock{}
	dec := marshal.NewDec(b)
	sb.Magic = dec.GetInt32()
	sb.Version = dec.GetInt32()
	sb.BlockSize = dec.GetInt32()
	sb.InodeSize = dec.GetInt32()
	sb.NBlocks = dec.GetInt()
	sb.NInodes = dec.GetInt()
	sb.FreeBlocks = dec.GetInt()
	sb.FreeInodes = dec.GetInt()
	sb.RootInum = dec.GetInt()
	sb.BitmapStart = dec.GetInt()
	sb.InodeStart = dec.GetInt()
	sb.DataStart = dec.GetInt()
	sb.DeviceType = dec.GetInt32()
	sb.DeviceID = dec.GetInt32()
	machine.UInt64Put(sb.UUID[:8], dec.GetInt())
	machine.UInt64Put(sb.UUID[8:], dec.GetInt())
	return sb
}

// Load reads and validates the superblock in block 0 of d. A failure here
// must abort the mount.
func Load(d blockdev.Device) (*Superblock, error) {
	if d.BlockSize() < EncodedSize {
		return nil, fmt.Errorf("superblock: device block %d smaller than %d: %w",
			d.BlockSize(), EncodedSize, fserr.ErrInvalidData)
	}
	blk := make([]byte, d.BlockSize())
	if err := d.ReadBlock(SuperBlock, blk); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	sb := Decode(blk)
	if !sb.IsValid() {
		return nil, fmt.Errorf("superblock: bad magic %#x: %w", sb.Magic, fserr.ErrInvalidData)
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	if uint64(sb.BlockSize) != d.BlockSize() {
		return nil, fmt.Errorf("superblock: block size %d on a %d-byte device: %w",
			sb.BlockSize, d.BlockSize(), fserr.ErrInvalidData)
	}
	if sb.NBlocks > d.BlockCount() {
		return nil, fmt.Errorf("superblock: %d blocks on a %d-block device: %w",
			sb.NBlocks, d.BlockCount(), fserr.ErrInvalidData)
	}
	return sb, nil
}

// Save writes sb to block 0 of d.
func (sb *Superblock) Save(d blockdev.Device) error {
	if d.BlockSize() < EncodedSize {
		return fmt.Errorf("superblock: device block %d smaller than %d: %w",
			d.BlockSize(), EncodedSize, fserr.ErrInvalidParameter)
	}
	if err := d.WriteBlock(SuperBlock, sb.Encode(d.BlockSize())); err != nil {
		return fmt.Errorf("superblock: %w", err)
	}
	return nil
}
