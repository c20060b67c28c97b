package inode

import (
	"fmt"

	"github.com/mit-pdos/go-journal/common"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-blockfs/super"
)

// File type bits of Mode; the low 12 bits are permissions.
const (
	TypeMask uint16 = 0xf000
	TypeDir  uint16 = 0x4000
	TypeFile uint16 = 0x8000

	PermMask uint16 = 0x0fff
)

type Inode struct {
	// in-memory info:
	Inum common.Inum

	// the on-disk inode:
	Mode   uint16
	Nlink  uint16
	Uid    uint32
	Gid    uint32
	Gen    uint32
	Size   uint64
	Blocks uint64 // data blocks plus indirect blocks
	Ptrs   []common.Bnum
}

func mkInode(inum common.Inum, nptrs uint64) *Inode {
	return &Inode{
		Inum: inum,
		Ptrs: make([]common.Bnum, nptrs),
	}
}

// Init resets ip to a fresh, empty inode of the given mode with one link.
// The generation number survives so that reused inode numbers can be told
// apart.
func (ip *Inode) Init(mode uint16, uid uint32, gid uint32) {
	ip.Mode = mode
	ip.Nlink = 1
	ip.Uid = uid
	ip.Gid = gid
	ip.Gen = ip.Gen + 1
	ip.Size = 0
	ip.Blocks = 0
	for i := range ip.Ptrs {
		ip.Ptrs[i] = common.NULLBNUM
	}
}

// Clear marks ip free on disk: mode, size and blocks zero.
func (ip *Inode) Clear() {
	gen := ip.Gen
	ip.Init(0, 0, 0)
	ip.Nlink = 0
	ip.Gen = gen
}

func (ip *Inode) IsFree() bool {
	return ip.Mode == 0 && ip.Size == 0 && ip.Blocks == 0
}

func (ip *Inode) IsDir() bool {
	return ip.Mode&TypeMask == TypeDir
}

func (ip *Inode) IsFile() bool {
	return ip.Mode&TypeMask == TypeFile
}

func (ip *Inode) String() string {
	return fmt.Sprintf("# %d m %#o n %d u %d g %d gen %d sz %d blks %d %v",
		ip.Inum, ip.Mode, ip.Nlink, ip.Uid, ip.Gid, ip.Gen, ip.Size, ip.Blocks, ip.Ptrs)
}

// Encode lays out the record as mode u16, nlink u16, uid u32, gid u32,
// gen u32, size u64, blocks u64, then the pointers, little-endian.
func (ip *Inode) Encode(sz uint64) []byte {
	enc := marshal.NewEnc(sz)
	enc.PutInt32(uint32(ip.Mode) | uint32(ip.Nlink)<<16)
	enc.PutInt32(ip.Uid)
	enc.PutInt32(ip.Gid)
	enc.PutInt32(ip.Gen)
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Blocks)
	enc.PutInts(ip.Ptrs)
	return enc.Finish()
}

func Decode(b []byte, inum common.Inum, nptrs uint64) *Inode {
	ip := &Inode{Inum: inum}
	dec := marshal.NewDec(b)
	w := dec.GetInt32()
	ip.Mode = uint16(w)
	ip.Nlink = uint16(w >> 16)
	ip.Uid = dec.GetInt32()
	ip.Gid = dec.GetInt32()
	ip.Gen = dec.GetInt32()
	ip.Size = dec.GetInt()
	ip.Blocks = dec.GetInt()
	ip.Ptrs = dec.GetInts(nptrs)
	return ip
}

// check validates a decoded record against the volume geometry.
func (ip *Inode) check(sb *super.Superblock) error {
	if ip.Blocks > sb.NDataBlocks() {
		return fmt.Errorf("inode %d: %d blocks in a %d block data zone", ip.Inum, ip.Blocks, sb.NDataBlocks())
	}
	if ip.Size > ip.Blocks*uint64(sb.BlockSize) {
		return fmt.Errorf("inode %d: size %d beyond %d blocks", ip.Inum, ip.Size, ip.Blocks)
	}
	var n uint64
	for _, bn := range ip.Ptrs {
		if bn == common.NULLBNUM {
			continue
		}
		if !sb.IsDataBlock(bn) {
			return fmt.Errorf("inode %d: pointer %d outside data zone", ip.Inum, bn)
		}
		n++
	}
	if n > ip.Blocks {
		return fmt.Errorf("inode %d: %d pointers but %d blocks", ip.Inum, n, ip.Blocks)
	}
	if ip.Mode == 0 && (ip.Size != 0 || ip.Blocks != 0) {
		return fmt.Errorf("inode %d: no mode but holds data", ip.Inum)
	}
	return nil
}
