package inode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mit-pdos/go-journal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-blockfs/alloc"
	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

type testVol struct {
	d  *blockdev.MemDevice
	sb *super.Superblock
	a  *alloc.Alloc
	it *Table
	dt *Data
}

func mkVol(t *testing.T, sb *super.Superblock) *testVol {
	require.NoError(t, sb.Validate())
	d, err := blockdev.NewMemDevice(uint64(sb.BlockSize), sb.NBlocks)
	require.NoError(t, err)
	a, err := alloc.Format(d, sb)
	require.NoError(t, err)
	it := NewTable(d, sb)
	require.NoError(t, it.Format())
	return &testVol{d: d, sb: sb, a: a, it: it, dt: NewData(d, sb, a, it)}
}

// small is the 100-block volume of 32-byte blocks with two direct pointers
// per inode.
func small(t *testing.T) *testVol {
	return mkVol(t, super.New(32, 48, 100, 3, 0, 0, 1, 2, 5))
}

func (v *testVol) newFile(t *testing.T) *Inode {
	inum, err := v.a.AllocInode()
	require.NoError(t, err)
	ip := v.it.New(inum)
	ip.Init(TypeFile|0644, 1000, 1000)
	require.NoError(t, v.it.Put(inum, ip))
	return ip
}

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

func TestEncodeDecode(t *testing.T) {
	ip := mkInode(7, 12)
	ip.Init(TypeDir|0755, 3, 4)
	ip.Nlink = 2
	ip.Size = 4096
	ip.Blocks = 1
	ip.Ptrs[0] = 99
	b := ip.Encode(128)
	assert.Len(t, b, 128)
	assert.Equal(t, []byte{0xed, 0x41, 2, 0}, b[:4], "mode then nlink, little-endian")

	got := Decode(b, 7, 12)
	if diff := cmp.Diff(ip, got); diff != "" {
		t.Errorf("inode mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.IsDir())
	assert.False(t, got.IsFile())
}

func TestTableStraddle(t *testing.T) {
	v := small(t)
	root := v.it.New(common.ROOTINUM)
	root.Init(TypeDir|0755, 0, 0)
	other := v.it.New(2)
	other.Init(TypeFile|0600, 5, 6)
	other.Size = 17
	other.Blocks = 1
	other.Ptrs[1] = 42

	// inode 2 spans bytes [48, 96) of the table: two blocks
	require.NoError(t, v.it.Put(2, other))
	require.NoError(t, v.it.Put(common.ROOTINUM, root))

	got, err := v.it.Get(2)
	require.NoError(t, err)
	if diff := cmp.Diff(other, got); diff != "" {
		t.Errorf("inode 2 mismatch (-want +got):\n%s", diff)
	}
	got, err = v.it.Get(common.ROOTINUM)
	require.NoError(t, err)
	if diff := cmp.Diff(root, got); diff != "" {
		t.Errorf("root mismatch (-want +got):\n%s", diff)
	}
}

func TestTableBounds(t *testing.T) {
	v := small(t)
	_, err := v.it.Get(0)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter)
	_, err = v.it.Get(3)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter)
	assert.ErrorIs(t, v.it.Put(3, v.it.New(3)), fserr.ErrInvalidParameter)

	ip, err := v.it.Get(2)
	require.NoError(t, err)
	assert.True(t, ip.IsFree(), "formatted table holds free inodes")
}

func TestTableRejectsBadRecord(t *testing.T) {
	v := small(t)
	ip := v.it.New(2)
	ip.Init(TypeFile|0644, 0, 0)
	ip.Size = 100
	ip.Blocks = 1
	ip.Ptrs[0] = 50
	require.NoError(t, v.it.Put(2, ip))
	_, err := v.it.Get(2)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)

	ip.Size = 10
	ip.Ptrs[0] = 3 // inode table block
	require.NoError(t, v.it.Put(2, ip))
	_, err = v.it.Get(2)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
	ip.Ptrs[0] = 50
	ip.Blocks = 1 << 40
	ip.Size = ip.Blocks * 32
	require.NoError(t, v.it.Put(2, ip))
	_, err = v.it.Get(2)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
}
