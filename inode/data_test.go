package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

func TestScenario(t *testing.T) {
	assert := assert.New(t)
	v := small(t)
	free := v.sb.FreeBlocks

	ip := v.newFile(t)
	data := mkdata(64)
	n, err := v.dt.Write(ip, 0, data)
	require.NoError(t, err)
	assert.Equal(64, n)
	assert.Equal(uint64(64), ip.Size)
	assert.Equal(uint64(2), ip.Blocks)
	assert.Equal(free-2, v.sb.FreeBlocks)

	got, err := v.it.Get(ip.Inum)
	require.NoError(t, err)
	assert.Equal(ip, got, "inode written back")

	buf := make([]byte, 64)
	n, err = v.dt.Read(got, 0, buf)
	require.NoError(t, err)
	assert.Equal(64, n)
	assert.Equal(data, buf)

	bns, err := v.dt.BlockList(got)
	require.NoError(t, err)
	require.NoError(t, v.dt.Release(got))
	require.NoError(t, v.a.FreeInode(got.Inum))
	for _, bn := range bns {
		assert.False(v.a.IsBlockAllocated(bn))
	}
	assert.Equal(free, v.sb.FreeBlocks)
	assert.False(v.a.IsInodeAllocated(got.Inum))
}

func TestReadClampsAtEOF(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	_, err := v.dt.Write(ip, 0, mkdata(50))
	require.NoError(t, err)

	buf := make([]byte, 30)
	n, err := v.dt.Read(ip, 40, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, mkdata(50)[40:], buf[:10])

	n, err = v.dt.Read(ip, 50, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = v.dt.Read(ip, 1000, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteIdempotent(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	data := mkdata(40)
	_, err := v.dt.Write(ip, 0, data)
	require.NoError(t, err)
	size, blocks, free := ip.Size, ip.Blocks, v.sb.FreeBlocks

	_, err = v.dt.Write(ip, 0, data)
	require.NoError(t, err)
	assert.Equal(t, size, ip.Size)
	assert.Equal(t, blocks, ip.Blocks)
	assert.Equal(t, free, v.sb.FreeBlocks)
}

func TestBlockBoundary(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	_, err := v.dt.Write(ip, 0, mkdata(32))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ip.Blocks)
	_, err = v.dt.Write(ip, 32, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ip.Blocks)
	assert.Equal(t, uint64(33), ip.Size)
}

func TestFileTooLarge(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	_, err := v.dt.Write(ip, 0, mkdata(65))
	assert.ErrorIs(t, err, fserr.ErrFileTooLarge)
	_, err = v.dt.Write(ip, 64, []byte{1})
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter)
	assert.ErrorIs(t, v.dt.Truncate(ip, 65), fserr.ErrFileTooLarge)
	assert.Equal(t, uint64(0), ip.Blocks)
}

func TestWriteZeroFillsGap(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	_, err := v.dt.Write(ip, 0, []byte("abc"))
	require.NoError(t, err)
	_, err = v.dt.Write(ip, 40, []byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, uint64(43), ip.Size)
	assert.Equal(t, uint64(2), ip.Blocks)

	buf := make([]byte, 43)
	_, err = v.dt.Read(ip, 0, buf)
	require.NoError(t, err)
	want := make([]byte, 43)
	copy(want, "abc")
	copy(want[40:], "xyz")
	assert.Equal(t, want, buf)
}

func TestTruncate(t *testing.T) {
	v := mkVol(t, mustLayout(t, 64, 64, 8, 128))
	ip := v.newFile(t)
	free := v.sb.FreeBlocks
	_, err := v.dt.Write(ip, 0, mkdata(200))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ip.Blocks)

	require.NoError(t, v.dt.Truncate(ip, 70))
	assert.Equal(t, uint64(70), ip.Size)
	assert.Equal(t, uint64(2), ip.Blocks)
	assert.Equal(t, free-2, v.sb.FreeBlocks)

	// the old bytes past the new size must not come back
	require.NoError(t, v.dt.Truncate(ip, 150))
	buf := make([]byte, 150)
	_, err = v.dt.Read(ip, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, mkdata(200)[:70], buf[:70])
	assert.Equal(t, make([]byte, 80), buf[70:])

	got, err := v.it.Get(ip.Inum)
	require.NoError(t, err)
	assert.Equal(t, ip, got)

	require.NoError(t, v.dt.Release(ip))
	assert.Equal(t, free, v.sb.FreeBlocks)
	assert.Equal(t, uint64(0), ip.Blocks)
}

func mustLayout(t *testing.T, bs uint32, nblocks uint64, ninodes uint64, isz uint32) *super.Superblock {
	sb, err := super.Layout(bs, nblocks, ninodes, isz)
	require.NoError(t, err)
	return sb
}

func TestIndirect(t *testing.T) {
	assert := assert.New(t)
	// 10 direct pointers, 8 pointers per indirect block
	v := mkVol(t, mustLayout(t, 64, 256, 8, 128))
	ip := v.newFile(t)
	free := v.sb.FreeBlocks

	// reaches into the double-indirect tree: 10 + 8 + 3 data blocks
	off := uint64((10+8)*64 + 5)
	data := mkdata(150)
	n, err := v.dt.Write(ip, off, data)
	require.NoError(t, err)
	assert.Equal(150, n)
	assert.Equal(off+150, ip.Size)
	// 21 data blocks, single root, double root, one level-1 block
	assert.Equal(uint64(21+3), ip.Blocks)
	assert.Equal(free-24, v.sb.FreeBlocks)

	bns, err := v.dt.BlockList(ip)
	require.NoError(t, err)
	assert.Len(bns, 24)
	seen := make(map[uint64]bool)
	for _, bn := range bns {
		assert.False(seen[bn], "block %d listed twice", bn)
		seen[bn] = true
		assert.True(v.a.IsBlockAllocated(bn))
	}

	buf := make([]byte, ip.Size)
	_, err = v.dt.Read(ip, 0, buf)
	require.NoError(t, err)
	assert.Equal(make([]byte, off), buf[:off])
	assert.Equal(data, buf[off:])

	// dropping back into the single-indirect range frees the double tree
	require.NoError(t, v.dt.Truncate(ip, 12*64))
	assert.Equal(uint64(12+1), ip.Blocks)
	assert.Equal(free-13, v.sb.FreeBlocks)

	require.NoError(t, v.dt.Truncate(ip, 0))
	assert.Equal(uint64(0), ip.Blocks)
	assert.Equal(free, v.sb.FreeBlocks)
	for _, p := range ip.Ptrs {
		assert.Equal(uint64(0), p)
	}
}

func TestOutOfSpaceMidWrite(t *testing.T) {
	v := mkVol(t, mustLayout(t, 64, 16, 4, 128))
	ip := v.newFile(t)
	ndata := v.sb.FreeBlocks
	require.True(t, ndata < 10, "volume must run out before the direct pointers do")

	n, err := v.dt.Write(ip, 0, mkdata(10*64))
	assert.ErrorIs(t, err, fserr.ErrOutOfSpace)
	assert.Equal(t, int(ndata*64), n)
	assert.Equal(t, uint64(n), ip.Size)
	assert.Equal(t, ndata, ip.Blocks)
	assert.Equal(t, uint64(0), v.sb.FreeBlocks)

	got, err := v.it.Get(ip.Inum)
	require.NoError(t, err)
	assert.Equal(t, ip, got, "inode reflects the blocks written")

	buf := make([]byte, n)
	_, err = v.dt.Read(got, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, mkdata(10 * 64)[:n], buf)

	require.NoError(t, v.dt.Release(got))
	assert.Equal(t, ndata, v.sb.FreeBlocks)
}

func TestFailedGrowKeepsSize(t *testing.T) {
	v := small(t)
	ip := v.newFile(t)
	_, err := v.dt.Write(ip, 0, mkdata(10))
	require.NoError(t, err)
	for v.sb.FreeBlocks > 0 {
		_, err := v.a.AllocBlock()
		require.NoError(t, err)
	}

	n, err := v.dt.Write(ip, 40, []byte{1})
	assert.ErrorIs(t, err, fserr.ErrOutOfSpace)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(10), ip.Size)
	assert.Equal(t, uint64(1), ip.Blocks)

	got, err := v.it.Get(ip.Inum)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Size)

	assert.ErrorIs(t, v.dt.Truncate(ip, 50), fserr.ErrOutOfSpace)
	assert.Equal(t, uint64(10), ip.Size)
}
