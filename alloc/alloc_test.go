package alloc

import (
	"sync"
	"testing"

	"github.com/mit-pdos/go-journal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/super"
)

func mkVolume(t *testing.T) (*blockdev.MemDevice, *super.Superblock) {
	d, err := blockdev.NewMemDevice(32, 100)
	require.NoError(t, err)
	sb := super.New(32, 48, 100, 3, 0, 0, 1, 2, 5)
	require.NoError(t, sb.Validate())
	return d, sb
}

func TestFormat(t *testing.T) {
	assert := assert.New(t)
	d, sb := mkVolume(t)
	a, err := Format(d, sb)
	require.NoError(t, err)

	for bn := uint64(0); bn < 5; bn++ {
		assert.True(a.IsBlockAllocated(bn), "metadata block %d", bn)
	}
	assert.False(a.IsBlockAllocated(5))
	assert.True(a.IsInodeAllocated(common.NULLINUM))
	assert.True(a.IsInodeAllocated(common.ROOTINUM))
	assert.False(a.IsInodeAllocated(2))
	assert.Equal(uint64(95), sb.FreeBlocks)
	assert.Equal(uint64(1), sb.FreeInodes)

	// block bits LSB-first from bit 0, inode bits from bit 104
	blk := make([]byte, 32)
	require.NoError(t, d.ReadBlock(1, blk))
	assert.Equal(byte(0x1f), blk[0])
	assert.Equal(byte(0x03), blk[13])
}

func TestAllocFirstFit(t *testing.T) {
	d, sb := mkVolume(t)
	a, err := Format(d, sb)
	require.NoError(t, err)

	bn, err := a.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bn)
	bn, err = a.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), bn)

	require.NoError(t, a.FreeBlock(5))
	bn, err = a.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bn, "lowest free block is reused")

	inum, err := a.AllocInode()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), inum)
	_, err = a.AllocInode()
	assert.ErrorIs(t, err, fserr.ErrOutOfSpace)
}

func TestConservation(t *testing.T) {
	d, sb := mkVolume(t)
	a, err := Format(d, sb)
	require.NoError(t, err)

	var got []common.Bnum
	for {
		bn, err := a.AllocBlock()
		if err != nil {
			assert.ErrorIs(t, err, fserr.ErrOutOfSpace)
			break
		}
		got = append(got, bn)
		free, _ := a.Free()
		assert.Equal(t, sb.NBlocks, free+a.CountBlocks())
	}
	assert.Len(t, got, 95)
	assert.Equal(t, uint64(0), sb.FreeBlocks)

	for _, bn := range got {
		require.NoError(t, a.FreeBlock(bn))
	}
	assert.Equal(t, uint64(95), sb.FreeBlocks)
	assert.Equal(t, uint64(5), a.CountBlocks())
}

func TestFreeErrors(t *testing.T) {
	d, sb := mkVolume(t)
	a, err := Format(d, sb)
	require.NoError(t, err)

	assert.ErrorIs(t, a.FreeBlock(7), fserr.ErrInvalidData, "double free")
	assert.ErrorIs(t, a.FreeBlock(2), fserr.ErrInvalidParameter, "metadata")
	assert.ErrorIs(t, a.FreeBlock(100), fserr.ErrInvalidParameter)
	assert.ErrorIs(t, a.FreeInode(common.ROOTINUM), fserr.ErrInvalidParameter)
	assert.ErrorIs(t, a.FreeInode(0), fserr.ErrInvalidParameter)
	assert.ErrorIs(t, a.FreeInode(2), fserr.ErrInvalidData)
	assert.Equal(t, uint64(95), sb.FreeBlocks, "failed frees leave counters alone")
}

func TestLoadReconciles(t *testing.T) {
	d, sb := mkVolume(t)
	a, err := Format(d, sb)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := a.AllocBlock()
		require.NoError(t, err)
	}
	_, err = a.AllocInode()
	require.NoError(t, err)

	stale := *sb
	stale.FreeBlocks = 95
	stale.FreeInodes = 1
	a2, err := Load(d, &stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(85), stale.FreeBlocks)
	assert.Equal(t, uint64(0), stale.FreeInodes)
	for bn := uint64(5); bn < 15; bn++ {
		assert.True(t, a2.IsBlockAllocated(bn))
	}
	assert.True(t, a2.IsInodeAllocated(2))
}

func TestLoadRejectsFreeMetadata(t *testing.T) {
	d, sb := mkVolume(t)
	require.NoError(t, blockdev.ZeroBlock(d, sb.BitmapStart))
	_, err := Load(d, sb)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
}

func TestConcurrentAlloc(t *testing.T) {
	d, err := blockdev.NewMemDevice(512, 1024)
	require.NoError(t, err)
	sb, err := super.Layout(512, 1024, 64, 128)
	require.NoError(t, err)
	a, err := Format(d, sb)
	require.NoError(t, err)
	free := sb.FreeBlocks

	var mu sync.Mutex
	seen := make(map[common.Bnum]bool)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				bn, err := a.AllocBlock()
				if err != nil {
					return err
				}
				mu.Lock()
				if seen[bn] {
					mu.Unlock()
					t.Errorf("block %d handed out twice", bn)
					continue
				}
				seen[bn] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, 400)
	assert.Equal(t, free-400, sb.FreeBlocks)
	for bn := range seen {
		assert.True(t, bn >= sb.DataStart)
	}
}
