package super

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/fserr"
)

func TestNew(t *testing.T) {
	sb := New(32, 48, 100, 3, 7, 9, 1, 2, 5)
	assert.True(t, sb.IsValid())
	assert.Equal(t, uint64(100), sb.FreeBlocks)
	assert.Equal(t, uint64(3), sb.FreeInodes)
	assert.Equal(t, uint64(1), sb.RootInum)
	assert.Equal(t, uint32(7), sb.DeviceType)
	assert.Equal(t, uint32(9), sb.DeviceID)
	assert.NoError(t, sb.Validate())

	// two pointer slots: both direct
	assert.Equal(t, uint64(2), sb.PointersPerInode())
	assert.False(t, sb.HasIndirect())
	assert.Equal(t, uint64(64), sb.MaxFileSize())
	assert.Equal(t, uint64(96), sb.InodeOffset(3))
	assert.Equal(t, uint64(104), sb.InodeBitmapBit())
}

func TestLayout(t *testing.T) {
	sb, err := Layout(512, 64, 32, 128)
	require.NoError(t, err)
	assert.NoError(t, sb.Validate())
	assert.Equal(t, uint64(1), sb.BitmapStart)
	assert.Equal(t, uint64(2), sb.InodeStart)
	assert.Equal(t, uint64(10), sb.DataStart)
	assert.Equal(t, uint64(54), sb.NDataBlocks())

	assert.Equal(t, uint64(12), sb.PointersPerInode())
	assert.Equal(t, uint64(10), sb.NDirect())
	assert.Equal(t, uint64(10+64+64*64), sb.MaxFileBlocks())

	_, err = Layout(512, 4, 32, 128)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter, "metadata does not fit")
	_, err = Layout(512, 64, 32, 16)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter, "inode too small for a pointer")
	_, err = Layout(0, 64, 32, 128)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter)
}

func TestSaveLoad(t *testing.T) {
	d, err := blockdev.NewMemDevice(512, 64)
	require.NoError(t, err)
	sb, err := Layout(512, 64, 32, 128)
	require.NoError(t, err)
	sb.FreeBlocks = 40
	sb.FreeInodes = 20

	require.NoError(t, sb.Save(d))
	got, err := Load(d)
	require.NoError(t, err)
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Errorf("superblock mismatch (-want +got):\n%s", diff)
	}

	blk := make([]byte, 512)
	require.NoError(t, d.ReadBlock(0, blk))
	assert.Equal(t, blk, got.Encode(512), "re-encoding is byte-identical")
	assert.Equal(t, make([]byte, 512-EncodedSize), blk[EncodedSize:], "zero padded")
}

func TestEncodingIsLittleEndian(t *testing.T) {
	sb := New(32, 48, 100, 3, 0, 0, 1, 2, 5)
	b := sb.Encode(EncodedSize)
	assert.Equal(t, []byte{0x42, 0x6c, 0x6b, 0x46}, b[:4])
	assert.Equal(t, []byte{32, 0, 0, 0}, b[8:12])
	assert.Equal(t, byte(100), b[16])
}

func TestLoadRejects(t *testing.T) {
	good, err := Layout(512, 64, 32, 128)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mangle func(sb *Superblock)
	}{
		{"magic", func(sb *Superblock) { sb.Magic = 0xdeadbeef }},
		{"version", func(sb *Superblock) { sb.Version = Version + 1 }},
		{"zero inodes", func(sb *Superblock) { sb.NInodes = 0 }},
		{"zero blocks", func(sb *Superblock) { sb.NBlocks = 0 }},
		{"order", func(sb *Superblock) { sb.InodeStart = sb.DataStart }},
		{"data past end", func(sb *Superblock) { sb.DataStart = sb.NBlocks }},
		{"bitmap too small", func(sb *Superblock) { sb.NInodes = 5000 }},
		{"free count", func(sb *Superblock) { sb.FreeBlocks = sb.NBlocks + 1 }},
		{"block size", func(sb *Superblock) { sb.BlockSize = 1024 }},
		{"device too small", func(sb *Superblock) { sb.NBlocks = 65 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := blockdev.NewMemDevice(512, 64)
			require.NoError(t, err)
			sb := *good
			tt.mangle(&sb)
			require.NoError(t, sb.Save(d))
			_, err = Load(d)
			assert.ErrorIs(t, err, fserr.ErrInvalidData)
		})
	}
}

func TestLoadBlankDevice(t *testing.T) {
	d, err := blockdev.NewMemDevice(512, 64)
	require.NoError(t, err)
	_, err = Load(d)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
}

func TestSmallBlocks(t *testing.T) {
	d, err := blockdev.NewMemDevice(32, 100)
	require.NoError(t, err)
	sb := New(32, 48, 100, 3, 0, 0, 1, 2, 5)
	assert.ErrorIs(t, sb.Save(d), fserr.ErrInvalidParameter)
	_, err = Load(d)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
}
