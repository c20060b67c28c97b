package blockdev

import (
	"sync"
)

// MemDevice keeps every block in memory. Blocks that were never written
// read as zeroes and are not allocated.
type MemDevice struct {
	mu   *sync.RWMutex
	bs   uint64
	blks [][]byte
}

var _ Device = &MemDevice{}

func NewMemDevice(blockSize uint64, nblocks uint64) (*MemDevice, error) {
	if err := checkGeometry(blockSize, nblocks); err != nil {
		return nil, err
	}
	return &MemDevice{
		mu:   new(sync.RWMutex),
		bs:   blockSize,
		blks: make([][]byte, nblocks),
	}, nil
}

func (d *MemDevice) ReadBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, uint64(len(d.blks)), bn, buf); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	blk := d.blks[bn]
	if blk == nil {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, blk)
	return nil
}

func (d *MemDevice) WriteBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, uint64(len(d.blks)), bn, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	blk := d.blks[bn]
	if blk == nil {
		blk = make([]byte, d.bs)
		d.blks[bn] = blk
	}
	copy(blk, buf)
	return nil
}

func (d *MemDevice) BlockSize() uint64 {
	return d.bs
}

func (d *MemDevice) BlockCount() uint64 {
	return uint64(len(d.blks))
}

func (d *MemDevice) Flush() error {
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}
