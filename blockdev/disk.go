package blockdev

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-blockfs/fserr"
)

// DiskDevice exposes a goose disk.Disk (4096-byte blocks) as a Device. The
// goose disks panic on I/O failure; those panics come back as ErrIO.
type DiskDevice struct {
	d disk.Disk
}

var _ Device = &DiskDevice{}

func NewDiskDevice(d disk.Disk) *DiskDevice {
	return &DiskDevice{d: d}
}

func recoverIO(op string, bn uint64, err *error) {
	if r := recover(); r != nil {
		*err = fserr.IO(fmt.Sprintf("%s %d", op, bn), fmt.Errorf("%v", r))
	}
}

func (d *DiskDevice) ReadBlock(bn uint64, buf []byte) (err error) {
	if err := checkArgs(disk.BlockSize, d.d.Size(), bn, buf); err != nil {
		return err
	}
	defer recoverIO("disk read", bn, &err)
	blk := d.d.Read(bn)
	copy(buf, blk)
	return nil
}

func (d *DiskDevice) WriteBlock(bn uint64, buf []byte) (err error) {
	if err := checkArgs(disk.BlockSize, d.d.Size(), bn, buf); err != nil {
		return err
	}
	defer recoverIO("disk write", bn, &err)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, buf)
	d.d.Write(bn, blk)
	return nil
}

func (d *DiskDevice) BlockSize() uint64 {
	return disk.BlockSize
}

func (d *DiskDevice) BlockCount() uint64 {
	return d.d.Size()
}

func (d *DiskDevice) Flush() (err error) {
	defer recoverIO("disk barrier", 0, &err)
	d.d.Barrier()
	return nil
}

func (d *DiskDevice) Close() (err error) {
	defer recoverIO("disk close", 0, &err)
	d.d.Barrier()
	d.d.Close()
	return nil
}
