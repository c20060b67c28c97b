// Package blockdev provides the block-addressed storage every other layer is
// built on. A Device reads and writes whole blocks by index; backends map
// those blocks onto memory, a file, an arbitrary positioned byte store, or a
// goose disk.
package blockdev

import (
	"fmt"

	"github.com/mit-pdos/go-blockfs/fserr"
)

// Device is a fixed-size array of fixed-size blocks.
//
// ReadBlock and WriteBlock transfer exactly one block: len(buf) must equal
// BlockSize() and bn must be below BlockCount(). Neither ever performs a
// partial transfer. A write is durable once Flush returns; Close flushes.
// Implementations are safe for concurrent use.
type Device interface {
	ReadBlock(bn uint64, buf []byte) error
	WriteBlock(bn uint64, buf []byte) error
	BlockSize() uint64
	BlockCount() uint64
	Flush() error
	Close() error
}

func checkArgs(bs uint64, n uint64, bn uint64, buf []byte) error {
	if uint64(len(buf)) != bs {
		return fmt.Errorf("block %d: buffer is %d bytes, block is %d: %w",
			bn, len(buf), bs, fserr.ErrBlockSize)
	}
	if bn >= n {
		return fmt.Errorf("block %d on a %d-block device: %w",
			bn, n, fserr.ErrBadBlockNumber)
	}
	return nil
}

func checkGeometry(bs uint64, n uint64) error {
	if bs == 0 || n == 0 {
		return fmt.Errorf("geometry %d blocks of %d bytes: %w",
			n, bs, fserr.ErrInvalidParameter)
	}
	if n > (1<<63)/bs {
		return fmt.Errorf("geometry %d blocks of %d bytes overflows: %w",
			n, bs, fserr.ErrInvalidParameter)
	}
	return nil
}

// ZeroBlock writes a block of zeroes at bn.
func ZeroBlock(d Device, bn uint64) error {
	return d.WriteBlock(bn, make([]byte, d.BlockSize()))
}

// Size returns the capacity of d in bytes.
func Size(d Device) uint64 {
	return d.BlockSize() * d.BlockCount()
}
