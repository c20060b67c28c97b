package blockdev

import (
	"fmt"
	"io"
	"sync"

	"github.com/mit-pdos/go-blockfs/fserr"
)

// StoreDevice lays blocks over any byte store that supports positioned
// reads and writes, such as an *os.File opened by the caller.
type StoreDevice struct {
	mu *sync.Mutex
	r  io.ReaderAt
	w  io.WriterAt
	bs uint64
	n  uint64
}

var _ Device = &StoreDevice{}

// NewStoreDevice adapts store. A store that only offers a sequential cursor
// (io.Reader, io.Seeker, ...) is rejected with ErrNotSupported rather than
// wrapped, since I/O through a shared cursor cannot honour block offsets.
func NewStoreDevice(store any, blockSize uint64, nblocks uint64) (*StoreDevice, error) {
	if err := checkGeometry(blockSize, nblocks); err != nil {
		return nil, err
	}
	r, rok := store.(io.ReaderAt)
	w, wok := store.(io.WriterAt)
	if !rok || !wok {
		return nil, fmt.Errorf("store %T has no positioned read/write: %w",
			store, fserr.ErrNotSupported)
	}
	return &StoreDevice{
		mu: new(sync.Mutex),
		r:  r,
		w:  w,
		bs: blockSize,
		n:  nblocks,
	}, nil
}

func (d *StoreDevice) ReadBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, d.n, bn, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(bn * d.bs)
	n, err := d.r.ReadAt(buf, off)
	if n == len(buf) {
		// io.ReaderAt may report io.EOF alongside a full read at the end
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fserr.IO(fmt.Sprintf("read block %d (%d of %d bytes)", bn, n, len(buf)), err)
}

func (d *StoreDevice) WriteBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, d.n, bn, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.w.WriteAt(buf, int64(bn*d.bs))
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return fserr.IO(fmt.Sprintf("write block %d", bn), err)
}

func (d *StoreDevice) BlockSize() uint64 {
	return d.bs
}

func (d *StoreDevice) BlockCount() uint64 {
	return d.n
}

// Flush syncs the store if it knows how to.
func (d *StoreDevice) Flush() error {
	if s, ok := d.w.(interface{ Sync() error }); ok {
		return fserr.IO("sync store", s.Sync())
	}
	return nil
}

// Close flushes; closing the store itself is left to its owner.
func (d *StoreDevice) Close() error {
	return d.Flush()
}
