package blockdev

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-blockfs/fserr"
)

// transient errno values are retried this many times before giving up
const maxRetries = 8

// FileDevice stores block bn at bytes [bn*bs, (bn+1)*bs) of an image file,
// using pread/pwrite only. The image is flock'ed for the lifetime of the
// device so that two processes never open it at once.
type FileDevice struct {
	path string
	fd   int
	lock *flock.Flock
	bs   uint64
	n    uint64
}

var _ Device = &FileDevice{}

// OpenFileDevice opens (creating if needed) the image at path. If nblocks
// is 0 the image must already exist and the block count is taken from its
// size; otherwise the file is grown to hold nblocks blocks.
func OpenFileDevice(path string, blockSize uint64, nblocks uint64) (*FileDevice, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("open %s: zero block size: %w", path, fserr.ErrInvalidParameter)
	}
	if nblocks == 0 {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			if err == unix.ENOENT {
				return nil, fmt.Errorf("open %s: %w", path, fserr.ErrNotFound)
			}
			return nil, fserr.IO("stat "+path, err)
		}
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fserr.IO("lock "+path, err)
	}
	if !locked {
		return nil, fmt.Errorf("open %s: %w", path, fserr.ErrDeviceLocked)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0666)
	if err != nil {
		lock.Unlock()
		return nil, fserr.IO("open "+path, err)
	}
	d := &FileDevice{path: path, fd: fd, lock: lock, bs: blockSize, n: nblocks}
	if err := d.size(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *FileDevice) size() error {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return fserr.IO("fstat "+d.path, err)
	}
	cur := uint64(st.Size)
	if d.n == 0 {
		d.n = cur / d.bs
		return checkGeometry(d.bs, d.n)
	}
	if err := checkGeometry(d.bs, d.n); err != nil {
		return err
	}
	if cur < d.n*d.bs {
		if err := unix.Ftruncate(d.fd, int64(d.n*d.bs)); err != nil {
			return fserr.IO("ftruncate "+d.path, err)
		}
	}
	return nil
}

func (d *FileDevice) release() {
	unix.Close(d.fd)
	d.lock.Unlock()
}

func transient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

func (d *FileDevice) retry(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxRetries)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// pread fills all of buf, looping over short reads.
func (d *FileDevice) pread(buf []byte, off int64) error {
	for len(buf) > 0 {
		var n int
		err := d.retry(func() error {
			var err error
			n, err = unix.Pread(d.fd, buf, off)
			return err
		})
		if err != nil {
			return fserr.IO(fmt.Sprintf("pread %s at %d", d.path, off), err)
		}
		if n == 0 {
			return fserr.IO(fmt.Sprintf("pread %s at %d", d.path, off), io.ErrUnexpectedEOF)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// pwrite writes all of buf, looping over short writes.
func (d *FileDevice) pwrite(buf []byte, off int64) error {
	for len(buf) > 0 {
		var n int
		err := d.retry(func() error {
			var err error
			n, err = unix.Pwrite(d.fd, buf, off)
			return err
		})
		if err != nil {
			return fserr.IO(fmt.Sprintf("pwrite %s at %d", d.path, off), err)
		}
		if n == 0 {
			return fserr.IO(fmt.Sprintf("pwrite %s at %d", d.path, off), io.ErrShortWrite)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func (d *FileDevice) ReadBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, d.n, bn, buf); err != nil {
		return err
	}
	return d.pread(buf, int64(bn*d.bs))
}

func (d *FileDevice) WriteBlock(bn uint64, buf []byte) error {
	if err := checkArgs(d.bs, d.n, bn, buf); err != nil {
		return err
	}
	return d.pwrite(buf, int64(bn*d.bs))
}

func (d *FileDevice) BlockSize() uint64 {
	return d.bs
}

func (d *FileDevice) BlockCount() uint64 {
	return d.n
}

func (d *FileDevice) Path() string {
	return d.path
}

func (d *FileDevice) Flush() error {
	err := d.retry(func() error {
		return unix.Fsync(d.fd)
	})
	return fserr.IO("fsync "+d.path, err)
}

func (d *FileDevice) Close() error {
	err := d.Flush()
	if cerr := unix.Close(d.fd); err == nil && cerr != nil {
		err = fserr.IO("close "+d.path, cerr)
	}
	if uerr := d.lock.Unlock(); err == nil && uerr != nil {
		err = fserr.IO("unlock "+d.path, uerr)
	}
	return err
}
