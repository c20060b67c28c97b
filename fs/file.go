package fs

import (
	"fmt"
	"io"
	"time"

	"github.com/mit-pdos/go-journal/common"

	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/inode"
)

// Attr is the metadata of an inode as returned by Getattr.
type Attr struct {
	Inum   common.Inum
	Mode   uint16
	Nlink  uint16
	Uid    uint32
	Gid    uint32
	Gen    uint32
	Size   uint64
	Blocks uint64
}

func (a Attr) IsDir() bool {
	return a.Mode&inode.TypeMask == inode.TypeDir
}

func mkAttr(ip *inode.Inode) Attr {
	return Attr{
		Inum:   ip.Inum,
		Mode:   ip.Mode,
		Nlink:  ip.Nlink,
		Uid:    ip.Uid,
		Gid:    ip.Gid,
		Gen:    ip.Gen,
		Size:   ip.Size,
		Blocks: ip.Blocks,
	}
}

// SetAttr selects the attributes Setattr changes; nil fields are left
// alone.
type SetAttr struct {
	Mode *uint16 // permission bits only
	Uid  *uint32
	Gid  *uint32
	Size *uint64
}

func (fs *FileSystem) Getattr(inum common.Inum) (Attr, error) {
	defer fs.ops[opGetattr].Record(time.Now())
	fs.lockInode(inum)
	defer fs.unlockInode(inum)
	ip, err := fs.getInode(inum)
	if err != nil {
		return Attr{}, err
	}
	return mkAttr(ip), nil
}

func (fs *FileSystem) Setattr(inum common.Inum, sa SetAttr) (Attr, error) {
	defer fs.ops[opSetattr].Record(time.Now())
	fs.lockInode(inum)
	defer fs.unlockInode(inum)
	ip, err := fs.getInode(inum)
	if err != nil {
		return Attr{}, err
	}
	if sa.Size != nil {
		if ip.IsDir() {
			return Attr{}, fmt.Errorf("setattr size of %d: %w", inum, fserr.ErrIsDir)
		}
		if err := fs.data.Truncate(ip, *sa.Size); err != nil {
			return Attr{}, err
		}
	}
	if sa.Mode != nil {
		ip.Mode = ip.Mode&inode.TypeMask | *sa.Mode&inode.PermMask
	}
	if sa.Uid != nil {
		ip.Uid = *sa.Uid
	}
	if sa.Gid != nil {
		ip.Gid = *sa.Gid
	}
	if err := fs.itab.Put(inum, ip); err != nil {
		return Attr{}, err
	}
	return mkAttr(ip), nil
}

// ReadAt reads up to len(buf) bytes of file inum at off. It returns fewer
// bytes only at end of file.
func (fs *FileSystem) ReadAt(inum common.Inum, buf []byte, off uint64) (int, error) {
	defer fs.ops[opReadAt].Record(time.Now())
	fs.lockInode(inum)
	defer fs.unlockInode(inum)
	ip, err := fs.getInode(inum)
	if err != nil {
		return 0, err
	}
	return fs.data.Read(ip, off, buf)
}

// WriteAt writes buf to file inum at off. If the volume fills up part way,
// it returns the bytes written along with ErrOutOfSpace.
func (fs *FileSystem) WriteAt(inum common.Inum, buf []byte, off uint64) (int, error) {
	defer fs.ops[opWriteAt].Record(time.Now())
	fs.lockInode(inum)
	defer fs.unlockInode(inum)
	ip, err := fs.getInode(inum)
	if err != nil {
		return 0, err
	}
	if ip.IsDir() {
		return 0, fmt.Errorf("write to %d: %w", inum, fserr.ErrIsDir)
	}
	return fs.data.Write(ip, off, buf)
}

func (fs *FileSystem) Truncate(inum common.Inum, size uint64) error {
	defer fs.ops[opTruncate].Record(time.Now())
	fs.lockInode(inum)
	defer fs.unlockInode(inum)
	ip, err := fs.getInode(inum)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		return fmt.Errorf("truncate %d: %w", inum, fserr.ErrIsDir)
	}
	return fs.data.Truncate(ip, size)
}

// File adapts a regular file to io.ReaderAt and io.WriterAt.
type File struct {
	fs   *FileSystem
	inum common.Inum
}

var _ io.ReaderAt = (*File)(nil)
var _ io.WriterAt = (*File)(nil)

func (fs *FileSystem) Open(inum common.Inum) (*File, error) {
	attr, err := fs.Getattr(inum)
	if err != nil {
		return nil, err
	}
	if attr.IsDir() {
		return nil, fmt.Errorf("open %d: %w", inum, fserr.ErrIsDir)
	}
	return &File{fs: fs, inum: inum}, nil
}

func (f *File) Inum() common.Inum {
	return f.inum
}

func (f *File) Size() (uint64, error) {
	attr, err := f.fs.Getattr(f.inum)
	return attr.Size, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: %w", off, fserr.ErrInvalidParameter)
	}
	n, err := f.fs.ReadAt(f.inum, p, uint64(off))
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at %d: %w", off, fserr.ErrInvalidParameter)
	}
	return f.fs.WriteAt(f.inum, p, uint64(off))
}
