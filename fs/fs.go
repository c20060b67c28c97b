// Package fs composes the on-disk layers into a file system: it formats and
// mounts volumes and implements the namespace and file operations on top of
// the superblock, allocator, inode table, data blocks and directories.
//
// Namespace operations (create, link, unlink, rename, ...) hold the file
// system lock exclusively. File data operations share it and serialize per
// inode through a lock map, so I/O on different files proceeds in parallel.
package fs

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/lockmap"
	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/alloc"
	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/dir"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/inode"
	"github.com/mit-pdos/go-blockfs/super"
	"github.com/mit-pdos/go-blockfs/util/stats"
)

const (
	DefaultInodeSize uint32 = 128
	blocksPerInode   uint64 = 4
	minInodes        uint64 = 8
)

type Options struct {
	Log logrus.FieldLogger

	// Used by Format only. Zero values pick defaults: one inode per four
	// blocks and DefaultInodeSize.
	Inodes     uint64
	InodeSize  uint32
	DeviceType uint32
	DeviceID   uint32
}

func (o Options) logger() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type FileSystem struct {
	mu    *sync.RWMutex
	locks *lockmap.LockMap // per-inode, under a shared mu

	d     blockdev.Device
	sb    *super.Superblock
	alloc *alloc.Alloc
	itab  *inode.Table
	data  *inode.Data

	dmu    *sync.Mutex // protects dcache
	dcache map[common.Inum]*dir.Dir

	log logrus.FieldLogger
	ops [nOps]stats.Op
}

func mkFileSystem(d blockdev.Device, sb *super.Superblock, a *alloc.Alloc, log logrus.FieldLogger) *FileSystem {
	itab := inode.NewTable(d, sb)
	return &FileSystem{
		mu:     new(sync.RWMutex),
		locks:  lockmap.MkLockMap(),
		d:      d,
		sb:     sb,
		alloc:  a,
		itab:   itab,
		data:   inode.NewData(d, sb, a, itab),
		dmu:    new(sync.Mutex),
		dcache: make(map[common.Inum]*dir.Dir),
		log:    log.WithField("volume", sb.UUID.String()),
	}
}

// Format lays out a fresh volume on d and returns it mounted: superblock,
// bitmaps, a zeroed inode table and an empty root directory.
func Format(d blockdev.Device, opts Options) (*FileSystem, error) {
	log := opts.logger()
	if d.BlockSize() > math.MaxUint32 {
		return nil, fmt.Errorf("format: block size %d: %w", d.BlockSize(), fserr.ErrInvalidParameter)
	}
	ninodes := opts.Inodes
	if ninodes == 0 {
		ninodes = d.BlockCount() / blocksPerInode
		if ninodes < minInodes {
			ninodes = minInodes
		}
	}
	isz := opts.InodeSize
	if isz == 0 {
		isz = DefaultInodeSize
	}
	sb, err := super.Layout(uint32(d.BlockSize()), d.BlockCount(), ninodes, isz)
	if err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	sb.DeviceType = opts.DeviceType
	sb.DeviceID = opts.DeviceID
	if err := sb.Validate(); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}

	a, err := alloc.Format(d, sb)
	if err != nil {
		return nil, err
	}
	fs := mkFileSystem(d, sb, a, log)
	if err := fs.itab.Format(); err != nil {
		return nil, err
	}
	root := fs.itab.New(sb.RootInum)
	root.Init(inode.TypeDir|0755, 0, 0)
	root.Nlink = 2
	if err := fs.itab.Put(sb.RootInum, root); err != nil {
		return nil, fmt.Errorf("format root: %w", err)
	}
	if err := sb.Save(d); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	if err := d.Flush(); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	fs.log.WithFields(logrus.Fields{
		"blocks": sb.NBlocks,
		"inodes": sb.NInodes,
		"bsize":  sb.BlockSize,
		"data":   sb.DataStart,
	}).Info("formatted volume")
	return fs, nil
}

// Mount loads the volume on d. Any superblock problem aborts the mount.
// Free counters that disagree with the bitmaps are repaired.
func Mount(d blockdev.Device, opts Options) (*FileSystem, error) {
	log := opts.logger()
	sb, err := super.Load(d)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	fb, fi := sb.FreeBlocks, sb.FreeInodes
	a, err := alloc.Load(d, sb)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	fs := mkFileSystem(d, sb, a, log)
	if fb != sb.FreeBlocks || fi != sb.FreeInodes {
		fs.log.WithFields(logrus.Fields{
			"free_blocks": fmt.Sprintf("%d -> %d", fb, sb.FreeBlocks),
			"free_inodes": fmt.Sprintf("%d -> %d", fi, sb.FreeInodes),
		}).Warn("superblock counters disagree with bitmaps; repaired")
	}
	root, err := fs.itab.Get(sb.RootInum)
	if err != nil {
		return nil, fmt.Errorf("mount: root: %w", err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("mount: root inode is not a directory: %w", fserr.ErrInvalidData)
	}
	fs.log.WithFields(logrus.Fields{
		"blocks":      sb.NBlocks,
		"free_blocks": sb.FreeBlocks,
		"inodes":      sb.NInodes,
		"free_inodes": sb.FreeInodes,
	}).Info("mounted volume")
	return fs, nil
}

func (fs *FileSystem) Root() common.Inum {
	return fs.sb.RootInum
}

// Superblock returns a copy of the in-memory superblock.
func (fs *FileSystem) Superblock() super.Superblock {
	return fs.alloc.Snapshot()
}

type Statfs struct {
	BlockSize  uint64
	Blocks     uint64
	DataBlocks uint64
	FreeBlocks uint64
	Inodes     uint64
	FreeInodes uint64
	MaxFile    uint64
	UUID       uuid.UUID
}

func (fs *FileSystem) Statfs() Statfs {
	fb, fi := fs.alloc.Free()
	return Statfs{
		BlockSize:  uint64(fs.sb.BlockSize),
		Blocks:     fs.sb.NBlocks,
		DataBlocks: fs.sb.NDataBlocks(),
		FreeBlocks: fb,
		Inodes:     fs.sb.NInodes,
		FreeInodes: fi,
		MaxFile:    fs.sb.MaxFileSize(),
		UUID:       fs.sb.UUID,
	}
}

func (fs *FileSystem) sync() error {
	sb := fs.alloc.Snapshot()
	if err := sb.Save(fs.d); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := fs.d.Flush(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Sync writes the superblock counters and flushes the device.
func (fs *FileSystem) Sync() error {
	defer fs.ops[opSync].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sync()
}

// Close syncs and closes the device.
func (fs *FileSystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	err := fs.sync()
	if cerr := fs.d.Close(); err == nil {
		err = cerr
	}
	fs.log.Info("closed volume")
	return err
}

// getInode reads inum and fails with ErrNotFound if it is not in use.
func (fs *FileSystem) getInode(inum common.Inum) (*inode.Inode, error) {
	ip, err := fs.itab.Get(inum)
	if err != nil {
		return nil, err
	}
	if ip.Mode == 0 {
		return nil, fmt.Errorf("inode %d: %w", inum, fserr.ErrNotFound)
	}
	return ip, nil
}

func (fs *FileSystem) getDirInode(inum common.Inum) (*inode.Inode, error) {
	ip, err := fs.getInode(inum)
	if err != nil {
		return nil, err
	}
	if !ip.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", inum, fserr.ErrNotDir)
	}
	return ip, nil
}

// getDir returns the decoded contents of directory dip, reading them the
// first time.
func (fs *FileSystem) getDir(dip *inode.Inode) (*dir.Dir, error) {
	fs.dmu.Lock()
	defer fs.dmu.Unlock()
	if d, ok := fs.dcache[dip.Inum]; ok {
		return d, nil
	}
	buf := make([]byte, dip.Size)
	if _, err := fs.data.Read(dip, 0, buf); err != nil {
		return nil, fmt.Errorf("read directory %d: %w", dip.Inum, err)
	}
	d, err := dir.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("directory %d: %w", dip.Inum, err)
	}
	fs.dcache[dip.Inum] = d
	return d, nil
}

func (fs *FileSystem) forgetDir(inum common.Inum) {
	fs.dmu.Lock()
	delete(fs.dcache, inum)
	fs.dmu.Unlock()
}

// lockInode takes the shared file system lock and inum's lock.
func (fs *FileSystem) lockInode(inum common.Inum) {
	fs.mu.RLock()
	fs.locks.Acquire(inum)
}

func (fs *FileSystem) unlockInode(inum common.Inum) {
	fs.locks.Release(inum)
	fs.mu.RUnlock()
}
