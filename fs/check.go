package fs

import (
	"errors"
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/common"
	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/dir"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/inode"
)

type checker struct {
	fs     *FileSystem
	errs   []error
	owner  map[common.Bnum]common.Inum
	inodes map[common.Inum]*inode.Inode
	refs   map[common.Inum]uint64
	subdir map[common.Inum]uint64
}

func (c *checker) fail(format string, args ...interface{}) {
	err := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), fserr.ErrInvalidData)
	c.fs.log.WithError(err).Warn("check")
	c.errs = append(c.errs, err)
}

// Check walks the whole volume and reports every inconsistency it finds
// between the bitmaps, the inodes, their blocks and the directories. It
// changes nothing.
func (fs *FileSystem) Check() error {
	defer fs.ops[opCheck].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c := &checker{
		fs:     fs,
		owner:  make(map[common.Bnum]common.Inum),
		inodes: make(map[common.Inum]*inode.Inode),
		refs:   make(map[common.Inum]uint64),
		subdir: make(map[common.Inum]uint64),
	}
	c.checkInodes()
	c.checkDirs()
	c.checkLinks()
	c.checkBlocks()
	c.checkCounters()
	err := errors.Join(c.errs...)
	fs.log.WithFields(logrus.Fields{
		"inodes":   len(c.inodes),
		"blocks":   len(c.owner),
		"problems": len(c.errs),
	}).Info("check done")
	return err
}

func (c *checker) checkInodes() {
	fs := c.fs
	for inum := common.Inum(1); inum < fs.sb.NInodes; inum++ {
		ip, err := fs.itab.Get(inum)
		if err != nil {
			c.fail("inode %d: %v", inum, err)
			continue
		}
		allocated := fs.alloc.IsInodeAllocated(inum)
		if ip.IsFree() {
			if allocated && inum != fs.sb.RootInum {
				c.fail("inode %d allocated but free", inum)
			}
			continue
		}
		if !allocated {
			c.fail("inode %d in use but marked free", inum)
		}
		if !ip.IsDir() && !ip.IsFile() {
			c.fail("inode %d: unknown type %#o", inum, ip.Mode)
			continue
		}
		c.inodes[inum] = ip
		c.checkInodeBlocks(ip)
	}
	if _, ok := c.inodes[fs.sb.RootInum]; !ok {
		c.fail("root inode %d missing", fs.sb.RootInum)
	}
}

func (c *checker) checkInodeBlocks(ip *inode.Inode) {
	fs := c.fs
	bns, err := fs.data.BlockList(ip)
	if err != nil {
		c.fail("inode %d blocks: %v", ip.Inum, err)
		return
	}
	if uint64(len(bns)) != ip.Blocks {
		c.fail("inode %d holds %d blocks, says %d", ip.Inum, len(bns), ip.Blocks)
	}
	if want := fs.data.BlocksFor(ip.Size); uint64(len(bns)) < want {
		c.fail("inode %d of size %d holds only %d blocks", ip.Inum, ip.Size, len(bns))
	}
	for _, bn := range bns {
		if o, ok := c.owner[bn]; ok {
			c.fail("block %d owned by inodes %d and %d", bn, o, ip.Inum)
			continue
		}
		c.owner[bn] = ip.Inum
		if !fs.alloc.IsBlockAllocated(bn) {
			c.fail("block %d of inode %d marked free", bn, ip.Inum)
		}
	}
}

func (c *checker) checkDirs() {
	for inum, ip := range c.inodes {
		if !ip.IsDir() {
			continue
		}
		if ip.Size%dir.DIRENTSZ != 0 {
			c.fail("directory %d: size %d not a whole number of entries", inum, ip.Size)
			continue
		}
		c.fs.forgetDir(inum)
		d, err := c.fs.getDir(ip)
		if err != nil {
			c.fail("directory %d: %v", inum, err)
			continue
		}
		for _, e := range d.ListEntries() {
			child, ok := c.inodes[e.Inum]
			if !ok {
				c.fail("directory %d: %q points at unused inode %d", inum, e.Name, e.Inum)
				continue
			}
			c.refs[e.Inum]++
			if child.IsDir() {
				c.subdir[inum]++
			}
		}
	}
}

func (c *checker) checkLinks() {
	root := c.fs.sb.RootInum
	for inum, ip := range c.inodes {
		refs := c.refs[inum]
		if ip.IsDir() {
			want := uint64(1)
			if inum == root {
				want = 0
			}
			if refs != want {
				c.fail("directory %d referenced %d times", inum, refs)
			}
			if uint64(ip.Nlink) != 2+c.subdir[inum] {
				c.fail("directory %d: nlink %d, want %d", inum, ip.Nlink, 2+c.subdir[inum])
			}
			continue
		}
		if refs == 0 {
			c.fail("inode %d is orphaned", inum)
		}
		if uint64(ip.Nlink) != refs {
			c.fail("inode %d: nlink %d, referenced %d times", inum, ip.Nlink, refs)
		}
	}
}

func (c *checker) checkBlocks() {
	fs := c.fs
	for bn := fs.sb.DataStart; bn < fs.sb.NBlocks; bn++ {
		if _, ok := c.owner[bn]; !ok && fs.alloc.IsBlockAllocated(bn) {
			c.fail("block %d allocated but unowned", bn)
		}
	}
}

func (c *checker) checkCounters() {
	fs := c.fs
	fb, fi := fs.alloc.Free()
	if want := fs.sb.NBlocks - fs.alloc.CountBlocks(); fb != want {
		c.fail("free block count %d, bitmap says %d", fb, want)
	}
	if want := fs.sb.NInodes - fs.alloc.CountInodes(); fi != want {
		c.fail("free inode count %d, bitmap says %d", fi, want)
	}
}
