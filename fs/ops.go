package fs

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/mit-pdos/go-journal/common"
	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/dir"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/inode"
)

// addEntry adds name -> inum to directory dip and writes its record. On
// failure the directory is dropped from the cache and trimmed back to its
// old size.
func (fs *FileSystem) addEntry(dip *inode.Inode, d *dir.Dir, name string, inum common.Inum) error {
	e, err := d.AddEntry(name, inum)
	if err != nil {
		return err
	}
	oldSize := dip.Size
	if _, err := fs.data.Write(dip, e.Off, dir.EncodeEntry(e)); err != nil {
		fs.forgetDir(dip.Inum)
		if dip.Size > oldSize {
			if terr := fs.data.Truncate(dip, oldSize); terr != nil {
				fs.log.WithError(terr).WithField("inum", dip.Inum).Warn("trim directory")
			}
		}
		return err
	}
	return nil
}

// removeEntry drops name from directory dip and zeroes its record.
func (fs *FileSystem) removeEntry(dip *inode.Inode, d *dir.Dir, name string) (dir.Entry, error) {
	e, err := d.RemoveEntry(name)
	if err != nil {
		return e, err
	}
	if _, err := fs.data.Write(dip, e.Off, dir.EncodeEntry(dir.Entry{})); err != nil {
		fs.forgetDir(dip.Inum)
		return e, err
	}
	return e, nil
}

// release frees everything ip holds: its blocks, then the inode itself.
func (fs *FileSystem) release(ip *inode.Inode) error {
	if err := fs.data.Release(ip); err != nil {
		return err
	}
	ip.Clear()
	if err := fs.itab.Put(ip.Inum, ip); err != nil {
		return err
	}
	fs.forgetDir(ip.Inum)
	return fs.alloc.FreeInode(ip.Inum)
}

// dropLink removes one reference to ip from directory dip, freeing ip when
// the last one goes.
func (fs *FileSystem) dropLink(dip *inode.Inode, ip *inode.Inode) error {
	if ip.IsDir() {
		ip.Nlink = 0
		dip.Nlink--
		if err := fs.itab.Put(dip.Inum, dip); err != nil {
			return err
		}
	} else {
		ip.Nlink--
	}
	if ip.Nlink == 0 {
		fs.log.WithField("inum", ip.Inum).Debug("free inode")
		return fs.release(ip)
	}
	return fs.itab.Put(ip.Inum, ip)
}

func (fs *FileSystem) create(dinum common.Inum, name string, mode uint16, uid uint32, gid uint32) (common.Inum, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := dir.CheckName(name); err != nil {
		return common.NULLINUM, err
	}
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return common.NULLINUM, err
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return common.NULLINUM, err
	}
	if _, ok := d.Lookup(name); ok {
		return common.NULLINUM, fmt.Errorf("create %q in %d: %w", name, dinum, fserr.ErrAlreadyExists)
	}
	isDir := mode&inode.TypeMask == inode.TypeDir
	if isDir && dip.Nlink == math.MaxUint16 {
		return common.NULLINUM, fmt.Errorf("mkdir %q: too many links in %d: %w",
			name, dinum, fserr.ErrInvalidParameter)
	}

	inum, err := fs.alloc.AllocInode()
	if err != nil {
		return common.NULLINUM, err
	}
	ip, err := fs.itab.Get(inum)
	if err != nil {
		fs.alloc.FreeInode(inum)
		return common.NULLINUM, err
	}
	if !ip.IsFree() {
		fs.alloc.FreeInode(inum)
		return common.NULLINUM, fmt.Errorf("inode %d free in bitmap but in use: %w",
			inum, fserr.ErrInvalidData)
	}
	ip.Init(mode, uid, gid)
	if isDir {
		ip.Nlink = 2
	}
	if err := fs.itab.Put(inum, ip); err != nil {
		fs.alloc.FreeInode(inum)
		return common.NULLINUM, err
	}
	if err := fs.addEntry(dip, d, name, inum); err != nil {
		ip.Clear()
		fs.itab.Put(inum, ip)
		fs.alloc.FreeInode(inum)
		return common.NULLINUM, err
	}
	if isDir {
		dip.Nlink++
		if err := fs.itab.Put(dinum, dip); err != nil {
			return common.NULLINUM, err
		}
	}
	fs.log.WithFields(logrus.Fields{
		"dir":  dinum,
		"name": name,
		"inum": inum,
		"mode": fmt.Sprintf("%#o", mode),
	}).Debug("create")
	return inum, nil
}

// Create makes an empty regular file named name in directory dinum.
func (fs *FileSystem) Create(dinum common.Inum, name string, perm uint16, uid uint32, gid uint32) (common.Inum, error) {
	defer fs.ops[opCreate].Record(time.Now())
	return fs.create(dinum, name, inode.TypeFile|perm&inode.PermMask, uid, gid)
}

func (fs *FileSystem) Mkdir(dinum common.Inum, name string, perm uint16, uid uint32, gid uint32) (common.Inum, error) {
	defer fs.ops[opMkdir].Record(time.Now())
	return fs.create(dinum, name, inode.TypeDir|perm&inode.PermMask, uid, gid)
}

func (fs *FileSystem) lookup(dinum common.Inum, name string) (common.Inum, error) {
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return common.NULLINUM, err
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return common.NULLINUM, err
	}
	inum, ok := d.GetEntry(name)
	if !ok {
		return common.NULLINUM, fmt.Errorf("lookup %q in %d: %w", name, dinum, fserr.ErrNotFound)
	}
	return inum, nil
}

// Lookup returns the inode name refers to in directory dinum.
func (fs *FileSystem) Lookup(dinum common.Inum, name string) (common.Inum, error) {
	defer fs.ops[opLookup].Record(time.Now())
	if err := dir.CheckName(name); err != nil {
		return common.NULLINUM, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.lookup(dinum, name)
}

// Resolve walks a slash-separated path from the root. The path is cleaned
// lexically first, so ".." never climbs above the root.
func (fs *FileSystem) Resolve(p string) (common.Inum, error) {
	defer fs.ops[opResolve].Record(time.Now())
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	inum := fs.sb.RootInum
	p = path.Clean("/" + p)
	if p == "/" {
		return inum, nil
	}
	for _, name := range strings.Split(p[1:], "/") {
		next, err := fs.lookup(inum, name)
		if err != nil {
			return common.NULLINUM, fmt.Errorf("resolve %s: %w", p, err)
		}
		inum = next
	}
	return inum, nil
}

// ResolveParent splits p into its directory, which must exist, and final
// name.
func (fs *FileSystem) ResolveParent(p string) (common.Inum, string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return common.NULLINUM, "", fmt.Errorf("resolve parent of /: %w", fserr.ErrInvalidParameter)
	}
	dirp, name := path.Split(p)
	dinum, err := fs.Resolve(dirp)
	if err != nil {
		return common.NULLINUM, "", err
	}
	return dinum, name, nil
}

// Unlink removes the entry name, a non-directory, from directory dinum.
func (fs *FileSystem) Unlink(dinum common.Inum, name string) error {
	defer fs.ops[opUnlink].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return err
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return err
	}
	e, ok := d.Lookup(name)
	if !ok {
		return fmt.Errorf("unlink %q in %d: %w", name, dinum, fserr.ErrNotFound)
	}
	ip, err := fs.getInode(e.Inum)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		return fmt.Errorf("unlink %q: %w", name, fserr.ErrIsDir)
	}
	if _, err := fs.removeEntry(dip, d, name); err != nil {
		return err
	}
	fs.log.WithFields(logrus.Fields{"dir": dinum, "name": name, "inum": e.Inum}).Debug("unlink")
	return fs.dropLink(dip, ip)
}

// Rmdir removes the empty directory name from directory dinum.
func (fs *FileSystem) Rmdir(dinum common.Inum, name string) error {
	defer fs.ops[opRmdir].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return err
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return err
	}
	e, ok := d.Lookup(name)
	if !ok {
		return fmt.Errorf("rmdir %q in %d: %w", name, dinum, fserr.ErrNotFound)
	}
	ip, err := fs.getDirInode(e.Inum)
	if err != nil {
		return err
	}
	cd, err := fs.getDir(ip)
	if err != nil {
		return err
	}
	if !cd.IsEmpty() {
		return fmt.Errorf("rmdir %q: %w", name, fserr.ErrNotEmpty)
	}
	if _, err := fs.removeEntry(dip, d, name); err != nil {
		return err
	}
	fs.log.WithFields(logrus.Fields{"dir": dinum, "name": name, "inum": e.Inum}).Debug("rmdir")
	return fs.dropLink(dip, ip)
}

// Link adds name in directory dinum as another name for the file inum.
func (fs *FileSystem) Link(dinum common.Inum, name string, inum common.Inum) error {
	defer fs.ops[opLink].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := dir.CheckName(name); err != nil {
		return err
	}
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return err
	}
	ip, err := fs.getInode(inum)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		return fmt.Errorf("link to directory %d: %w", inum, fserr.ErrIsDir)
	}
	if ip.Nlink == math.MaxUint16 {
		return fmt.Errorf("link to %d: too many links: %w", inum, fserr.ErrInvalidParameter)
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return err
	}
	// bump the count first: a crash leaves it high, never dangling
	ip.Nlink++
	if err := fs.itab.Put(inum, ip); err != nil {
		return err
	}
	if err := fs.addEntry(dip, d, name, inum); err != nil {
		ip.Nlink--
		fs.itab.Put(inum, ip)
		return err
	}
	return nil
}

// inSubtree reports whether target is root or lies below it.
func (fs *FileSystem) inSubtree(root common.Inum, target common.Inum) (bool, error) {
	if root == target {
		return true, nil
	}
	ip, err := fs.getInode(root)
	if err != nil || !ip.IsDir() {
		return false, err
	}
	d, err := fs.getDir(ip)
	if err != nil {
		return false, err
	}
	for _, e := range d.ListEntries() {
		found, err := fs.inSubtree(e.Inum, target)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// Rename moves srcName in srcDir to dstName in dstDir, replacing a
// compatible existing target.
func (fs *FileSystem) Rename(srcDir common.Inum, srcName string, dstDir common.Inum, dstName string) error {
	defer fs.ops[opRename].Record(time.Now())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := dir.CheckName(dstName); err != nil {
		return err
	}
	sdip, err := fs.getDirInode(srcDir)
	if err != nil {
		return err
	}
	ddip := sdip
	if dstDir != srcDir {
		ddip, err = fs.getDirInode(dstDir)
		if err != nil {
			return err
		}
	}
	sd, err := fs.getDir(sdip)
	if err != nil {
		return err
	}
	dd, err := fs.getDir(ddip)
	if err != nil {
		return err
	}
	e, ok := sd.Lookup(srcName)
	if !ok {
		return fmt.Errorf("rename %q in %d: %w", srcName, srcDir, fserr.ErrNotFound)
	}
	ip, err := fs.getInode(e.Inum)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		in, err := fs.inSubtree(e.Inum, dstDir)
		if err != nil {
			return err
		}
		if in {
			return fmt.Errorf("rename %q into itself: %w", srcName, fserr.ErrInvalidParameter)
		}
	}

	if old, ok := dd.Lookup(dstName); ok {
		if old.Inum == e.Inum {
			return nil
		}
		oip, err := fs.getInode(old.Inum)
		if err != nil {
			return err
		}
		if oip.IsDir() {
			if !ip.IsDir() {
				return fmt.Errorf("rename over directory %q: %w", dstName, fserr.ErrIsDir)
			}
			od, err := fs.getDir(oip)
			if err != nil {
				return err
			}
			if !od.IsEmpty() {
				return fmt.Errorf("rename over %q: %w", dstName, fserr.ErrNotEmpty)
			}
		} else if ip.IsDir() {
			return fmt.Errorf("rename directory over %q: %w", dstName, fserr.ErrNotDir)
		}
		if _, err := fs.removeEntry(ddip, dd, dstName); err != nil {
			return err
		}
		if err := fs.dropLink(ddip, oip); err != nil {
			return err
		}
	}

	if err := fs.addEntry(ddip, dd, dstName, e.Inum); err != nil {
		return err
	}
	if _, err := fs.removeEntry(sdip, sd, srcName); err != nil {
		return err
	}
	if ip.IsDir() && srcDir != dstDir {
		sdip.Nlink--
		ddip.Nlink++
		if err := fs.itab.Put(srcDir, sdip); err != nil {
			return err
		}
		if err := fs.itab.Put(dstDir, ddip); err != nil {
			return err
		}
	}
	fs.log.WithFields(logrus.Fields{
		"src": fmt.Sprintf("%d/%s", srcDir, srcName),
		"dst": fmt.Sprintf("%d/%s", dstDir, dstName),
	}).Debug("rename")
	return nil
}

// ReadDir lists directory dinum sorted by name.
func (fs *FileSystem) ReadDir(dinum common.Inum) ([]dir.Entry, error) {
	defer fs.ops[opReadDir].Record(time.Now())
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	dip, err := fs.getDirInode(dinum)
	if err != nil {
		return nil, err
	}
	d, err := fs.getDir(dip)
	if err != nil {
		return nil, err
	}
	return d.ListEntries(), nil
}
