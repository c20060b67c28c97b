package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/rodaine/table"
	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/fs"
	"github.com/mit-pdos/go-blockfs/fserr"
	"github.com/mit-pdos/go-blockfs/inode"
)

// withVolume mounts the configured image, runs f and unmounts, turning
// errors into an exit status.
func withVolume(args []interface{}, what string, f func(v *volume) error) subcommands.ExitStatus {
	conf, log := unpack(args)
	v, err := mount(conf, log)
	if err != nil {
		log.WithError(err).Error("mount " + conf.Image)
		return subcommands.ExitFailure
	}
	err = f(v)
	if cerr := v.close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.WithError(err).Error(what)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Mkfs implements subcommands.Command for the "mkfs" command.
type Mkfs struct {
	blocks uint64
	bsize  uint64
	inodes uint64
}

func (*Mkfs) Name() string     { return "mkfs" }
func (*Mkfs) Synopsis() string { return "create and format a volume image" }
func (*Mkfs) Usage() string    { return "mkfs [flags]\n" }

func (m *Mkfs) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.blocks, "blocks", 0, "number of blocks (overrides config)")
	f.Uint64Var(&m.bsize, "bsize", 0, "block size in bytes (overrides config)")
	f.Uint64Var(&m.inodes, "inodes", 0, "number of inodes (overrides config)")
}

func (m *Mkfs) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf, log := unpack(args)
	if m.blocks != 0 {
		conf.Blocks = m.blocks
	}
	if m.bsize != 0 {
		conf.BlockSize = m.bsize
	}
	if m.inodes != 0 {
		conf.Inodes = m.inodes
	}
	dev, err := openDevice(conf, conf.Blocks)
	if err != nil {
		log.WithError(err).Error("mkfs")
		return subcommands.ExitFailure
	}
	fsys, err := fs.Format(dev, fs.Options{
		Log:        log,
		Inodes:     conf.Inodes,
		InodeSize:  conf.InodeSize,
		DeviceType: conf.DeviceType,
		DeviceID:   conf.DeviceID,
	})
	if err != nil {
		dev.Close()
		log.WithError(err).Error("mkfs")
		return subcommands.ExitFailure
	}
	st := fsys.Statfs()
	v := &volume{FileSystem: fsys, dev: dev, conf: conf}
	if err := v.close(); err != nil {
		log.WithError(err).Error("mkfs")
		return subcommands.ExitFailure
	}
	fmt.Printf("%s: %d blocks of %d bytes, %d data blocks, %d inodes, uuid %v\n",
		conf.Image, st.Blocks, st.BlockSize, st.DataBlocks, st.Inodes, st.UUID)
	return subcommands.ExitSuccess
}

// Info implements subcommands.Command for the "info" command.
type Info struct{}

func (*Info) Name() string             { return "info" }
func (*Info) Synopsis() string         { return "print the superblock and usage of a volume" }
func (*Info) Usage() string            { return "info\n" }
func (*Info) SetFlags(*flag.FlagSet) {}

func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withVolume(args, "info", func(v *volume) error {
		sb := v.Superblock()
		st := v.Statfs()
		tbl := table.New("field", "value")
		tbl.AddRow("uuid", st.UUID)
		tbl.AddRow("version", sb.Version)
		tbl.AddRow("block size", st.BlockSize)
		tbl.AddRow("inode size", sb.InodeSize)
		tbl.AddRow("blocks", fmt.Sprintf("%d (%d free)", st.Blocks, st.FreeBlocks))
		tbl.AddRow("data blocks", st.DataBlocks)
		tbl.AddRow("inodes", fmt.Sprintf("%d (%d free)", st.Inodes, st.FreeInodes))
		tbl.AddRow("layout", fmt.Sprintf("bitmap@%d inodes@%d data@%d",
			sb.BitmapStart, sb.InodeStart, sb.DataStart))
		tbl.AddRow("max file", st.MaxFile)
		tbl.AddRow("device", fmt.Sprintf("%d/%d", sb.DeviceType, sb.DeviceID))
		tbl.WithWriter(os.Stdout)
		tbl.Print()
		return nil
	})
}

// Fsck implements subcommands.Command for the "fsck" command.
type Fsck struct{}

func (*Fsck) Name() string             { return "fsck" }
func (*Fsck) Synopsis() string         { return "check a volume for inconsistencies" }
func (*Fsck) Usage() string            { return "fsck\n" }
func (*Fsck) SetFlags(*flag.FlagSet) {}

func (*Fsck) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return withVolume(args, "fsck", func(v *volume) error {
		if err := v.Check(); err != nil {
			return err
		}
		fmt.Println("clean")
		return nil
	})
}

// Ls implements subcommands.Command for the "ls" command.
type Ls struct{}

func (*Ls) Name() string             { return "ls" }
func (*Ls) Synopsis() string         { return "list a directory" }
func (*Ls) Usage() string            { return "ls [path]\n" }
func (*Ls) SetFlags(*flag.FlagSet) {}

func modeString(mode uint16) string {
	t := "-"
	if mode&inode.TypeMask == inode.TypeDir {
		t = "d"
	}
	return fmt.Sprintf("%s%04o", t, mode&inode.PermMask)
}

func (*Ls) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	p := "/"
	if f.NArg() > 0 {
		p = f.Arg(0)
	}
	return withVolume(args, "ls", func(v *volume) error {
		inum, err := v.Resolve(p)
		if err != nil {
			return err
		}
		tbl := table.New("mode", "links", "uid", "gid", "size", "inode", "name")
		addRow := func(name string, a fs.Attr) {
			tbl.AddRow(modeString(a.Mode), a.Nlink, a.Uid, a.Gid, a.Size, a.Inum, name)
		}
		a, err := v.Getattr(inum)
		if err != nil {
			return err
		}
		if !a.IsDir() {
			addRow(p, a)
		} else {
			ents, err := v.ReadDir(inum)
			if err != nil {
				return err
			}
			for _, e := range ents {
				a, err := v.Getattr(e.Inum)
				if err != nil {
					return err
				}
				addRow(e.Name, a)
			}
		}
		tbl.WithWriter(os.Stdout)
		tbl.Print()
		return nil
	})
}

// Mkdir implements subcommands.Command for the "mkdir" command.
type Mkdir struct {
	perm uint
}

func (*Mkdir) Name() string     { return "mkdir" }
func (*Mkdir) Synopsis() string { return "create a directory" }
func (*Mkdir) Usage() string    { return "mkdir [flags] <path>\n" }

func (m *Mkdir) SetFlags(f *flag.FlagSet) {
	f.UintVar(&m.perm, "mode", 0755, "permission bits")
}

func (m *Mkdir) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withVolume(args, "mkdir", func(v *volume) error {
		dinum, name, err := v.ResolveParent(f.Arg(0))
		if err != nil {
			return err
		}
		_, err = v.Mkdir(dinum, name, uint16(m.perm), uint32(os.Getuid()), uint32(os.Getgid()))
		return err
	})
}

// Put implements subcommands.Command for the "put" command.
type Put struct {
	perm uint
}

func (*Put) Name() string     { return "put" }
func (*Put) Synopsis() string { return "copy a host file into the volume" }
func (*Put) Usage() string    { return "put [flags] <host file> <path>\n" }

func (p *Put) SetFlags(f *flag.FlagSet) {
	f.UintVar(&p.perm, "mode", 0644, "permission bits of a new file")
}

func (p *Put) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	_, log := unpack(args)
	return withVolume(args, "put", func(v *volume) error {
		src, err := os.Open(f.Arg(0))
		if err != nil {
			return err
		}
		defer src.Close()
		dinum, name, err := v.ResolveParent(f.Arg(1))
		if err != nil {
			return err
		}
		inum, err := v.Lookup(dinum, name)
		if errors.Is(err, fserr.ErrNotFound) {
			inum, err = v.Create(dinum, name, uint16(p.perm), uint32(os.Getuid()), uint32(os.Getgid()))
		} else if err == nil {
			err = v.Truncate(inum, 0)
		}
		if err != nil {
			return err
		}
		file, err := v.Open(inum)
		if err != nil {
			return err
		}
		n, err := io.Copy(io.NewOffsetWriter(file, 0), src)
		log.WithFields(logrus.Fields{"inum": inum, "bytes": n}).Debug("put")
		return err
	})
}

// Get implements subcommands.Command for the "get" command.
type Get struct{}

func (*Get) Name() string             { return "get" }
func (*Get) Synopsis() string         { return "copy a file out of the volume" }
func (*Get) Usage() string            { return "get <path> [host file]\n" }
func (*Get) SetFlags(*flag.FlagSet) {}

func (*Get) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withVolume(args, "get", func(v *volume) error {
		inum, err := v.Resolve(f.Arg(0))
		if err != nil {
			return err
		}
		file, err := v.Open(inum)
		if err != nil {
			return err
		}
		size, err := file.Size()
		if err != nil {
			return err
		}
		var dst io.Writer = os.Stdout
		if f.NArg() == 2 {
			out, err := os.Create(f.Arg(1))
			if err != nil {
				return err
			}
			defer out.Close()
			dst = out
		}
		_, err = io.Copy(dst, io.NewSectionReader(file, 0, int64(size)))
		return err
	})
}

// Rm implements subcommands.Command for the "rm" command.
type Rm struct{}

func (*Rm) Name() string             { return "rm" }
func (*Rm) Synopsis() string         { return "remove a file or an empty directory" }
func (*Rm) Usage() string            { return "rm <path>\n" }
func (*Rm) SetFlags(*flag.FlagSet) {}

func (*Rm) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withVolume(args, "rm", func(v *volume) error {
		dinum, name, err := v.ResolveParent(f.Arg(0))
		if err != nil {
			return err
		}
		inum, err := v.Lookup(dinum, name)
		if err != nil {
			return err
		}
		a, err := v.Getattr(inum)
		if err != nil {
			return err
		}
		if a.IsDir() {
			return v.Rmdir(dinum, name)
		}
		return v.Unlink(dinum, name)
	})
}
