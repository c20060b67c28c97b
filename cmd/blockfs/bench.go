package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"github.com/mit-pdos/go-journal/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/config"
	"github.com/mit-pdos/go-blockfs/fs"
)

const MB uint64 = 1024 * 1024

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

// memVolume formats a fresh in-memory volume for a benchmark.
func memVolume(conf *config.Config, log *logrus.Logger, nblocks uint64) (*volume, error) {
	d, err := blockdev.NewMemDevice(conf.BlockSize, nblocks)
	if err != nil {
		return nil, err
	}
	dev := blockdev.NewTimed(d)
	fsys, err := fs.Format(dev, fs.Options{Log: log, InodeSize: conf.InodeSize})
	if err != nil {
		return nil, err
	}
	return &volume{FileSystem: fsys, dev: dev, conf: conf}, nil
}

func startProfile(path string) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

// Largefile implements subcommands.Command for the "largefile" benchmark.
type Largefile struct {
	sizeMB     uint64
	cpuprofile string
}

func (*Largefile) Name() string     { return "largefile" }
func (*Largefile) Synopsis() string { return "measure sequential write throughput to one file" }
func (*Largefile) Usage() string    { return "largefile [flags]\n" }

func (l *Largefile) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&l.sizeMB, "size", 50, "file size (in MB)")
	f.StringVar(&l.cpuprofile, "cpuprofile", "", "write cpu profile to file")
}

func (l *Largefile) makefile(v *volume, name string, data []byte) error {
	inum, err := v.Create(v.Root(), name, 0644, 0, 0)
	if err != nil {
		return err
	}
	size := l.sizeMB * MB
	for off := uint64(0); off < size; off += uint64(len(data)) {
		if _, err := v.WriteAt(inum, data, off); err != nil {
			return err
		}
	}
	if err := v.Sync(); err != nil {
		return err
	}
	a, err := v.Getattr(inum)
	if err != nil {
		return err
	}
	if a.Size != size {
		return fmt.Errorf("%s: size %d, wrote %d", name, a.Size, size)
	}
	return nil
}

func (l *Largefile) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf, log := unpack(args)
	// room for the warmup file, the measured one and their indirect blocks
	need := 2 * l.sizeMB * MB / conf.BlockSize
	v, err := memVolume(conf, log, need+need/8+1024)
	if err != nil {
		log.WithError(err).Error("largefile")
		return subcommands.ExitFailure
	}
	data := mkdata(conf.BlockSize)
	err = l.makefile(v, "large.warmup", data)
	var elapsed time.Duration
	if err == nil {
		stop, perr := startProfile(l.cpuprofile)
		if perr != nil {
			log.WithError(perr).Error("cpuprofile")
			return subcommands.ExitFailure
		}
		v.ResetOpStats()
		v.dev.ResetStats()
		start := time.Now()
		err = l.makefile(v, "large", data)
		elapsed = time.Since(start)
		stop()
	}
	if cerr := v.close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.WithError(err).Error("largefile")
		return subcommands.ExitFailure
	}
	tput := float64(l.sizeMB) / elapsed.Seconds()
	fmt.Printf("largefile: %v MB throughput %.2f MB/s\n", l.sizeMB, tput)
	return subcommands.ExitSuccess
}

// Smallfile implements subcommands.Command for the "smallfile" benchmark.
type Smallfile struct {
	duration   time.Duration
	start      int
	threads    int
	blocks     uint64
	cpuprofile string
}

func (*Smallfile) Name() string     { return "smallfile" }
func (*Smallfile) Synopsis() string { return "measure create/write/unlink rate of small files" }
func (*Smallfile) Usage() string    { return "smallfile [flags]\n" }

func (s *Smallfile) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "benchtime", 10*time.Second, "time to run each iteration for")
	f.IntVar(&s.start, "start", 1, "number of threads to start at")
	f.IntVar(&s.threads, "threads", 1, "number of threads to run till")
	f.Uint64Var(&s.blocks, "blocks", 16*1024, "size of the in-memory volume in blocks")
	f.StringVar(&s.cpuprofile, "cpuprofile", "", "write cpu profile to file")
}

// smallfile is one iteration: create a file, write to it, stat it and
// remove it.
func smallfile(v *volume, dinum common.Inum, name string, data []byte) error {
	inum, err := v.Create(dinum, name, 0644, 0, 0)
	if err != nil {
		return err
	}
	if _, err := v.WriteAt(inum, data, 0); err != nil {
		return err
	}
	if _, err := v.Getattr(inum); err != nil {
		return err
	}
	return v.Unlink(dinum, name)
}

func (s *Smallfile) run(v *volume, nt int) (time.Duration, int, error) {
	var g errgroup.Group
	counts := make([]int, nt)
	start := time.Now()
	for i := 0; i < nt; i++ {
		i := i
		g.Go(func() error {
			name := "d" + strconv.Itoa(i)
			dinum, err := v.Lookup(v.Root(), name)
			if err != nil {
				dinum, err = v.Mkdir(v.Root(), name, 0700, 0, 0)
			}
			if err != nil {
				return err
			}
			data := mkdata(100)
			begin := time.Now()
			for n := 0; ; n++ {
				if err := smallfile(v, dinum, "x"+strconv.Itoa(n), data); err != nil {
					return err
				}
				if time.Since(begin) >= s.duration {
					counts[i] = n + 1
					return nil
				}
			}
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	total := 0
	for _, c := range counts {
		total += c
	}
	return elapsed, total, err
}

func (s *Smallfile) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf, log := unpack(args)
	if s.start < 1 || s.threads < s.start {
		f.Usage()
		return subcommands.ExitUsageError
	}
	v, err := memVolume(conf, log, s.blocks)
	if err != nil {
		log.WithError(err).Error("smallfile")
		return subcommands.ExitFailure
	}
	// warmup, skipped for very short runs
	if s.duration > 500*time.Millisecond {
		warm := *s
		warm.duration = 500 * time.Millisecond
		_, _, err = warm.run(v, s.threads)
	}
	stop, perr := startProfile(s.cpuprofile)
	if perr != nil {
		log.WithError(perr).Error("cpuprofile")
		return subcommands.ExitFailure
	}
	for nt := s.start; nt <= s.threads && err == nil; nt++ {
		var elapsed time.Duration
		var count int
		elapsed, count, err = s.run(v, nt)
		if err == nil {
			fmt.Printf("smallfile: %v %0.4f file/sec\n", nt, float64(count)/elapsed.Seconds())
		}
	}
	stop()
	if err == nil {
		err = v.Check()
	}
	if cerr := v.close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.WithError(err).Error("smallfile")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
