package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/blockdev"
	"github.com/mit-pdos/go-blockfs/config"
	"github.com/mit-pdos/go-blockfs/fs"
)

// volume is a mounted image plus the wrapped device, kept for its stats.
type volume struct {
	*fs.FileSystem
	dev  *blockdev.TimedDevice
	conf *config.Config
}

func unpack(args []interface{}) (*config.Config, *logrus.Logger) {
	return args[0].(*config.Config), args[1].(*logrus.Logger)
}

func openDevice(conf *config.Config, nblocks uint64) (*blockdev.TimedDevice, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	d, err := blockdev.OpenFileDevice(conf.Image, conf.BlockSize, nblocks)
	if err != nil {
		return nil, err
	}
	return blockdev.NewTimed(d), nil
}

func mount(conf *config.Config, log *logrus.Logger) (*volume, error) {
	dev, err := openDevice(conf, 0)
	if err != nil {
		return nil, err
	}
	fsys, err := fs.Mount(dev, fs.Options{Log: log})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return &volume{FileSystem: fsys, dev: dev, conf: conf}, nil
}

// close syncs and closes the volume, then prints stats if asked to.
func (v *volume) close() error {
	err := v.Close()
	if v.conf.Stats {
		fmt.Fprintln(os.Stderr)
		v.dev.WriteStats(os.Stderr)
		fmt.Fprintln(os.Stderr)
		v.WriteOpStats(os.Stderr)
	}
	return err
}
