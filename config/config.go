// Package config loads the settings of the blockfs tool: a TOML file, then
// BLOCKFS_* environment variables on top.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/mit-pdos/go-blockfs/fserr"
)

const (
	envVarPrefix = "BLOCKFS"

	DefaultBlockSize = 4096
	DefaultBlocks    = 1024
	DefaultInodeSize = 128
)

type Config struct {
	Image     string `toml:"image"      envconfig:"IMAGE"`
	BlockSize uint64 `toml:"block_size" envconfig:"BLOCK_SIZE"`
	// Blocks and Inodes size a new volume; 0 Inodes picks a default.
	Blocks     uint64 `toml:"blocks"      envconfig:"BLOCKS"`
	Inodes     uint64 `toml:"inodes"      envconfig:"INODES"`
	InodeSize  uint32 `toml:"inode_size"  envconfig:"INODE_SIZE"`
	DeviceType uint32 `toml:"device_type" envconfig:"DEVICE_TYPE"`
	DeviceID   uint32 `toml:"device_id"   envconfig:"DEVICE_ID"`
	Debug      bool   `toml:"debug"       envconfig:"DEBUG"`
	Stats      bool   `toml:"stats"       envconfig:"STATS"`
}

func Default() *Config {
	return &Config{
		BlockSize: DefaultBlockSize,
		Blocks:    DefaultBlocks,
		InodeSize: DefaultInodeSize,
	}
}

// Load starts from Default, applies the TOML file at path if there is one
// (a missing file is not an error) and then the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := envconfig.Process(envVarPrefix, c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return c, nil
}

// Validate reports the first setting that is missing or unusable.
func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if c.Image == "" {
			return "image", "IMAGE"
		}
		if c.BlockSize == 0 {
			return "block_size", "BLOCK_SIZE"
		}
		if c.Blocks == 0 {
			return "blocks", "BLOCKS"
		}
		if c.InodeSize == 0 {
			return "inode_size", "INODE_SIZE"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf("missing configuration: %s / %s_%s: %w",
			y, envVarPrefix, e, fserr.ErrInvalidParameter)
	}
	if c.Inodes != 0 && c.Inodes < 2 {
		return fmt.Errorf("inodes %d: need room for the root: %w", c.Inodes, fserr.ErrInvalidParameter)
	}
	return nil
}
