// Binary blockfs formats, inspects and edits blockfs volume images.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-blockfs/config"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Mkfs), "")
	subcommands.Register(new(Info), "")
	subcommands.Register(new(Fsck), "")
	subcommands.Register(new(Ls), "files")
	subcommands.Register(new(Mkdir), "files")
	subcommands.Register(new(Put), "files")
	subcommands.Register(new(Get), "files")
	subcommands.Register(new(Rm), "files")
	subcommands.Register(new(Largefile), "benchmarks")
	subcommands.Register(new(Smallfile), "benchmarks")

	configFile := flag.String("config", os.Getenv("BLOCKFS_CONFIG_FILE"), "TOML config file")
	image := flag.String("image", "", "volume image (overrides config)")
	debug := flag.Bool("debug", false, "log every operation")
	stats := flag.Bool("stats", false, "print device and operation latencies on exit")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)

	conf, err := config.Load(*configFile)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "image":
			conf.Image = *image
		case "debug":
			conf.Debug = *debug
		case "stats":
			conf.Stats = *stats
		}
	})
	if conf.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf, log)))
}
