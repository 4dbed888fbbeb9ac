// Command vmsim boots the memory subsystem on a simulated amd64 machine and
// exposes its operations from the command line.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "machine description (.toml, .yaml or .yml); the built-in machine is used if empty.")
	logLevel   = flag.String("log-level", "info", "log level.")
	raw        = flag.Bool("raw", false, "write kernel output to stdout instead of the log.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(translateCmd), "")
	subcommands.Register(new(stackCmd), "")
	subcommands.Register(new(heapCmd), "")
	subcommands.Register(new(screenCmd), "")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}
	logger.SetLevel(level)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("unable to load machine config")
	}

	os.Exit(int(subcommands.Execute(context.Background(), &env{cfg: cfg, logger: logger, raw: *raw})))
}
