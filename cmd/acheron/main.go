package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ValerySidorin/acheron/pkg/acheron"
	util_log "github.com/ValerySidorin/acheron/pkg/util/log"
	"github.com/go-kit/log/level"
)

const configFileOption = "config.file"

func main() {
	var (
		cfg        acheron.Config
		configFile string
	)

	// The file is read before the other flags are parsed so that flags
	// given on the command line override it.
	configFile = parseConfigFileParameter(os.Args[1:])

	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&configFile, configFileOption, configFile, "YAML file to load.")

	if configFile != "" {
		if err := acheron.LoadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error loading config from %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
	flag.Parse()

	util_log.InitLogger(&cfg.Log)

	a, err := acheron.New(cfg)
	util_log.CheckFatal("initializing acheron", err)

	_ = level.Info(util_log.Logger).Log("msg", "starting acheron", "targets", cfg.Target.String())
	util_log.CheckFatal("running acheron", a.Run())
}

func parseConfigFileParameter(args []string) string {
	var configFile string

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")

	// Unknown flags stop parsing with an error; drop them one at a time.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}
	return configFile
}
