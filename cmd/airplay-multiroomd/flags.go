package main

import (
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values prior to merge with the
// loaded/default config.Config.
type cliConfig struct {
	configPath  string
	listenAddr  string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("airplay-multiroomd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file (optional; defaults are used for anything unset)")
	fs.StringVar(&cfg.listenAddr, "listen", "", "RTSP listen address override, e.g. :5001")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	return cfg, nil
}
