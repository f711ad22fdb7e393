// Command conduit runs coding-agent sessions behind an HTTP/WebSocket
// relay and records, replays and packages them for reproduction.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/BoozeLee/conduit/internal/common/config"
	"github.com/BoozeLee/conduit/internal/common/logger"
)

func main() {
	if err := rootCommand().execute(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "conduit: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *command {
	return &command{
		name:    "conduit",
		usage:   "conduit <command> [flags]",
		summary: "Orchestrates coding-agent CLIs with deterministic record and replay.",
		subcommands: []*command{
			serveCommand(),
			reproCommand(),
		},
	}
}

// configFlags adds the flags every command shares with the configuration
// file. Their names match the keys config.LoadWithPath binds.
func configFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "directory containing config.yaml")
	fs.String("data-dir", "", "data directory (storage, tape)")
	fs.String("log-level", "", "debug, info, warn or error")
}

// loadConfig loads configuration honouring explicitly set flags and
// installs the configured logger as the default.
func loadConfig(fs *pflag.FlagSet) (*config.Config, *logger.Logger, error) {
	dir, _ := fs.GetString("config")
	cfg, err := config.LoadWithPath(dir, fs)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
