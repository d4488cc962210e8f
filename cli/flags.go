package cli

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/esm-dev/nobuild/server"
	"github.com/ije/gox/log"
)

type commandFlags struct {
	*flag.FlagSet
	config   string
	root     string
	port     int
	logLevel string
}

func newCommandFlags(name string) *commandFlags {
	f := &commandFlags{FlagSet: flag.NewFlagSet(name, flag.ExitOnError)}
	f.StringVar(&f.config, "config", "nobuild.json", "the config file path")
	f.StringVar(&f.root, "root", "", "the app root directory")
	f.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return f
}

// loadConfig reads the config file if it exists and applies the flags on top.
func (f *commandFlags) loadConfig() (*server.Config, error) {
	config := &server.Config{}
	if fi, err := os.Stat(f.config); err == nil && !fi.IsDir() {
		config, err = server.LoadConfig(f.config)
		if err != nil {
			return nil, err
		}
	} else if f.config != "nobuild.json" {
		// an explicit config file must exist
		return nil, fmt.Errorf("config file %s not found", f.config)
	}
	if f.root != "" {
		config.Root = f.root
	}
	if f.port > 0 && f.port < 65536 {
		config.Port = uint16(f.port)
	}
	if f.logLevel != "" {
		config.LogLevel = f.logLevel
	}
	if err := config.Normalize(); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(config.Root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("stat %s: not a directory", config.Root)
	}
	return config, nil
}

func newLogger(config *server.Config) (logger *log.Logger, err error) {
	logger = &log.Logger{}
	if config.LogDir != "" {
		logger, err = log.New(fmt.Sprintf("file:%s?buffer=32k", filepath.Join(config.LogDir, "nobuild.log")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	logger.SetLevelByName(config.LogLevel)
	return logger, nil
}
