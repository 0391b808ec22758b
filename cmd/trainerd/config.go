package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	// NOTE: The std lib flag package would be fine, but wanted consistent UX
	// between the client and server CLI without the overhead of cobra, so
	// using pflag package.
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mlforge/trainerd/internal/jobs"
	"github.com/mlforge/trainerd/internal/jobs/logparse"
)

type config struct {
	host       string
	port       string
	configPath string
	debug      bool
}

func (c *config) validate() error {
	port, err := strconv.Atoi(c.port)
	if err != nil {
		return fmt.Errorf("port string to number: %w", err)
	}

	if port < 1 || port > 65535 {
		return errors.New("port must be in valid range")
	}

	if c.configPath != "" {
		if _, err := os.Stat(c.configPath); err != nil {
			return fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	return nil
}

func parseFlags() *config {
	cfg := &config{}

	pflag.StringVar(&cfg.host, "host", "localhost", "Host to bind")
	pflag.StringVar(&cfg.port, "port", "7860", "Port to bind")
	pflag.BoolVar(&cfg.debug, "debug", false, "Enable debug logs")

	pflag.StringVar(
		&cfg.configPath,
		"config",
		"",
		"Path to YAML config file (launch commands, log patterns)",
	)

	pflag.Parse()

	return cfg
}

// fileConfig is the daemon's YAML configuration: which argv to launch per
// job kind, the per-job log buffer capacity, CORS origins for the GUI, and
// overrides for the log pattern table.
type fileConfig struct {
	LogCapacity    int                    `yaml:"log_capacity"`
	AllowedOrigins []string               `yaml:"allowed_origins"`
	Commands       map[string][]string    `yaml:"commands"`
	Patterns       logparse.PatternConfig `yaml:"patterns"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{LogCapacity: jobs.DefaultLogCapacity}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = jobs.DefaultLogCapacity
	}

	return cfg, nil
}

// commands validates the configured launch commands and keys them by kind.
func (f *fileConfig) commands() (map[jobs.Kind][]string, error) {
	commands := make(map[jobs.Kind][]string, len(f.Commands))

	for name, argv := range f.Commands {
		kind, err := jobs.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("config commands: %w", err)
		}

		if len(argv) == 0 {
			return nil, fmt.Errorf("config commands: empty command for %q", name)
		}

		commands[kind] = argv
	}

	return commands, nil
}
