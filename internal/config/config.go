// Package config loads server configuration from a TOML file, then env
// vars, then CLI flags, each overriding the last, in the override order
// AutoCookies-gslice's config.go applies to env-vs-default (env wins over
// the built-in default) generalized to a third source on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultPort is used when no TOML file, env var, or CLI flag sets one.
	DefaultPort = 10080
	// DefaultAddress is used when no TOML file, env var, or CLI flag sets one.
	DefaultAddress = "127.0.0.1"
	// DefaultPollInterval is the Port Worker's default target loop period.
	DefaultPollInterval = 10 * time.Millisecond
)

// Config is the fully-resolved, post-override server configuration.
type Config struct {
	HTTPPort     int
	BindAddress  string
	PollInterval time.Duration
}

// fileConfig mirrors the TOML file shape. Fields are pointers so an absent
// key in the file leaves that setting untouched for the next override
// stage, instead of clobbering it with TOML's zero value.
type fileConfig struct {
	HTTPPort     *int    `toml:"http_port"`
	BindAddress  *string `toml:"bind_address"`
	PollInterval *string `toml:"poll_interval"`
}

// CLIOverrides carries flag values explicitly set on the command line;
// a nil field means "flag not given", so it does not override an
// already-resolved TOML/env value.
type CLIOverrides struct {
	HTTPPort    *int
	BindAddress *string
}

// Load resolves configuration through the override chain described in the
// server's configuration sources: TOML file → env vars → CLI flags, later
// stages overriding earlier ones. Only the first TOML file found is read;
// finding no file at any discovered location is not an error, but a
// WSS_CONF_FILE naming a file that cannot be read is.
func Load(cli CLIOverrides) (Config, error) {
	cfg := Config{
		HTTPPort:     DefaultPort,
		BindAddress:  DefaultAddress,
		PollInterval: DefaultPollInterval,
	}

	if err := applyFile(&cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	applyCLI(&cfg, cli)

	return cfg, nil
}

// applyFile loads the first TOML file found via configFilePath and merges
// any keys it sets into cfg.
func applyFile(cfg *Config) error {
	path := configFilePath()
	if path == "" {
		return nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}

	if fc.HTTPPort != nil {
		cfg.HTTPPort = *fc.HTTPPort
	}
	if fc.BindAddress != nil {
		cfg.BindAddress = *fc.BindAddress
	}
	if fc.PollInterval != nil {
		d, err := time.ParseDuration(*fc.PollInterval)
		if err != nil {
			return fmt.Errorf("config file %s: invalid poll_interval %q: %w", path, *fc.PollInterval, err)
		}
		cfg.PollInterval = d
	}
	return nil
}

// configFilePath implements the discovery order: WSS_CONF_FILE env var,
// then /etc/wsss/wsss_conf.toml, then a file named wsss_conf.toml next to
// the running executable. A WSS_CONF_FILE path is returned as given,
// without checking that it exists; otherwise returns "" if neither
// candidate file exists.
func configFilePath() string {
	if explicit := os.Getenv("WSS_CONF_FILE"); explicit != "" {
		return explicit
	}
	if _, err := os.Stat("/etc/wsss/wsss_conf.toml"); err == nil {
		return "/etc/wsss/wsss_conf.toml"
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "wsss_conf.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WSSS_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("WSSS_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.HTTPPort != nil {
		cfg.HTTPPort = *cli.HTTPPort
	}
	if cli.BindAddress != nil {
		cfg.BindAddress = *cli.BindAddress
	}
}
