// Package config loads the settings shared by the command line tools.
//
// Settings come from, in increasing priority: defaults, a YAML file, a .env
// file in the working directory and the process environment. Environment
// variables are prefixed with SECTORFS_.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v2"

	"github.com/jnwhiteh/sectorfs/common"
	sfs "github.com/jnwhiteh/sectorfs/fs"
)

const (
	envVarPrefix = "SECTORFS"
	appName      = "sectorfs"
)

type Config struct {
	Image       string `envconfig:"IMAGE"        yaml:"image"`
	Disk        string `envconfig:"DISK"         yaml:"disk"`
	Partition   string `envconfig:"PARTITION"    yaml:"partition"`
	Buffers     int    `envconfig:"BUFFERS"      yaml:"buffers"`
	HashBuckets int    `envconfig:"HASH_BUCKETS" yaml:"hashBuckets"`
	AutoFormat  bool   `envconfig:"AUTO_FORMAT"  yaml:"autoFormat"`
	DevNodes    bool   `envconfig:"DEV_NODES"    yaml:"devNodes"`
	LogLevel    string `envconfig:"LOG_LEVEL"    yaml:"logLevel"`
}

// Default is the configuration before any file or variable is applied.
func Default() Config {
	return Config{
		Image:       "sectorfs.img",
		Disk:        "sda",
		Buffers:     common.NR_BUFS,
		HashBuckets: common.NR_BUF_HASH,
		AutoFormat:  true,
		LogLevel:    "info",
	}
}

// Load reads the configuration. An empty path falls back to
// $SECTORFS_CONFIG_FILE; a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.UnmarshalStrict(data, &c); err != nil {
				return nil, fmt.Errorf("unmarshaling config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if c.Image == "" {
			return "image", "IMAGE"
		}
		if c.Disk == "" {
			return "disk", "DISK"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf(
			"missing required config: `%s` (env: `%s_%s`)",
			y,
			envVarPrefix,
			e,
		)
	}

	// Multi-block transfers pin a whole run of buffers at once
	if c.Buffers < common.MULTI_RUN {
		return fmt.Errorf("buffers must be at least %d, got %d: %w", common.MULTI_RUN, c.Buffers, common.EINVAL)
	}
	// Buckets are picked by masking the hash
	if c.HashBuckets < 1 || c.HashBuckets&(c.HashBuckets-1) != 0 {
		return fmt.Errorf("hash buckets must be a power of two, got %d: %w", c.HashBuckets, common.EINVAL)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses the log level name.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return lvl, fmt.Errorf("log level %q: %w", c.LogLevel, common.EINVAL)
	}
	return lvl, nil
}

// Logger builds a colourised logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// Options converts the configuration into file system options.
func (c *Config) Options(logger *slog.Logger) sfs.Options {
	return sfs.Options{
		Disk:        c.Disk,
		Partition:   c.Partition,
		Buffers:     c.Buffers,
		HashBuckets: c.HashBuckets,
		AutoFormat:  c.AutoFormat,
		DevNodes:    c.DevNodes,
		Logger:      logger,
	}
}

// String names the settings that matter when reporting which image a tool
// is working on.
func (c *Config) String() string {
	part := c.Partition
	if part == "" {
		part = "(first)"
	}
	return fmt.Sprintf("%s: %s disk=%s partition=%s", appName, c.Image, c.Disk, part)
}
