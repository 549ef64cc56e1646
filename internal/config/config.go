// Package config loads the daemon's TOML configuration file, following the
// same load/parse/validate shape as snapshots/devmapper.Config: raw
// human-readable size/duration strings are parsed into machine values by
// parse(), then Validate() checks the result.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Config is the daemon's persistent configuration (§6, §10.3).
type Config struct {
	// GlobalRootDir overrides the filesystem root apexd operates under.
	// Empty means "/".
	GlobalRootDir string `toml:"root_dir"`

	// VerityOnSystem forces dm-verity even for packages under the
	// read-only system partition (persist.apexd.verity_on_system, §6).
	VerityOnSystem bool `toml:"verity_on_system"`

	// LoopReadAhead is the read-ahead window configured on loop and
	// verity block devices (§4.1, §4.3). Defaults to 128KiB.
	LoopReadAhead string `toml:"loop_read_ahead"`
	LoopReadAheadBytes int64 `toml:"-"`

	// MountRetryDelay is the sleep between ext4 mount attempts (§4.3).
	// Defaults to 50ms.
	MountRetryDelay string `toml:"mount_retry_delay"`
	MountRetryDelayDuration time.Duration `toml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{
		LoopReadAhead:   "128KiB",
		MountRetryDelay: "50ms",
	}
	if err := c.parse(); err != nil {
		// Defaults are compile-time constants; a parse failure here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return c
}

// Load reads and validates a TOML configuration file. A missing file is not
// an error: Default() is returned instead.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config at %q", path)
	}

	if err := c.parse(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) parse() error {
	var result *multierror.Error

	if c.LoopReadAhead != "" {
		n, err := units.RAMInBytes(c.LoopReadAhead)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to parse loop_read_ahead: %q", c.LoopReadAhead))
		} else {
			c.LoopReadAheadBytes = n
		}
	}

	if c.MountRetryDelay != "" {
		d, err := time.ParseDuration(c.MountRetryDelay)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to parse mount_retry_delay: %q", c.MountRetryDelay))
		} else {
			c.MountRetryDelayDuration = d
		}
	}

	return result.ErrorOrNil()
}

// Validate checks the parsed configuration for consistency.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.LoopReadAheadBytes <= 0 {
		result = multierror.Append(result, errors.New("loop_read_ahead must be positive"))
	}
	if c.MountRetryDelayDuration <= 0 {
		result = multierror.Append(result, errors.New("mount_retry_delay must be positive"))
	}

	return result.ErrorOrNil()
}
