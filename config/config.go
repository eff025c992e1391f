// Package config loads the TOML configuration shared by the command-line tools.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/wsitile/cache"
	"github.com/janelia-flyem/wsitile/export"
	"github.com/janelia-flyem/wsitile/slide"
	"github.com/janelia-flyem/wsitile/wsi"
)

// DefaultOutput is the export directory used when none is configured.
const DefaultOutput = "output_tiles"

// Config is the decoded TOML configuration, e.g.
//
//	[logging]
//	logfile = "/var/log/wsitile.log"
//	max_log_size = 500 # MB
//	max_log_age = 30   # days
//
//	[cache]
//	tiles = 2000
//	init_allocators = true
//
//	[export]
//	output = "tiles"     # directory or bucket URL such as mem:// or file:///tmp/tiles
//	queue = 16
//	level = 0
//	prefix = ""
type Config struct {
	Logging wsi.LogConfig
	Cache   CacheConfig
	Export  ExportConfig

	// location of the TOML file or "" for defaults
	location string
}

type CacheConfig struct {
	Tiles          int
	InitAllocators bool `toml:"init_allocators"`
}

type ExportConfig struct {
	Output string
	Queue  int
	Level  int
	Prefix string
}

// Default returns the configuration used without a TOML file.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Tiles: cache.DefaultCapacity,
		},
		Export: ExportConfig{
			Output: DefaultOutput,
			Queue:  export.DefaultQueueDepth,
		},
	}
}

// Load reads the TOML file at filename over the defaults.  Relative paths are taken
// relative to the file's directory.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no TOML configuration file provided")
	}
	c := Default()
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("bad TOML config %s: %v", filename, err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	wsi.Debugf("tomlConfig: %+v\n", *c)
	return c, nil
}

func (c *Config) validate() error {
	if c.Cache.Tiles <= 0 {
		return fmt.Errorf("[cache] tiles must be positive, got %d", c.Cache.Tiles)
	}
	if c.Export.Queue <= 0 {
		return fmt.Errorf("[export] queue must be positive, got %d", c.Export.Queue)
	}
	if c.Export.Level < 0 {
		return fmt.Errorf("[export] level must not be negative, got %d", c.Export.Level)
	}
	if c.Export.Output == "" {
		return fmt.Errorf("[export] output must not be empty")
	}
	return nil
}

// IsURL is true if the export output names a bucket URL rather than a directory.
func (c ExportConfig) IsURL() bool {
	return strings.Contains(c.Output, "://")
}

// Some settings in the TOML can be given as relative paths.  They are converted in
// place, relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error

	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = wsi.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting logfile setting to absolute path")
		}
	}

	// [export].output
	if !c.Export.IsURL() {
		c.Export.Output, err = wsi.ConvertToAbsolute(c.Export.Output, configDir)
		if err != nil {
			return fmt.Errorf("Error converting export output to absolute path")
		}
	}
	return nil
}

// Location returns the TOML file the configuration came from, if any.
func (c *Config) Location() string {
	return c.location
}

// SlideOptions returns the options for opening slides.
func (c *Config) SlideOptions() slide.Options {
	return slide.Options{
		InitializeAllocators: c.Cache.InitAllocators,
		CacheTiles:           c.Cache.Tiles,
	}
}

// ExportOptions returns the options for the export pipeline.
func (c *Config) ExportOptions() export.Options {
	return export.Options{
		QueueDepth: c.Export.Queue,
		Prefix:     c.Export.Prefix,
	}
}
