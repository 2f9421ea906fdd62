// Package config loads and validates the blockseek YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/gpu"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
)

const (
	appDirName = "blockseek"
	configFile = "blockseek.yaml"
	storeFile  = "results.db"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type ChunkConfig struct {
	Size   int `yaml:"size"`
	Margin int `yaml:"margin"`
}

type WorldConfig struct {
	Height int `yaml:"height"`
}

type GridConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

type DeviceConfig struct {
	Backend string        `yaml:"backend"`
	Index   int           `yaml:"index"`
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
}

type SearchConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	MaxChunks     uint32        `yaml:"max_chunks"`
	Journal       string        `yaml:"journal,omitempty"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type StatusFeedConfig struct {
	// Addr is the listen address. Empty disables the feed.
	Addr string `yaml:"addr,omitempty"`
}

type NotifyConfig struct {
	// URL receives a POST per match. Empty disables it.
	URL string `yaml:"url,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the whole configuration file.
type Config struct {
	Chunk      ChunkConfig      `yaml:"chunk"`
	World      WorldConfig      `yaml:"world"`
	Grid       GridConfig       `yaml:"grid"`
	Device     DeviceConfig     `yaml:"device"`
	Search     SearchConfig     `yaml:"search"`
	Store      StoreConfig      `yaml:"store"`
	StatusFeed StatusFeedConfig `yaml:"status_feed"`
	Notify     NotifyConfig     `yaml:"notify"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the stock configuration.
func Default() *Config {
	grid := pattern.DefaultDims()
	return &Config{
		Chunk: ChunkConfig{Size: chunk.DefaultSize, Margin: chunk.DefaultMargin},
		World: WorldConfig{Height: chunk.DefaultHeight},
		Grid:  GridConfig{X: grid.X, Y: grid.Y, Z: grid.Z},
		Device: DeviceConfig{
			Backend: gpu.BackendAuto,
			Timeout: 30 * time.Second,
		},
		Search: SearchConfig{StatsInterval: 250 * time.Millisecond},
		Store:  StoreConfig{Path: defaultStorePath()},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath is where the CLI looks for a config file when none is named.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName, configFile), nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("."+appDirName, storeFile)
	}
	return filepath.Join(dir, appDirName, storeFile)
}

// Load reads path over the defaults. An empty path returns Default. Keys the
// file omits keep their default; unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Dimensions returns the chunk geometry.
func (c *Config) Dimensions() chunk.Dimensions {
	return chunk.Dimensions{Size: c.Chunk.Size, Height: c.World.Height, Margin: c.Chunk.Margin}
}

// GridDims returns the pattern shape.
func (c *Config) GridDims() pattern.Dims {
	return pattern.Dims{X: c.Grid.X, Y: c.Grid.Y, Z: c.Grid.Z}
}

// Validate reports the first problem with c.
func (c *Config) Validate() error {
	dims := c.Dimensions()
	if err := dims.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	grid := c.GridDims()
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 {
		return fmt.Errorf("%w: grid dimensions must be positive, got %dx%dx%d", ErrInvalid, grid.X, grid.Y, grid.Z)
	}
	if _, err := pattern.NewWindow(dims, grid); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !slices.Contains(gpu.Backends(), c.Device.Backend) {
		return fmt.Errorf("%w: unknown backend %q (want one of %v)", ErrInvalid, c.Device.Backend, gpu.Backends())
	}
	if c.Device.Index < 0 || c.Device.Workers < 0 {
		return fmt.Errorf("%w: device index and workers must not be negative", ErrInvalid)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"device.timeout", c.Device.Timeout},
		{"search.tick_interval", c.Search.TickInterval},
		{"search.stats_interval", c.Search.StatsInterval},
	} {
		if d.val < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, d.key)
		}
	}
	return nil
}
