// Package cli wires the blockseek commands. Flags and BLOCKSEEK_* environment
// variables override the YAML config file through viper.
package cli

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/StormyCloudInc/blockseek/internal/config"
	"github.com/StormyCloudInc/blockseek/internal/logging"
)

const envPrefix = "BLOCKSEEK"

// app carries state resolved before a command runs.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logrus.Logger
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "blockseek",
		Short: "Find block rotation patterns in procedurally rotated worlds",
		Long: `blockseek regenerates world block rotations chunk by chunk, spiralling out
from the origin, and scans each chunk on a compute device for a pattern of
rotations taken from a screenshot.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Configuration file (default: user config dir)")
	flags.String("backend", "", "Compute backend: auto, software, opencl")
	flags.Int("device", 0, "OpenCL device index")
	flags.Int("workers", 0, "Software device worker goroutines (0 = GOMAXPROCS)")
	flags.String("store", "", "Result index database path")
	flags.String("status-addr", "", "Serve the live status feed on this address")
	flags.String("notify-url", "", "POST matches to this webhook")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")

	a.bind(root, map[string]string{
		"config":           "config",
		"device.backend":   "backend",
		"device.index":     "device",
		"device.workers":   "workers",
		"store.path":       "store",
		"status_feed.addr": "status-addr",
		"notify.url":       "notify-url",
		"log.level":        "log-level",
		"log.format":       "log-format",
	})

	root.AddCommand(
		a.newSearchCommand(),
		a.newChunksCommand(),
		a.newRotationCommand(),
		a.newSpiralCommand(),
		a.newResultsCommand(),
		a.newDevicesCommand(),
		a.newPatternCommand(),
		a.newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

// bind maps viper keys to flags of cmd. Persistent and local flags both work.
func (a *app) bind(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			f = cmd.Flags().Lookup(name)
		}
		if f == nil {
			panic("cli: no flag " + name)
		}
		_ = a.v.BindPFlag(key, f)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.v.GetString("config")
	if path == "" {
		if p, err := config.DefaultPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	a.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	if path != "" {
		log.WithField("path", path).Debug("config loaded")
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	a.setString("device.backend", &cfg.Device.Backend)
	a.setInt("device.index", &cfg.Device.Index)
	a.setInt("device.workers", &cfg.Device.Workers)
	a.setString("store.path", &cfg.Store.Path)
	a.setString("status_feed.addr", &cfg.StatusFeed.Addr)
	a.setString("notify.url", &cfg.Notify.URL)
	a.setString("log.level", &cfg.Log.Level)
	a.setString("log.format", &cfg.Log.Format)
	a.setString("search.journal", &cfg.Search.Journal)
	if a.v.IsSet("search.max_chunks") {
		cfg.Search.MaxChunks = a.v.GetUint32("search.max_chunks")
	}
}

func (a *app) setString(key string, dst *string) {
	if a.v.IsSet(key) {
		*dst = a.v.GetString(key)
	}
}

func (a *app) setInt(key string, dst *int) {
	if a.v.IsSet(key) {
		*dst = a.v.GetInt(key)
	}
}

// errNoMatch is returned when a search ends without a result.
var errNoMatch = errors.New("no match")
