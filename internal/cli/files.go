package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/StormyCloudInc/blockseek/internal/config"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
)

func (a *app) newPatternCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Work with pattern files",
	}
	cmd.AddCommand(a.newPatternConvertCommand())
	return cmd
}

func (a *app) newPatternConvertCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a pattern between the JSON job and binary formats",
		Long: `Convert reads IN and writes OUT. A path ending in .json is a JSON job
file; any other path is the zstd compressed binary format.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			p, err := pattern.LoadFile(in)
			if err != nil {
				return err
			}
			if filepath.Ext(out) == ".json" {
				data, err := p.JSON(name)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				err = os.WriteFile(out, append(data, '\n'), 0o644)
				if err != nil {
					return err
				}
			} else if err := pattern.SaveFile(out, p); err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"in":          in,
				"out":         out,
				"constrained": p.Constrained(),
				"digest":      p.Digest(),
			}).Info("pattern converted")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%dx%d, %d constrained cells\n",
				out, p.Dims.X, p.Dims.Y, p.Dims.Z, p.Constrained())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name recorded in a JSON output")
	return cmd
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(a.newConfigInitCommand())
	return cmd
}

func (a *app) newConfigInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write the effective configuration to a file",
		Long: `Init writes the configuration in effect, defaults plus any flags and
BLOCKSEEK_* variables, to PATH or to the default config location.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if !force {
				_, err := os.Stat(path)
				if err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := config.Save(path, a.cfg); err != nil {
				return err
			}
			a.log.WithField("path", path).Info("config written")
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
