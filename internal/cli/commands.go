package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/gpu"
	"github.com/StormyCloudInc/blockseek/internal/spiral"
	"github.com/StormyCloudInc/blockseek/internal/store"
	"github.com/StormyCloudInc/blockseek/internal/version"
	"github.com/StormyCloudInc/blockseek/internal/worldgen"
)

func (a *app) newChunksCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "chunks --count N",
		Short: "Generate chunks on the CPU and print their rotation histograms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := chunk.NewProvider(a.cfg.Dimensions(), count, a.log)
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			start := time.Now()
			n := 0
			for c := range p.All() {
				var hist [4]uint64
				for _, r := range c.Cells {
					hist[r&3]++
				}
				fmt.Fprintf(out, "chunk %d origin (%d, 0, %d): %d %d %d %d\n",
					n, c.Origin.X, c.Origin.Z, hist[0], hist[1], hist[2], hist[3])
				n++
				if ctx.Err() != nil {
					break
				}
			}
			if err := p.Err(); err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"chunks":  n,
				"cells":   humanize.Comma(int64(n) * int64(a.cfg.Dimensions().Volume())),
				"elapsed": formatDuration(time.Since(start)),
			}).Info("chunks generated")
			return ctx.Err()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of chunks to generate")
	return cmd
}

func (a *app) newRotationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotation [--] X Y Z",
		Short: "Print the rotation of the block at a world coordinate",
		Long:  "Print the rotation of the block at a world coordinate. Put -- before negative coordinates.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var xyz [3]int64
			for i, s := range args {
				v, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("coordinate %q: %w", s, err)
				}
				xyz[i] = v
			}
			r := worldgen.BlockRotation(xyz[0], xyz[1], xyz[2])
			fmt.Fprintf(cmd.OutOrStdout(), "%d, %d, %d: rotation %d\n", xyz[0], xyz[1], xyz[2], r)
			return nil
		},
	}
}

func (a *app) newSpiralCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "spiral N",
		Short: "Print where the Nth chunk of a search lies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("chunk index %q: %w", args[0], err)
			}
			n := uint32(v)
			x, y := spiral.At(n)
			o := a.cfg.Dimensions().OriginAt(n)
			fmt.Fprintf(cmd.OutOrStdout(), "chunk %d: ring %d, cell (%d, %d), origin (%d, 0, %d)\n",
				n, spiral.Ring(n), x, y, o.X, o.Z)
			return nil
		},
	}
}

func (a *app) newResultsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List recent matches from the result index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer idx.Close()
			recs, err := idx.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FOUND\tPOSITION\tSEARCHED\tTIME\tBACKEND\tPATTERN")
			for _, r := range recs {
				digest := r.Digest
				if len(digest) > 12 {
					digest = digest[:12]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.FoundAt), r.Position, FormatCount(r.Scanned),
					formatDuration(r.Elapsed), r.Backend, digest)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of results to show")
	return cmd
}

func (a *app) newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List compute devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := gpu.ListDevices()
			for i, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d units\n", i, info, info.Units)
			}
			if err != nil {
				a.log.WithError(err).Warn("OpenCL enumeration failed")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		// The version never depends on configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "blockseek", version.Version)
			if !check {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rel, err := version.Latest(ctx, version.ReleasesURL)
			if err != nil {
				return err
			}
			if rel == nil {
				fmt.Fprintln(out, "up to date")
				return nil
			}
			fmt.Fprintf(out, "%s is available: %s\n", rel.TagName, rel.HTMLURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check GitHub for a newer release")
	return cmd
}
