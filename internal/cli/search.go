package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/StormyCloudInc/blockseek/internal/finder"
	"github.com/StormyCloudInc/blockseek/internal/gpu"
	"github.com/StormyCloudInc/blockseek/internal/notify"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
	"github.com/StormyCloudInc/blockseek/internal/search"
	"github.com/StormyCloudInc/blockseek/internal/statusfeed"
	"github.com/StormyCloudInc/blockseek/internal/store"
)

// progressInterval spaces info-level progress lines; the rest go to debug.
const progressInterval = 5 * time.Second

func (a *app) newSearchCommand() *cobra.Command {
	var (
		patternPath string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "search --pattern FILE",
		Short: "Search the world for a rotation pattern",
		Long: `Search loads a pattern (JSON job file or binary pattern file), then scans
chunks in spiral order from the origin until the first match.

A pattern already in the result index is answered from the index unless
--force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSearch(cmd, patternPath, force)
		},
	}
	cmd.Flags().StringVarP(&patternPath, "pattern", "p", "", "Pattern file (.json job or binary pattern)")
	cmd.Flags().Uint32("max-chunks", 0, "Give up after this many chunks (0 = never)")
	cmd.Flags().String("journal", "", "Write a zstd progress journal to this path")
	cmd.Flags().BoolVar(&force, "force", false, "Search even when the result index has an answer")
	_ = cmd.MarkFlagRequired("pattern")
	a.bind(cmd, map[string]string{
		"search.max_chunks": "max-chunks",
		"search.journal":    "journal",
	})
	return cmd
}

func (a *app) runSearch(cmd *cobra.Command, patternPath string, force bool) error {
	cfg := a.cfg
	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pattern.LoadFile(patternPath)
	if err != nil {
		return err
	}
	if grid := cfg.GridDims(); p.Dims != grid {
		return fmt.Errorf("pattern %s is %dx%dx%d but the configured grid is %dx%dx%d",
			patternPath, p.Dims.X, p.Dims.Y, p.Dims.Z, grid.X, grid.Y, grid.Z)
	}

	var idx *store.Store
	if cfg.Store.Path != "" {
		idx, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer idx.Close()
	}
	key := store.Key{Digest: p.Digest(), Chunk: cfg.Dimensions()}
	if idx != nil && !force {
		rec, ok, err := idx.Lookup(ctx, key)
		if err != nil {
			a.log.WithError(err).Warn("result index lookup failed")
		} else if ok {
			a.log.WithFields(logrus.Fields{"digest": key.Digest, "job": rec.JobID}).Info("pattern already searched")
			fmt.Fprintln(out, FormatStatus(recordStatus(rec), time.Now()))
			a.notify(ctx, rec, true)
			return nil
		}
	}

	dev, err := gpu.Open(cfg.Device.Backend, gpu.Options{
		DeviceIndex: cfg.Device.Index,
		Workers:     cfg.Device.Workers,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	defer dev.Close()
	info := dev.Info()
	a.log.WithField("device", info.String()).Info("device opened")

	jobs, status := &finder.JobCell{}, &finder.StatusCell{}
	pipe, err := finder.New(dev, finder.Params{
		Chunk:         cfg.Dimensions(),
		Grid:          cfg.GridDims(),
		DeviceTimeout: cfg.Device.Timeout,
	}, jobs, status, a.log)
	if err != nil {
		return err
	}
	jobs.Publish(finder.NewJob(p))

	opts := search.Options{
		TickInterval:  cfg.Search.TickInterval,
		StatsInterval: cfg.Search.StatsInterval,
		MaxChunks:     cfg.Search.MaxChunks,
		Logger:        a.log,
	}
	if cfg.Search.Journal != "" {
		j, err := search.CreateJournal(cfg.Search.Journal)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				a.log.WithError(err).Warn("journal close failed")
			}
		}()
		opts.Journal = j
	}

	g, gctx := errgroup.WithContext(ctx)
	feedCtx, stopFeed := context.WithCancel(gctx)
	defer stopFeed()
	if cfg.StatusFeed.Addr != "" {
		feed := statusfeed.NewServer(status, a.log)
		g.Go(func() error {
			return feed.Run(feedCtx, cfg.StatusFeed.Addr)
		})
	}

	s := search.New(pipe, status, opts)
	resultCh, statsCh := s.Start(gctx)
	var result *search.Result
	g.Go(func() error {
		defer stopFeed()
		result = a.follow(resultCh, statsCh)
		return s.Err()
	})
	err = g.Wait()

	if errors.Is(err, search.ErrExhausted) {
		fmt.Fprintln(out, FormatStatus(status.Load(), time.Now()))
		return fmt.Errorf("%w within %d chunks", errNoMatch, cfg.Search.MaxChunks)
	}
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(out, FormatStatus(status.Load(), time.Now()))
		return fmt.Errorf("search interrupted: %w", context.Canceled)
	}

	fmt.Fprintln(out, FormatStatus(status.Load(), time.Now()))
	a.log.WithFields(logrus.Fields{
		"position": result.Position.String(),
		"chunks":   result.Chunks,
		"rate":     formatRate(float64(result.Scanned) / max(result.Duration.Seconds(), 1e-9)),
	}).Info("match found")

	rec := store.Record{
		Key:      key,
		JobID:    result.JobID.String(),
		Grid:     [3]int{p.Dims.X, p.Dims.Y, p.Dims.Z},
		Position: result.Position,
		Scanned:  result.Scanned,
		Chunks:   result.Chunks,
		Elapsed:  result.Duration,
		Backend:  info.Backend,
	}
	if idx != nil {
		if err := idx.Record(ctx, rec); err != nil {
			a.log.WithError(err).Warn("result index write failed")
		}
	}
	a.notify(ctx, rec, false)
	return nil
}

// follow drains both search channels and returns the match, if any.
func (a *app) follow(resultCh <-chan search.Result, statsCh <-chan search.Stats) *search.Result {
	var (
		res  *search.Result
		last time.Time
	)
	for resultCh != nil || statsCh != nil {
		select {
		case r, ok := <-resultCh:
			if !ok {
				resultCh = nil
				continue
			}
			res = &r
		case st, ok := <-statsCh:
			if !ok {
				statsCh = nil
				continue
			}
			entry := a.log.WithFields(logrus.Fields{
				"scanned": FormatCount(st.Scanned),
				"chunks":  st.Chunks,
				"rate":    formatRate(st.BlocksPerSec),
				"elapsed": formatDuration(st.Elapsed),
			})
			if time.Since(last) >= progressInterval {
				entry.Info("progress")
				last = time.Now()
			} else {
				entry.Debug("progress")
			}
		}
	}
	return res
}

func (a *app) notify(ctx context.Context, rec store.Record, cached bool) {
	if a.cfg.Notify.URL == "" {
		return
	}
	err := notify.Post(ctx, a.cfg.Notify.URL, notify.Payload{
		JobID:           rec.JobID,
		Digest:          rec.Digest,
		Position:        [3]int64{rec.Position.X, rec.Position.Y, rec.Position.Z},
		Scanned:         rec.Scanned,
		Chunks:          rec.Chunks,
		DurationSeconds: rec.Elapsed.Seconds(),
		Backend:         rec.Backend,
		Cached:          cached,
	})
	if err != nil {
		a.log.WithError(err).Warn("notify failed")
	}
}

func recordStatus(rec store.Record) finder.Status {
	id, _ := uuid.Parse(rec.JobID)
	return finder.Status{
		Phase:    finder.PhaseFinished,
		JobID:    id,
		Scanned:  rec.Scanned,
		Chunks:   rec.Chunks,
		Position: rec.Position,
		Elapsed:  rec.Elapsed,
	}
}
