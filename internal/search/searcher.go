// Package search runs a finder pipeline to completion and streams its
// progress.
package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/StormyCloudInc/blockseek/internal/finder"
	"github.com/StormyCloudInc/blockseek/internal/logging"
)

// ErrExhausted is reported by Err when the chunk limit was reached without a
// match.
var ErrExhausted = errors.New("chunk limit reached without a match")

// idleInterval paces ticks while the pipeline has nothing to dispatch.
const idleInterval = 5 * time.Millisecond

// Result holds a finished search.
type Result struct {
	JobID    uuid.UUID
	Position finder.Position
	Scanned  uint64
	Chunks   uint32
	Duration time.Duration
}

// Stats holds progress information for the search.
type Stats struct {
	Scanned      uint64
	Chunks       uint32
	BlocksPerSec float64
	Elapsed      time.Duration
}

// Options tunes the driver.
type Options struct {
	// TickInterval is the pause between ticks. Zero ticks as fast as the
	// device allows.
	TickInterval time.Duration
	// StatsInterval is how often Stats are emitted. Defaults to 250ms.
	StatsInterval time.Duration
	// MaxChunks stops the search after that many chunks. Zero is unbounded.
	MaxChunks uint32
	// Journal, when set, records every status change.
	Journal *Journal
	Logger  logrus.FieldLogger
}

// Searcher drives one pipeline on a background goroutine.
type Searcher struct {
	pipeline *finder.Pipeline
	status   *finder.StatusCell
	opts     Options
	log      logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

// New creates a searcher. The pipeline and status cell must belong together.
func New(p *finder.Pipeline, status *finder.StatusCell, opts Options) *Searcher {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 250 * time.Millisecond
	}
	return &Searcher{
		pipeline: p,
		status:   status,
		opts:     opts,
		log:      logging.Component(opts.Logger, "search"),
	}
}

// Start begins ticking. The results channel receives at most one result,
// then closes. The stats channel receives periodic updates and closes when
// the search ends. Err reports why it ended.
func (s *Searcher) Start(ctx context.Context) (<-chan Result, <-chan Stats) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	resultCh := make(chan Result, 1)
	statsCh := make(chan Stats, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.drive(gctx, resultCh)
	})
	g.Go(func() error {
		s.report(gctx, statsCh)
		return nil
	})
	if s.opts.Journal != nil {
		g.Go(func() error {
			return s.journal(gctx)
		})
	}

	go func() {
		err := g.Wait()
		cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(resultCh)
		close(statsCh)
	}()
	return resultCh, statsCh
}

// Stop cancels the running search.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Err returns the reason the search ended. It is nil after a match or Stop
// and only meaningful once both channels are closed.
func (s *Searcher) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Searcher) drive(ctx context.Context, resultCh chan<- Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.pipeline.Tick(); err != nil {
			if errors.Is(err, finder.ErrFatal) {
				return err
			}
			s.log.WithError(err).Warn("tick")
		}

		switch s.pipeline.State() {
		case finder.StateFinished:
			st := s.status.Load()
			resultCh <- Result{
				JobID:    st.JobID,
				Position: st.Position,
				Scanned:  st.Scanned,
				Chunks:   st.Chunks,
				Duration: st.Elapsed,
			}
			return nil
		case finder.StateLoadingPipelines, finder.StateWaitingForTask:
			if err := sleep(ctx, max(s.opts.TickInterval, idleInterval)); err != nil {
				return err
			}
			continue
		}

		if s.opts.MaxChunks > 0 && s.pipeline.State() == finder.StateWaitingForGPU &&
			s.status.Load().Chunks >= s.opts.MaxChunks {
			s.log.WithField("chunks", s.opts.MaxChunks).Info("chunk limit reached")
			return ErrExhausted
		}
		if s.opts.TickInterval > 0 {
			if err := sleep(ctx, s.opts.TickInterval); err != nil {
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Searcher) stats() Stats {
	st := s.status.Load()
	elapsed := st.ElapsedAt(time.Now())
	bps := 0.0
	if elapsed.Seconds() > 0 {
		bps = float64(st.Scanned) / elapsed.Seconds()
	}
	return Stats{Scanned: st.Scanned, Chunks: st.Chunks, BlocksPerSec: bps, Elapsed: elapsed}
}

func (s *Searcher) report(ctx context.Context, statsCh chan Stats) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Replace any stale update with the final stats.
			select {
			case <-statsCh:
			default:
			}
			select {
			case statsCh <- s.stats():
			default:
			}
			return
		case <-ticker.C:
			select {
			case statsCh <- s.stats():
			default:
				// Drop stat if channel is full (non-blocking)
			}
		}
	}
}

func (s *Searcher) journal(ctx context.Context) error {
	for {
		changed := s.status.Changed()
		if err := s.opts.Journal.Record(s.status.Load()); err != nil {
			s.log.WithError(err).Warn("journal write failed")
		}
		select {
		case <-ctx.Done():
			// The last transition may race with cancellation.
			if err := s.opts.Journal.Record(s.status.Load()); err != nil {
				s.log.WithError(err).Warn("journal write failed")
			}
			return nil
		case <-changed:
		}
	}
}
