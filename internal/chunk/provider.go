package chunk

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/StormyCloudInc/blockseek/internal/logging"
)

// ErrInvalidChunkCount is returned when a provider is asked for fewer than
// one chunk.
var ErrInvalidChunkCount = errors.New("max chunks cannot be smaller than 1")

// Provider generates chunks 0..max-1 in spiral order on a background
// goroutine and hands them over one at a time. The hand-off slot holds a
// single chunk: the producer blocks while it is full and consumers block
// while it is empty.
type Provider struct {
	dims Dimensions
	max  int
	log  logrus.FieldLogger

	mu     sync.Mutex
	cond   *sync.Cond
	slot   *Chunk
	done   bool
	closed bool
	err    error

	cancel context.CancelFunc
	exited chan struct{}
}

// NewProvider validates its arguments and starts the producer.
func NewProvider(dims Dimensions, maxChunks int, logger logrus.FieldLogger) (*Provider, error) {
	if maxChunks < 1 {
		return nil, ErrInvalidChunkCount
	}
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		dims:   dims,
		max:    maxChunks,
		log:    logging.Component(logger, "chunk-provider"),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.produce(ctx)
	return p, nil
}

func (p *Provider) produce(ctx context.Context) {
	defer close(p.exited)
	defer func() {
		p.mu.Lock()
		p.done = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	for i := 0; i < p.max; i++ {
		start := time.Now()
		c, err := Generate(ctx, p.dims, p.dims.OriginAt(uint32(i)))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.mu.Lock()
				p.err = fmt.Errorf("generate chunk %d: %w", i, err)
				p.mu.Unlock()
			}
			return
		}
		p.log.WithFields(logrus.Fields{
			"index":   i,
			"origin":  fmt.Sprintf("%d,%d", c.Origin.X, c.Origin.Z),
			"seconds": time.Since(start).Seconds(),
		}).Debug("generated chunk")

		p.mu.Lock()
		for p.slot != nil && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.slot = c
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// TryTake returns the ready chunk without blocking.
func (p *Provider) TryTake() (*Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeLocked()
}

// Next blocks until a chunk is ready or the producer has finished. The second
// result is false once every chunk has been delivered.
func (p *Provider) Next() (*Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot == nil && !p.done {
		p.log.Debug("waiting on chunk")
	}
	for p.slot == nil && !p.done {
		p.cond.Wait()
	}
	return p.takeLocked()
}

func (p *Provider) takeLocked() (*Chunk, bool) {
	if p.slot == nil {
		return nil, false
	}
	c := p.slot
	p.slot = nil
	p.cond.Broadcast()
	return c, true
}

// All yields chunks until the provider is exhausted.
func (p *Provider) All() iter.Seq[*Chunk] {
	return func(yield func(*Chunk) bool) {
		for {
			c, ok := p.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// Finished reports whether the producer has stopped. A chunk may still be
// waiting in the slot.
func (p *Provider) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the generation error that stopped the producer, if any.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the producer early and waits for it to exit. Chunks not yet
// taken are dropped.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	p.slot = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
	<-p.exited
}
