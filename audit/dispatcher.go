package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var errDispatcherClosed = errors.New("audit: dispatcher is closed")

// Dispatcher fans records out to sinks on background workers. Emit never
// blocks: when the queue is full the record is dropped and logged.
type Dispatcher struct {
	sinks []Sink
	opts  dispatcherOptions

	mu      sync.RWMutex
	closed  bool
	queue   chan Record
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher delivering to sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	cfg := defaultDispatcherOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		sinks: sinks,
		opts:  cfg,
		queue: make(chan Record, cfg.bufferSize),
	}

	d.wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go d.worker()
	}
	log.Debug().Int("sinks", len(sinks)).Int("buffer", cfg.bufferSize).Int("workers", cfg.concurrency).Msg("audit dispatcher started")
	return d
}

// Emit queues rec for delivery without waiting.
func (d *Dispatcher) Emit(ctx context.Context, rec Record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDispatcherClosed
	}

	select {
	case d.queue <- rec:
		return nil
	default:
		d.dropped.Add(1)
		log.Warn().Str("client", rec.Client).Str("category", rec.Category).Msg("audit queue full, dropping record")
		return nil
	}
}

// Dropped is the number of records discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for rec := range d.queue {
		d.deliver(rec)
	}
}

func (d *Dispatcher) deliver(rec Record) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.sinkTimeout)
		if err := s.Emit(ctx, rec); err != nil {
			log.Error().Err(err).Str("record_id", rec.ID).Str("client", rec.Client).Msg("failed to deliver audit record")
		}
		cancel()
	}
}

// Close stops accepting records, drains the queue and waits for the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	log.Info().Int64("dropped", d.dropped.Load()).Msg("audit dispatcher closed")
	return nil
}

var _ Sink = (*Dispatcher)(nil)
