// Package stepbuffer coalesces per-step writes into batched durable
// appends. Within an episode, steps flush in enqueue order through a
// single consumer; across episodes there is no ordering guarantee.
package stepbuffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/config"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/resilience"
	"episodic-memory/internal/types"
)

// FlushFunc persists one batch for one episode. The episode manager wires
// this to AppendStepsBatch through the circuit breaker.
type FlushFunc func(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error

// DrainedFunc is notified when an episode's retries are exhausted and the
// batch is dropped; the manager marks the episode degraded.
type DrainedFunc func(episodeID string, err error)

// FlushedFunc is notified after a successful flush so the cached episode
// can be invalidated once per batch.
type FlushedFunc func(episodeID string)

// episodeBuffer holds the pending steps of one episode
type episodeBuffer struct {
	mu     sync.Mutex // guards steps/oldest
	steps  []*types.ExecutionStep
	oldest time.Time

	// flushMu serialises flushes: one consumer per episode. It is a
	// dedicated lock so data enqueue never waits on a durable call.
	flushMu sync.Mutex
}

// Buffer is the sharded step buffer
type Buffer struct {
	cfg       config.BufferConfig
	log       *logrus.Logger
	clock     func() time.Time
	flush     FlushFunc
	onDrained DrainedFunc
	onFlushed FlushedFunc

	mu     sync.Mutex // guards shards map
	shards map[string]*episodeBuffer

	quit   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	retries atomic.Int64
	drops   atomic.Int64
}

// New creates the buffer and starts the age-based flush ticker
func New(cfg config.BufferConfig, flush FlushFunc, onDrained DrainedFunc, onFlushed FlushedFunc, log *logrus.Logger) *Buffer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Buffer{
		cfg:       cfg,
		log:       log,
		clock:     time.Now,
		flush:     flush,
		onDrained: onDrained,
		onFlushed: onFlushed,
		shards:    make(map[string]*episodeBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.tickLoop()
	return b
}

// SetClock replaces the time source (tests only)
func (b *Buffer) SetClock(clock func() time.Time) { b.clock = clock }

// tickLoop flushes episodes whose oldest buffered step has aged past the
// flush interval
func (b *Buffer) tickLoop() {
	defer close(b.done)
	interval := b.cfg.FlushInterval / 2
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAged()
		case <-b.quit:
			return
		}
	}
}

func (b *Buffer) flushAged() {
	now := b.clock()
	b.mu.Lock()
	aged := make([]string, 0, 4)
	for id, eb := range b.shards {
		eb.mu.Lock()
		if len(eb.steps) > 0 && now.Sub(eb.oldest) >= b.cfg.FlushInterval {
			aged = append(aged, id)
		}
		eb.mu.Unlock()
	}
	b.mu.Unlock()

	for _, id := range aged {
		b.wg.Add(1)
		go func(episodeID string) {
			defer b.wg.Done()
			if err := b.flushEpisode(context.Background(), episodeID); err != nil {
				b.log.WithError(err).WithField("episode_id", episodeID).Warn("aged flush failed")
			}
		}(id)
	}
}

func (b *Buffer) shard(episodeID string) *episodeBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	eb, ok := b.shards[episodeID]
	if !ok {
		eb = &episodeBuffer{}
		b.shards[episodeID] = eb
	}
	return eb
}

// Enqueue appends a step and triggers a size-based flush when the batch
// threshold is reached. Returns after enqueue, not after durability.
func (b *Buffer) Enqueue(episodeID string, step *types.ExecutionStep) error {
	if b.closed.Load() {
		return memerr.New(memerr.KindValidation, "stepbuffer.enqueue", "buffer closed")
	}
	eb := b.shard(episodeID)

	eb.mu.Lock()
	if len(eb.steps) == 0 {
		eb.oldest = b.clock()
	}
	eb.steps = append(eb.steps, step)
	size := len(eb.steps)
	eb.mu.Unlock()

	if size >= b.cfg.BatchSize {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.flushEpisode(context.Background(), episodeID); err != nil {
				b.log.WithError(err).WithField("episode_id", episodeID).Warn("size flush failed")
			}
		}()
	}
	return nil
}

// Flush synchronously drains the episode's buffer. Used on completion
// and for explicit fsync requests; the BufferDrained error surfaces to
// the caller when retries are exhausted.
func (b *Buffer) Flush(ctx context.Context, episodeID string) error {
	return b.flushEpisode(ctx, episodeID)
}

// flushEpisode takes the buffered batch and writes it with bounded
// retries. On exhaustion the batch is dropped, the episode is marked
// degraded through the drain callback, and BufferDrained is returned.
func (b *Buffer) flushEpisode(ctx context.Context, episodeID string) error {
	eb := b.shard(episodeID)

	eb.flushMu.Lock()
	defer eb.flushMu.Unlock()

	eb.mu.Lock()
	batch := eb.steps
	eb.steps = nil
	eb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var attempts int
	err := resilience.Retry(ctx, b.cfg.MaxRetries, func(ctx context.Context) error {
		attempts++
		return b.flush(ctx, episodeID, batch)
	})
	if attempts > 1 {
		b.retries.Add(int64(attempts - 1))
	}
	if err != nil {
		b.drops.Add(1)
		drained := memerr.Wrap(memerr.KindBufferDrained, "stepbuffer.flush", err).WithEntity(episodeID)
		if b.onDrained != nil {
			b.onDrained(episodeID, drained)
		}
		return drained
	}

	if b.onFlushed != nil {
		b.onFlushed(episodeID)
	}
	return nil
}

// Remove drops the episode's shard after completion
func (b *Buffer) Remove(episodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.shards, episodeID)
}

// Pending reports the number of buffered steps for an episode
func (b *Buffer) Pending(episodeID string) int {
	b.mu.Lock()
	eb, ok := b.shards[episodeID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.steps)
}

// Retries reports the cumulative retry count (monitoring)
func (b *Buffer) Retries() int64 { return b.retries.Load() }

// Drops reports the cumulative dropped-batch count (monitoring)
func (b *Buffer) Drops() int64 { return b.drops.Load() }

// Close stops the ticker and waits for in-flight flushes
func (b *Buffer) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.quit)
	<-b.done
	b.wg.Wait()
}
