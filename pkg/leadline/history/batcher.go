// Package history buffers old conversation material on its way into
// storage. Stale messages and imported chat exports arrive in bursts of
// hundreds; writing them one row at a time would stall the per-tenant
// workers, so they are collected here and flushed in bulk.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// BatchConfig tunes the write-behind buffer.
type BatchConfig struct {
	// Threshold is the buffer size that triggers an immediate flush,
	// and the maximum rows per bulk insert.
	Threshold int `yaml:"threshold"`
	// FlushInterval caps how long a partial buffer may sit unwritten.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultBatchConfig returns the production defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Threshold:     100,
		FlushInterval: 2 * time.Second,
	}
}

// Inserter is the storage surface the batcher writes through.
type Inserter interface {
	InsertMessages(ctx context.Context, batch []*storage.Message) error
}

// Batcher accumulates messages and writes them in bulk, one insert per
// flush cycle. A full buffer kicks the flusher immediately; otherwise
// the interval timer drains whatever has accumulated.
type Batcher struct {
	cfg    BatchConfig
	db     Inserter
	logger *slog.Logger

	mu  sync.Mutex
	buf []*storage.Message

	kick chan struct{}
}

// NewBatcher creates a batcher. Call Run to start the flush loop.
func NewBatcher(cfg BatchConfig, db Inserter, logger *slog.Logger) *Batcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBatchConfig().Threshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchConfig().FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "history"),
		kick:   make(chan struct{}, 1),
	}
}

// Add queues one message. When the buffer reaches the threshold the
// flusher is kicked; Add itself never blocks on the database.
func (b *Batcher) Add(msg *storage.Message) {
	if msg == nil {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, msg)
	full := len(b.buf) >= b.cfg.Threshold
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered messages.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush drains the buffer, one bulk insert per Threshold-sized chunk,
// and returns the number of rows handed to the database.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := b.flushOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// flushOnce writes at most one Threshold-sized chunk. Ingestion is
// best-effort: a failed chunk is dropped, not requeued, so one bad
// batch cannot wedge the queue during a large resync.
func (b *Batcher) flushOnce(ctx context.Context) (int, error) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	n := len(b.buf)
	if n > b.cfg.Threshold {
		n = b.cfg.Threshold
	}
	batch := b.buf[:n]
	b.buf = b.buf[n:]
	b.mu.Unlock()

	if err := b.db.InsertMessages(ctx, batch); err != nil {
		return 0, fmt.Errorf("bulk insert of %d rows failed: %w", len(batch), err)
	}
	return n, nil
}

// Run flushes on the interval timer, on threshold kicks, and once more
// on shutdown so nothing buffered is lost.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := b.Flush(drainCtx); err != nil {
				b.logger.Error("final flush failed", "written", n, "error", err)
			} else if n > 0 {
				b.logger.Info("final flush complete", "written", n)
			}
			cancel()
			return

		case <-ticker.C:
			b.flushAndLog(ctx)

		case <-b.kick:
			b.flushAndLog(ctx)
		}
	}
}

func (b *Batcher) flushAndLog(ctx context.Context) {
	n, err := b.Flush(ctx)
	if err != nil {
		b.logger.Error("flush failed, batch dropped", "written", n, "error", err)
		return
	}
	if n > 0 {
		b.logger.Debug("flushed history batch", "written", n)
	}
}
