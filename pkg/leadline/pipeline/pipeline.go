// Package pipeline turns raw session events into stored conversation
// state and automated replies. Every tenant gets one serialized worker,
// so two messages of the same tenant can never race each other through
// classification, persistence, and response.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/history"
	"github.com/jholhewres/leadline/pkg/leadline/pending"
	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// Sender delivers outbound text on behalf of a tenant and returns the
// delivery id. The session manager implements it.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) (string, error)
}

// Config tunes the processing pipeline.
type Config struct {
	// QueueSize is the per-tenant event buffer. Overflow is dropped,
	// never blocked on.
	QueueSize int `yaml:"queue_size"`
	// HistoryWindow is how many stored messages the responder sees.
	HistoryWindow int `yaml:"history_window"`
	// StaleAfter routes messages older than this to the history
	// batcher instead of the live conversation flow.
	StaleAfter time.Duration `yaml:"stale_after"`
	// ResponderTimeout bounds one response generation.
	ResponderTimeout time.Duration `yaml:"responder_timeout"`
	// LeadCacheTTL bounds how long a lead row is served from memory.
	LeadCacheTTL time.Duration `yaml:"lead_cache_ttl"`

	Batch history.BatchConfig `yaml:"batch"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		HistoryWindow:    20,
		StaleAfter:       24 * time.Hour,
		ResponderTimeout: 90 * time.Second,
		LeadCacheTTL:     history.DefaultCacheTTL,
		Batch:            history.DefaultBatchConfig(),
	}
}

// Pipeline consumes inbound events from the session layer. It
// implements session.Sink.
type Pipeline struct {
	cfg       Config
	db        *storage.DB
	cache     *history.Cache
	batcher   *history.Batcher
	pending   *pending.Set
	responder responder.Responder
	sender    Sender
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]chan session.InboundEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. A nil responder disables automated replies;
// messages are still classified and stored. Call Start before
// dispatching.
func New(cfg Config, db *storage.DB, resp responder.Responder, sender Sender, pend *pending.Set, logger *slog.Logger) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = DefaultConfig().ResponderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	if resp == nil {
		logger.Warn("no responder configured, running in store-only mode")
	}

	return &Pipeline{
		cfg:       cfg,
		db:        db,
		cache:     history.NewCache(cfg.LeadCacheTTL),
		batcher:   history.NewBatcher(cfg.Batch, db, logger),
		pending:   pend,
		responder: resp,
		sender:    sender,
		logger:    logger,
		queues:    make(map[string]chan session.InboundEvent),
	}
}

// Start binds the pipeline lifecycle to ctx and launches the history
// flusher.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.batcher.Run(p.ctx)
	}()
}

// Shutdown stops the workers and drains the history buffer.
func (p *Pipeline) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Dispatch enqueues one event on the owning tenant's queue. It never
// blocks: when the queue is full the event is dropped and logged, and
// the network's own redelivery gets another chance later.
func (p *Pipeline) Dispatch(evt session.InboundEvent) {
	if p.ctx == nil || p.ctx.Err() != nil {
		p.logger.Warn("dispatch before start or after shutdown, dropping event",
			"tenant", evt.TenantID, "message_id", evt.MessageID)
		return
	}

	select {
	case p.queue(evt.TenantID) <- evt:
	default:
		p.logger.Warn("tenant queue full, dropping event",
			"tenant", evt.TenantID, "message_id", evt.MessageID)
	}
}

// queue returns the tenant's event channel, starting its worker on
// first use.
func (p *Pipeline) queue(tenantID string) chan session.InboundEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[tenantID]; ok {
		return q
	}
	q := make(chan session.InboundEvent, p.cfg.QueueSize)
	p.queues[tenantID] = q

	p.wg.Add(1)
	go p.worker(tenantID, q)
	return q
}

// worker serializes all processing of one tenant.
func (p *Pipeline) worker(tenantID string, q chan session.InboundEvent) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "tenant", tenantID)

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("worker stopped", "tenant", tenantID)
			return
		case evt := <-q:
			p.process(evt)
		}
	}
}

// DropCachedLead evicts a lead from the cache so the next message sees
// fresh database state. Called after out-of-band lead edits.
func (p *Pipeline) DropCachedLead(tenantID, address string) {
	p.cache.Drop(tenantID, address)
}

// DropCachedTenant evicts every cached lead of a tenant. Called when a
// tenant unlinks its account so nothing from the old pairing lingers.
func (p *Pipeline) DropCachedTenant(tenantID string) {
	p.cache.DropTenant(tenantID)
}

// ImportItem is one entry of a conversation import. Timestamp accepts
// seconds, milliseconds, or microseconds.
type ImportItem struct {
	Address    string `json:"address"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	ExternalID string `json:"external_id,omitempty"`
}

// Import queues historical conversation entries for bulk insertion and
// returns how many were accepted. Entries with unusable roles or
// addresses are skipped, not fatal; duplicates are dropped at insert
// time by the external id.
func (p *Pipeline) Import(ctx context.Context, tenantID string, items []ImportItem) (int, error) {
	if _, err := p.db.Tenant(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("loading tenant %s: %w", tenantID, err)
	}

	queued := 0
	for _, item := range items {
		role := storage.Role(item.Role)
		if role == "" {
			role = storage.RoleUser
		}
		if role != storage.RoleUser && role != storage.RoleAssistant && role != storage.RoleSystem {
			p.logger.Warn("import: skipping entry with unknown role",
				"tenant", tenantID, "role", item.Role)
			continue
		}
		if item.Address == "" {
			p.logger.Warn("import: skipping entry without address", "tenant", tenantID)
			continue
		}

		lead, err := p.resolveLead(ctx, tenantID, item.Address, "", "")
		if err != nil {
			p.logger.Warn("import: lead resolution failed",
				"tenant", tenantID, "address", item.Address, "error", err)
			continue
		}

		msgType := storage.TypeText
		if item.Type == string(storage.TypeAudio) {
			msgType = storage.TypeAudio
		}

		p.batcher.Add(&storage.Message{
			TenantID:   tenantID,
			LeadID:     lead.ID,
			Role:       role,
			Content:    item.Content,
			Type:       msgType,
			ExternalID: item.ExternalID,
			CreatedAt:  history.NormalizeTimestamp(item.Timestamp),
		})
		queued++
	}

	p.logger.Info("import queued", "tenant", tenantID, "accepted", queued, "total", len(items))
	return queued, nil
}
