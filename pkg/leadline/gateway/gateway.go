// Package gateway provides the HTTP API for the leadline server: tenant
// and session control, message sending, conversation import, and the
// live event stream the dashboard subscribes to.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/pipeline"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

// Config tunes the HTTP server.
type Config struct {
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the baseline server settings.
func DefaultConfig() Config {
	return Config{Address: ":8087"}
}

// SessionController is the session-manager surface the gateway drives.
type SessionController interface {
	GetOrCreate(ctx context.Context, tenantID string, forceNew bool) (*session.Session, error)
	Status(tenantID string) *session.StatusInfo
	Disconnect(ctx context.Context, tenantID string) error
	Logout(ctx context.Context, tenantID string) error
	Send(ctx context.Context, tenantID, to, text string) (string, error)
	RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error)
	Sessions() []*session.Session
}

// Importer is the pipeline surface the gateway drives.
type Importer interface {
	Import(ctx context.Context, tenantID string, items []pipeline.ImportItem) (int, error)
	DropCachedLead(tenantID, address string)
	DropCachedTenant(tenantID string)
}

// Gateway is the HTTP API server.
type Gateway struct {
	cfg       Config
	db        *storage.DB
	sessions  SessionController
	importer  Importer
	bus       *stream.Bus
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(cfg Config, db *storage.DB, sessions SessionController, importer Importer, bus *stream.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8087"
	}
	return &Gateway{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		importer: importer,
		bus:      bus,
		logger:   logger.With("component", "gateway"),
	}
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.Handler(),
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		isLocalName := host == "localhost"
		if !isLoopback && !isLocalName {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address; anyone on the network can control tenant sessions",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// Handler returns the fully wired route tree.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	// API routes
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/tenants", g.handleTenants)
	mux.HandleFunc("/api/tenants/", g.handleTenantSubtree)
	mux.HandleFunc("/api/leads/", g.handleLeadSubtree)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}
