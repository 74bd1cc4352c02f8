package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jholhewres/leadline/pkg/leadline/credstore"
	"github.com/jholhewres/leadline/pkg/leadline/pending"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

// InboundEvent is a message event handed to the sink after session-level
// filtering (broadcasts and groups are dropped, LID addresses resolved).
// Classification into echo, takeover or stale happens downstream.
type InboundEvent struct {
	TenantID      string
	MessageID     string
	ChatAddress   string
	SenderAddress string
	RawSender     string
	PushName      string
	FromMe        bool
	Timestamp     time.Time
	Message       *waE2E.Message
}

// Sink receives inbound events from live sessions.
type Sink interface {
	Dispatch(evt InboundEvent)
}

// StatusInfo is the live in-memory view of a tenant session. QR holds
// the pairing code while one is pending scan, empty otherwise.
type StatusInfo struct {
	TenantID          string               `json:"tenant_id"`
	Status            storage.TenantStatus `json:"status"`
	Live              bool                 `json:"live"`
	QR                string               `json:"qr,omitempty"`
	JID               string               `json:"jid,omitempty"`
	Platform          string               `json:"platform,omitempty"`
	ReconnectAttempts int32                `json:"reconnect_attempts,omitempty"`
	LastActivityAt    time.Time            `json:"last_activity_at"`
}

// Manager owns all tenant sessions. It is the only writer of the
// persisted tenant status.
type Manager struct {
	cfg     Config
	db      *storage.DB
	creds   *credstore.Store
	bus     *stream.Bus
	pending *pending.Set
	logger  *slog.Logger

	build ClientBuilder
	sink  Sink

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager. Call Start before use.
func NewManager(cfg Config, db *storage.DB, creds *credstore.Store, bus *stream.Bus, pend *pending.Set, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.PairingAttempts == 0 {
		cfg.PairingAttempts = 3
	}
	if cfg.PairingBackoff == 0 {
		cfg.PairingBackoff = time.Second
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.RestoreBatchSize == 0 {
		cfg.RestoreBatchSize = 5
	}
	if cfg.RestoreDelay == 0 {
		cfg.RestoreDelay = time.Second
	}

	return &Manager{
		cfg:      cfg,
		db:       db,
		creds:    creds,
		bus:      bus,
		pending:  pend,
		logger:   logger.With("component", "session"),
		build:    newWhatsmeowClient,
		sessions: make(map[string]*Session),
	}
}

// SetSink wires the inbound event consumer. Must be called before any
// session connects.
func (m *Manager) SetSink(sink Sink) {
	m.sink = sink
}

// Start binds the manager lifecycle to ctx and launches the watchdog.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.startWatchdog(m.ctx)
}

// GetOrCreate returns the tenant's session, establishing the connection
// if none is live. Calling it again while a session is up or still
// coming up returns the same session unchanged. With forceNew the old
// session is torn down and de-registered first, so the caller always
// gets a freshly built one.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID string, forceNew bool) (*Session, error) {
	if _, err := m.db.Tenant(ctx, tenantID); err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
		}
		return nil, fmt.Errorf("loading tenant: %w", err)
	}

	if forceNew {
		m.teardown(tenantID)
	}

	sess := m.obtain(tenantID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.getState() {
	case stateConnected, stateConnecting, stateWaitingQR, stateReconnecting:
		return sess, nil
	case stateLoggedOut:
		// A logout finished while this call waited on the lock; the
		// object is already de-registered. Retrying gets a fresh stub.
		return nil, fmt.Errorf("%w: %s", ErrLoggedOut, tenantID)
	}

	return sess, m.connectLocked(ctx, sess)
}

// obtain returns the session stub for a tenant, creating it if needed.
func (m *Manager) obtain(tenantID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[tenantID]; ok {
		return sess
	}
	sess := &Session{tenantID: tenantID}
	sess.setState(stateIdle)
	m.sessions[tenantID] = sess
	return sess
}

// get returns a live session or nil. It never creates one.
func (m *Manager) get(tenantID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[tenantID]
}

// connectLocked builds the client and starts connecting. The caller
// holds sess.mu.
func (m *Manager) connectLocked(ctx context.Context, sess *Session) error {
	device, err := m.creds.Device(ctx, sess.tenantID)
	if err != nil {
		return fmt.Errorf("resolving device: %w", err)
	}

	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	sess.ctx, sess.cancel = context.WithCancel(parent)

	client := m.build(device)
	client.AddEventHandler(func(raw interface{}) {
		m.handleEvent(sess, raw)
	})
	sess.client = client
	sess.reconnectAttempts.Store(0)

	if client.StoreID() == nil {
		// Unpaired device: run the QR flow in the background so the
		// caller gets the session back immediately and can watch the
		// event stream for codes.
		sess.setState(stateConnecting)
		m.logger.Info("session: no stored pairing, starting QR flow", "tenant", sess.tenantID)
		go func() {
			if err := m.loginWithQR(sess); err != nil {
				m.logger.Warn("session: QR login pending", "tenant", sess.tenantID, "error", err)
			}
		}()
		return nil
	}

	sess.setState(stateConnecting)
	if err := client.Connect(); err != nil {
		m.setStatus(ctx, sess, stateDisconnected, "connect_failed")
		return fmt.Errorf("connecting: %w", err)
	}

	m.logger.Info("session: connecting with stored pairing",
		"tenant", sess.tenantID, "jid", sess.JID())
	return nil
}

// loginWithQR drives the QR pairing loop, streaming codes to the bus.
func (m *Manager) loginWithQR(sess *Session) error {
	qrChan, err := sess.client.GetQRChannel(sess.ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := sess.client.Connect(); err != nil {
		m.setStatus(sess.ctx, sess, stateDisconnected, "connect_failed")
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-sess.ctx.Done():
			return sess.ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				// Store before emitting so a status poll racing the bus
				// event already sees the code.
				sess.setQR(evt.Code)
				m.setStatus(sess.ctx, sess, stateWaitingQR, "")
				m.bus.EmitQR(sess.tenantID, evt.Code)
				m.logger.Info("session: QR code ready", "tenant", sess.tenantID)

			case "success":
				// The Connected event finishes the status transition;
				// the device binding is recorded here.
				sess.setQR("")
				m.bindDevice(sess)
				m.logger.Info("session: pairing successful", "tenant", sess.tenantID)
				return nil

			case "timeout":
				sess.setQR("")
				m.setStatus(sess.ctx, sess, stateDisconnected, "qr_timeout")
				m.logger.Warn("session: QR code expired", "tenant", sess.tenantID)
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					sess.setQR("")
					m.setStatus(sess.ctx, sess, stateDisconnected, "qr_error")
					m.logger.Error("session: QR login error", "tenant", sess.tenantID, "error", evt.Error)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// bindDevice records the container device behind this session.
func (m *Manager) bindDevice(sess *Session) {
	id := sess.client.StoreID()
	if id == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.creds.BindDevice(ctx, sess.tenantID, *id); err != nil {
		m.logger.Warn("session: device binding failed", "tenant", sess.tenantID, "error", err)
	}
}

// Send delivers a text message from the tenant's account. The delivery
// ID is generated before sending and registered as a pending echo so
// the message's own loopback is not treated as operator takeover.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) (string, error) {
	sess := m.get(tenantID)
	if sess == nil || !sess.IsConnected() {
		return "", fmt.Errorf("%w: tenant %s", ErrNotConnected, tenantID)
	}

	jid, err := ParseAddress(to)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", to, err)
	}

	id := sess.client.GenerateMessageID()
	m.pending.Register(string(id))

	_, err = sess.client.SendMessage(ctx, jid, buildTextMessage(text), whatsmeow.SendRequestExtra{ID: id})
	if err != nil {
		m.pending.Remove(string(id))
		sess.errorCount.Add(1)
		return "", fmt.Errorf("sending message: %w", err)
	}

	sess.touch()
	return string(id), nil
}

// Logout unlinks the tenant's device and wipes its credentials. The
// tenant must pair again to reconnect.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	sess := m.get(tenantID)
	if sess != nil {
		sess.mu.Lock()
		if sess.client != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := sess.client.Logout(logoutCtx); err != nil {
				m.logger.Warn("session: logout error, forcing cleanup", "tenant", tenantID, "error", err)
				sess.client.Disconnect()
			}
			cancel()
		}
		sess.connected.Store(false)
		sess.setState(stateLoggedOut)
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.mu.Unlock()
		m.drop(tenantID)
	}

	if err := m.creds.DeleteAll(ctx, tenantID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	m.persistStatus(ctx, tenantID, storage.TenantLoggedOut, "logout")

	m.logger.Info("session: logged out, credentials cleared", "tenant", tenantID)
	return nil
}

// Disconnect tears the connection down but keeps credentials, so a
// later GetOrCreate resumes without pairing.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if m.get(tenantID) == nil {
		return fmt.Errorf("%w: tenant %s", ErrNotConnected, tenantID)
	}

	m.teardown(tenantID)
	m.persistStatus(ctx, tenantID, storage.TenantDisconnected, "user_request")

	m.logger.Info("session: disconnected", "tenant", tenantID)
	return nil
}

// teardown closes and de-registers a tenant's session if one exists.
// Credentials and the persisted status are left alone.
func (m *Manager) teardown(tenantID string) {
	sess := m.get(tenantID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if sess.client != nil {
		sess.client.Disconnect()
	}
	sess.connected.Store(false)
	sess.setState(stateIdle)
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()

	m.drop(tenantID)
}

// Status is a pure read of in-memory session state. It never touches
// storage and never creates anything: tenants with no live handle
// report not_started.
func (m *Manager) Status(tenantID string) *StatusInfo {
	sess := m.get(tenantID)
	if sess == nil {
		return &StatusInfo{TenantID: tenantID, Status: storage.TenantNotStarted}
	}

	info := &StatusInfo{
		TenantID:          tenantID,
		Status:            sess.getState().persisted(),
		Live:              sess.IsConnected(),
		QR:                sess.qrCode(),
		JID:               sess.JID(),
		ReconnectAttempts: sess.reconnectAttempts.Load(),
		LastActivityAt:    sess.lastActivityTime(),
	}
	if sess.client != nil {
		info.Platform = sess.client.StorePlatform()
	}
	return info
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Shutdown disconnects every session without touching persisted state,
// so the next startup restores them.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.client != nil {
			sess.client.Disconnect()
		}
		sess.connected.Store(false)
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.mu.Unlock()
	}

	m.logger.Info("session: all sessions shut down", "count", len(sessions))
}

func (m *Manager) drop(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tenantID)
}

// setStatus transitions the in-memory state, persists the reduced
// status, and emits the change on the bus.
func (m *Manager) setStatus(ctx context.Context, sess *Session, state connState, reason string) {
	sess.setState(state)
	m.persistStatus(ctx, sess.tenantID, state.persisted(), reason)
}

func (m *Manager) persistStatus(ctx context.Context, tenantID string, status storage.TenantStatus, reason string) {
	// not_started is the birth status; transitions never go back to it.
	if status == storage.TenantNotStarted {
		status = storage.TenantDisconnected
	}

	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := m.db.SetTenantStatus(ctx, tenantID, status); err != nil {
		m.logger.Error("session: status write failed",
			"tenant", tenantID, "status", status, "error", err)
	}
	m.bus.EmitStatus(tenantID, string(status), reason)
}

// attemptReconnect retries the connection with linear backoff. A CAS
// guard keeps one reconnect loop per session.
func (m *Manager) attemptReconnect(sess *Session) {
	if !sess.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer sess.reconnectGuard.Store(false)

	sess.setState(stateReconnecting)

	for {
		if sess.ctx == nil || sess.ctx.Err() != nil {
			return
		}

		attempts := sess.reconnectAttempts.Add(1)
		if m.cfg.MaxReconnectAttempts > 0 && attempts > int32(m.cfg.MaxReconnectAttempts) {
			m.logger.Error("session: max reconnect attempts reached",
				"tenant", sess.tenantID, "attempts", attempts)
			m.setStatus(sess.ctx, sess, stateDisconnected, "max_reconnect_attempts")
			return
		}

		backoff := min(m.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		m.logger.Info("session: attempting reconnect",
			"tenant", sess.tenantID, "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-sess.ctx.Done():
			return
		}

		if sess.client == nil {
			return
		}

		// Clear stale websocket state before dialing again.
		if sess.client.IsConnected() {
			sess.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := sess.client.Connect(); err != nil {
			m.logger.Warn("session: reconnect attempt failed",
				"tenant", sess.tenantID, "attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and resets counters.
		return
	}
}
