// Package session manages one WhatsApp connection per tenant using
// whatsmeow. It owns the full connection lifecycle: pairing (QR and
// phone code), reconnection with backoff, logout, and the persisted
// session status. Nothing else writes tenant status.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// Sentinel errors returned by session operations.
var (
	ErrNotConnected    = errors.New("session not connected")
	ErrPairingTimeout  = errors.New("connection timeout waiting for pairing readiness")
	ErrPairingRejected = errors.New("pairing rejected")
	ErrLoggedOut       = errors.New("session logged out")
	ErrUnknownTenant   = errors.New("unknown tenant")
)

// Config tunes session behavior.
type Config struct {
	// ReadyTimeout bounds how long RequestPairingCode waits for the
	// socket to come up before giving up.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// PairingAttempts is how many times pairing is retried with a
	// fresh session before failing.
	PairingAttempts int `yaml:"pairing_attempts"`

	// PairingBackoff is the base backoff between pairing attempts,
	// multiplied by the attempt number.
	PairingBackoff time.Duration `yaml:"pairing_backoff"`

	// ReconnectBackoff is the initial backoff for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// RestoreBatchSize is how many sessions come up per startup batch.
	RestoreBatchSize int `yaml:"restore_batch_size"`

	// RestoreDelay is the pause between startup batches.
	RestoreDelay time.Duration `yaml:"restore_delay"`

	// Watchdog configures the connection health monitor.
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout:         15 * time.Second,
		PairingAttempts:      3,
		PairingBackoff:       time.Second,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		RestoreBatchSize:     5,
		RestoreDelay:         time.Second,
		Watchdog:             DefaultWatchdogConfig(),
	}
}

// connState is the fine-grained in-memory connection state. It is
// reduced to the five persisted statuses when written to storage.
type connState string

const (
	// stateIdle is the pristine stub: no connection was ever attempted.
	stateIdle         connState = "idle"
	stateConnecting   connState = "connecting"
	stateWaitingQR    connState = "waiting_qr"
	stateConnected    connState = "connected"
	stateDisconnected connState = "disconnected"
	stateReconnecting connState = "reconnecting"
	stateLoggedOut    connState = "logged_out"
)

// persisted maps the in-memory state to the stored tenant status.
func (s connState) persisted() storage.TenantStatus {
	switch s {
	case stateConnected:
		return storage.TenantConnected
	case stateWaitingQR:
		return storage.TenantQR
	case stateLoggedOut:
		return storage.TenantLoggedOut
	case stateIdle:
		return storage.TenantNotStarted
	default:
		return storage.TenantDisconnected
	}
}

// Client is the subset of the whatsmeow client the manager drives.
// Tests substitute a fake through Manager's builder.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Logout(ctx context.Context) error
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	GenerateMessageID() types.MessageID
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairPhone(ctx context.Context, phone string, showPushNotification bool, clientType whatsmeow.PairClientType, clientDisplayName string) (string, error)
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	StoreID() *types.JID
	StorePlatform() string
	AltJID(ctx context.Context, jid types.JID) (types.JID, error)
}

// ClientBuilder constructs a Client for a device.
type ClientBuilder func(device *store.Device) Client

type waClient struct {
	*whatsmeow.Client
}

func (c *waClient) StoreID() *types.JID { return c.Client.Store.ID }

func (c *waClient) StorePlatform() string { return c.Client.Store.Platform }

func (c *waClient) AltJID(ctx context.Context, jid types.JID) (types.JID, error) {
	if c.Client.Store == nil {
		return types.JID{}, fmt.Errorf("store not initialized")
	}
	return c.Client.Store.GetAltJID(ctx, jid)
}

func newWhatsmeowClient(device *store.Device) Client {
	client := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection is owned here, not by the library, so status writes
	// and backoff stay in one place.
	client.EnableAutoReconnect = false
	return &waClient{Client: client}
}

// Session is one tenant's live connection.
type Session struct {
	tenantID string
	client   Client

	// mu serializes lifecycle operations for this tenant. Map access
	// is guarded by the manager, not this lock.
	mu sync.Mutex

	connected         atomic.Bool
	state             atomic.Value // connState
	lastQR            atomic.Value // string
	lastActivity      atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) getState() connState {
	if v := s.state.Load(); v != nil {
		return v.(connState)
	}
	return stateIdle
}

func (s *Session) setState(state connState) {
	s.state.Store(state)
}

// IsConnected reports whether the tenant's socket is up.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// TenantID returns the owning tenant.
func (s *Session) TenantID() string {
	return s.tenantID
}

// JID returns the linked account JID, empty when unpaired.
func (s *Session) JID() string {
	if s.client != nil {
		if id := s.client.StoreID(); id != nil {
			return id.String()
		}
	}
	return ""
}

// setQR records the pairing code currently shown to the tenant. An
// empty string means no code is pending.
func (s *Session) setQR(code string) {
	s.lastQR.Store(code)
}

func (s *Session) qrCode() string {
	if v := s.lastQR.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now())
}

func (s *Session) lastActivityTime() time.Time {
	if v := s.lastActivity.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// ParseAddress converts an address to a WhatsApp JID. Accepts bare
// phone numbers ("5511999999999") and full JIDs
// ("5511999999999@s.whatsapp.net").
func ParseAddress(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty address")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}
