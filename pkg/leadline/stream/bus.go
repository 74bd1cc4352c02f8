// Package stream fans session events out to listeners: SSE clients on
// the gateway, the Discord alerter, and the optional NATS publisher.
// Listeners are called synchronously during Emit, so they must stay
// fast or hand off to goroutines themselves.
package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types carried on the bus.
const (
	TypeStatus      = "status"
	TypeQR          = "qr"
	TypePairingCode = "pairing_code"
)

// Event is a single tenant-scoped session event.
type Event struct {
	Tenant    string    `json:"tenant"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	QR        string    `json:"qr,omitempty"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener is a callback receiving bus events.
type Listener func(event Event)

// Bus is a thread-safe pub/sub hub for session events.
type Bus struct {
	listeners    sync.Map // listenerID (uint64) → Listener
	nextID       atomic.Uint64
	seqByTenant  sync.Map // tenantID → *atomic.Int64
	lastByTenant sync.Map // tenantID → Event (latest status event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all tenants and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// SubscribeTenant registers a listener that only receives events for
// one tenant. Returns an unsubscribe function.
func (b *Bus) SubscribeTenant(tenantID string, fn Listener) func() {
	return b.Subscribe(func(event Event) {
		if event.Tenant == tenantID {
			fn(event)
		}
	})
}

// Last returns the most recent status event for a tenant, letting new
// subscribers learn the current state without waiting for a change.
func (b *Bus) Last(tenantID string) (Event, bool) {
	v, ok := b.lastByTenant.Load(tenantID)
	if !ok {
		return Event{}, false
	}
	return v.(Event), true
}

// Emit sends an event to every listener. Seq is auto-assigned from a
// per-tenant counter and a zero timestamp is filled in.
func (b *Bus) Emit(event Event) {
	seq := b.tenantSeq(event.Tenant)
	event.Seq = seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Type == TypeStatus {
		b.lastByTenant.Store(event.Tenant, event)
	}

	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(Listener); ok {
			fn(event)
		}
		return true
	})
}

// EmitStatus emits a session status change.
func (b *Bus) EmitStatus(tenantID, status, reason string) {
	b.Emit(Event{
		Tenant: tenantID,
		Type:   TypeStatus,
		Status: status,
		Reason: reason,
	})
}

// EmitQR emits a fresh QR code for scanning.
func (b *Bus) EmitQR(tenantID, qr string) {
	b.Emit(Event{
		Tenant: tenantID,
		Type:   TypeQR,
		QR:     qr,
	})
}

// EmitPairingCode emits a phone pairing code.
func (b *Bus) EmitPairingCode(tenantID, code string) {
	b.Emit(Event{
		Tenant: tenantID,
		Type:   TypePairingCode,
		Code:   code,
	})
}

func (b *Bus) tenantSeq(tenantID string) *atomic.Int64 {
	if v, ok := b.seqByTenant.Load(tenantID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := b.seqByTenant.LoadOrStore(tenantID, seq)
	return actual.(*atomic.Int64)
}
