package storage

import "time"

// TenantStatus is the externally observable WhatsApp linkage state of a
// tenant. It is written only by the session manager (or reset by an explicit
// logout) and read by everyone else.
type TenantStatus string

const (
	TenantNotStarted   TenantStatus = "not_started"
	TenantQR           TenantStatus = "qr"
	TenantConnected    TenantStatus = "connected"
	TenantDisconnected TenantStatus = "disconnected"
	TenantLoggedOut    TenantStatus = "logged_out"
)

// LeadStatus is the sales lifecycle state of a lead, owned by the dashboard.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadClosed    LeadStatus = "closed"
)

// Automation says whether the automated responder may reply on a lead.
// A human operator message flips it to paused; only the dashboard flips it
// back.
type Automation string

const (
	AutomationActive Automation = "active"
	AutomationPaused Automation = "paused"
)

// Role is the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType distinguishes text content from audio notes.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeAudio MessageType = "audio"
)

// Tenant is one business account. Settings is an opaque JSON blob owned by
// the dashboard; the core only reads SystemPrompt out of it.
type Tenant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       TenantStatus `json:"status"`
	SystemPrompt string       `json:"system_prompt"`
	Settings     string       `json:"settings"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Lead is one counterpart conversation, unique per (tenant, address).
// RealAddress holds the stable id when the network exposes a rotating
// anonymized one for Address.
type Lead struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Address        string     `json:"address"`
	RealAddress    string     `json:"real_address,omitempty"`
	Name           string     `json:"name"`
	Status         LeadStatus `json:"status"`
	Automation     Automation `json:"automation"`
	Metadata       string     `json:"metadata"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Message is one immutable conversation entry. ExternalID, when present, is
// the network's event id, unique per tenant: the dedup anchor for
// at-least-once delivery.
type Message struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	LeadID     string      `json:"lead_id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	ExternalID string      `json:"external_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
