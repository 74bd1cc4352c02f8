package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/pipeline"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

const version = "1.0.0"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// writeDomainError maps service errors onto HTTP status codes.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownTenant), errors.Is(err, storage.ErrNotFound):
		g.writeError(w, err.Error(), 404)
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrLoggedOut):
		g.writeError(w, err.Error(), 409)
	case errors.Is(err, session.ErrPairingTimeout):
		g.writeError(w, err.Error(), 504)
	default:
		g.writeError(w, err.Error(), 500)
	}
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	live := 0
	if g.sessions != nil {
		for _, s := range g.sessions.Sessions() {
			if s.IsConnected() {
				live++
			}
		}
	}
	g.writeJSON(w, 200, map[string]any{
		"status":        "ok",
		"version":       version,
		"uptime":        uptime,
		"live_sessions": live,
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	tenants, leads, messages, err := g.db.Counts(r.Context())
	if err != nil {
		g.writeError(w, "counting rows: "+err.Error(), 500)
		return
	}
	live := 0
	for _, s := range g.sessions.Sessions() {
		if s.IsConnected() {
			live++
		}
	}
	g.writeJSON(w, 200, map[string]any{
		"tenants":       tenants,
		"leads":         leads,
		"messages":      messages,
		"live_sessions": live,
		"uptime":        time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleTenants implements GET /api/tenants (list) and POST /api/tenants
// (create or update).
func (g *Gateway) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenants, err := g.db.Tenants(r.Context())
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]any{"tenants": tenants})

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
		if err != nil {
			g.writeError(w, "failed to read body", 400)
			return
		}
		var req struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			SystemPrompt string `json:"system_prompt"`
			Settings     string `json:"settings"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			g.writeError(w, "invalid request body", 400)
			return
		}
		if req.ID == "" || req.Name == "" {
			g.writeError(w, "id and name required", 400)
			return
		}
		tenant := &storage.Tenant{
			ID:           req.ID,
			Name:         req.Name,
			SystemPrompt: req.SystemPrompt,
			Settings:     req.Settings,
		}
		if err := g.db.UpsertTenant(r.Context(), tenant); err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 201, tenant)

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// handleTenantSubtree routes everything beneath /api/tenants/{id}.
func (g *Gateway) handleTenantSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tenants/")
	tenantID, rest, _ := strings.Cut(path, "/")
	if tenantID == "" {
		g.writeError(w, "tenant id required", 400)
		return
	}

	switch rest {
	case "":
		g.handleTenantByID(w, r, tenantID)
	case "session":
		g.handleTenantSession(w, r, tenantID)
	case "session/pairing-code":
		g.handlePairingCode(w, r, tenantID)
	case "messages":
		g.handleSendMessage(w, r, tenantID)
	case "messages/import":
		g.handleImport(w, r, tenantID)
	case "events":
		g.handleTenantEvents(w, r, tenantID)
	case "leads":
		g.handleTenantLeads(w, r, tenantID)
	default:
		g.writeError(w, "not found", 404)
	}
}

// handleTenantByID implements GET /api/tenants/{id}
func (g *Gateway) handleTenantByID(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	tenant, err := g.db.Tenant(r.Context(), tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]any{
		"tenant":  tenant,
		"session": g.sessions.Status(tenantID),
	})
}

// handleTenantSession implements POST (connect; {"force": true} tears
// the old session down first), GET (status), and DELETE (disconnect;
// ?wipe=true also unlinks) on /api/tenants/{id}/session.
func (g *Gateway) handleTenantSession(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Force bool `json:"force"`
		}
		// The body is optional; a bare POST is a plain get-or-create.
		if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil && err != io.EOF {
			g.writeError(w, "invalid request body", 400)
			return
		}
		if _, err := g.sessions.GetOrCreate(r.Context(), tenantID, req.Force); err != nil {
			g.writeDomainError(w, err)
			return
		}
		g.writeJSON(w, 200, g.sessions.Status(tenantID))

	case http.MethodGet:
		// Status itself cannot tell an offline tenant from a nonexistent
		// one, so keep the 404 contract with an existence check.
		if _, err := g.db.Tenant(r.Context(), tenantID); err != nil {
			g.writeDomainError(w, err)
			return
		}
		g.writeJSON(w, 200, g.sessions.Status(tenantID))

	case http.MethodDelete:
		wipe := r.URL.Query().Get("wipe")
		if wipe == "1" || wipe == "true" {
			if err := g.sessions.Logout(r.Context(), tenantID); err != nil {
				g.writeDomainError(w, err)
				return
			}
			g.importer.DropCachedTenant(tenantID)
			g.writeJSON(w, 200, map[string]string{"status": "logged_out"})
			return
		}
		if err := g.sessions.Disconnect(r.Context(), tenantID); err != nil {
			g.writeDomainError(w, err)
			return
		}
		g.writeJSON(w, 200, map[string]string{"status": "disconnected"})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// handlePairingCode implements POST /api/tenants/{id}/session/pairing-code
func (g *Gateway) handlePairingCode(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	if req.Phone == "" {
		g.writeError(w, "phone required", 400)
		return
	}
	code, err := g.sessions.RequestPairingCode(r.Context(), tenantID, req.Phone)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]string{"code": code})
}

// handleSendMessage implements POST /api/tenants/{id}/messages
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	// Limit request body to 2MB to prevent OOM from oversized payloads.
	body, err := io.ReadAll(io.LimitReader(r.Body, 2*1024*1024))
	if err != nil {
		g.writeError(w, "failed to read body", 400)
		return
	}
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	if req.To == "" || req.Text == "" {
		g.writeError(w, "to and text required", 400)
		return
	}
	deliveryID, err := g.sessions.Send(r.Context(), tenantID, req.To, req.Text)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]string{"delivery_id": deliveryID})
}

// handleImport implements POST /api/tenants/{id}/messages/import
func (g *Gateway) handleImport(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
	if err != nil {
		g.writeError(w, "failed to read body", 400)
		return
	}
	var req struct {
		Items []pipeline.ImportItem `json:"items"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	if len(req.Items) == 0 {
		g.writeError(w, "items required", 400)
		return
	}
	queued, err := g.importer.Import(r.Context(), tenantID, req.Items)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]int{"queued": queued, "total": len(req.Items)})
}

// handleTenantEvents implements GET /api/tenants/{id}/events as a
// server-sent event stream. The last known status is replayed on
// connect so a dashboard never starts blind.
func (g *Gateway) handleTenantEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if _, err := g.db.Tenant(r.Context(), tenantID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported", 500)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)

	// Bus fan-out runs on the emitter's goroutine; bridge through a
	// channel so only this handler writes to the response. Subscribing
	// before the replay write means no event can fall into the gap
	// between the two.
	events := make(chan stream.Event, 16)
	unsubscribe := g.bus.SubscribeTenant(tenantID, func(evt stream.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	defer unsubscribe()

	if last, ok := g.bus.Last(tenantID); ok {
		g.writeSSE(w, last)
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			g.writeSSE(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeSSE(w io.Writer, evt stream.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
}

// handleTenantLeads implements GET /api/tenants/{id}/leads
func (g *Gateway) handleTenantLeads(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if _, err := g.db.Tenant(r.Context(), tenantID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	leads, err := g.db.LeadsByTenant(r.Context(), tenantID)
	if err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]any{"leads": leads})
}

// handleLeadSubtree routes everything beneath /api/leads/{id}.
func (g *Gateway) handleLeadSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/leads/")
	leadID, rest, _ := strings.Cut(path, "/")
	if leadID == "" {
		g.writeError(w, "lead id required", 400)
		return
	}

	switch rest {
	case "":
		g.handleLeadByID(w, r, leadID)
	case "automation":
		g.handleLeadAutomation(w, r, leadID)
	case "messages":
		g.handleLeadMessages(w, r, leadID)
	default:
		g.writeError(w, "not found", 404)
	}
}

// handleLeadByID implements GET /api/leads/{id}
func (g *Gateway) handleLeadByID(w http.ResponseWriter, r *http.Request, leadID string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	lead, err := g.db.LeadByID(r.Context(), leadID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, 200, map[string]any{"lead": lead})
}

// handleLeadAutomation implements PATCH /api/leads/{id}/automation.
// This is how a dashboard hands a conversation back to the bot after a
// human takeover.
func (g *Gateway) handleLeadAutomation(w http.ResponseWriter, r *http.Request, leadID string) {
	if r.Method != http.MethodPatch {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req struct {
		Automation string `json:"automation"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", 400)
		return
	}
	mode := storage.Automation(req.Automation)
	if mode != storage.AutomationActive && mode != storage.AutomationPaused {
		g.writeError(w, "automation must be active or paused", 400)
		return
	}

	lead, err := g.db.LeadByID(r.Context(), leadID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if err := g.db.SetLeadAutomation(r.Context(), leadID, mode); err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}

	// The pipeline must see the flip on the very next message.
	g.importer.DropCachedLead(lead.TenantID, lead.Address)
	if lead.RealAddress != "" {
		g.importer.DropCachedLead(lead.TenantID, lead.RealAddress)
	}

	g.logger.Info("lead automation updated",
		"lead", leadID, "tenant", lead.TenantID, "automation", mode)
	g.writeJSON(w, 200, map[string]string{"status": "updated", "automation": string(mode)})
}

// handleLeadMessages implements GET /api/leads/{id}/messages
func (g *Gateway) handleLeadMessages(w http.ResponseWriter, r *http.Request, leadID string) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.writeError(w, "invalid limit", 400)
			return
		}
		limit = parsed
	}
	if _, err := g.db.LeadByID(r.Context(), leadID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	messages, err := g.db.RecentMessages(r.Context(), leadID, limit)
	if err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]any{"messages": messages})
}
