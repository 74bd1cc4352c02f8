package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// process classifies one event and routes it. Runs on the tenant's
// worker goroutine, so everything below is serialized per tenant.
func (p *Pipeline) process(evt session.InboundEvent) {
	ctx := p.ctx

	if evt.FromMe {
		p.handleOwnMessage(ctx, evt)
		return
	}
	p.handleInbound(ctx, evt)
}

// handleOwnMessage deals with messages sent from the tenant's own
// account. A delivery id we registered ourselves is just our reply
// echoing back; anything else was typed by a human on the paired phone
// and pauses automation for that lead.
func (p *Pipeline) handleOwnMessage(ctx context.Context, evt session.InboundEvent) {
	if p.pending.Consume(evt.MessageID) {
		p.logger.Debug("own echo suppressed",
			"tenant", evt.TenantID, "message_id", evt.MessageID)
		return
	}

	// A late echo past the pending TTL is already stored under its
	// delivery id. Never mistake it for a human.
	if exists, err := p.db.MessageExists(ctx, evt.TenantID, evt.MessageID); err == nil && exists {
		p.logger.Debug("late echo suppressed",
			"tenant", evt.TenantID, "message_id", evt.MessageID)
		return
	}

	lead, err := p.resolveLead(ctx, evt.TenantID, evt.ChatAddress, "", "")
	if err != nil {
		p.logger.Error("takeover: lead resolution failed",
			"tenant", evt.TenantID, "chat", evt.ChatAddress, "error", err)
		return
	}

	if lead.Automation == storage.AutomationActive {
		if err := p.db.SetLeadAutomation(ctx, lead.ID, storage.AutomationPaused); err != nil {
			p.logger.Error("takeover: pausing automation failed",
				"tenant", evt.TenantID, "lead", lead.ID, "error", err)
			return
		}
		lead.Automation = storage.AutomationPaused
		p.cache.Put(lead)
		p.logger.Info("human takeover, automation paused",
			"tenant", evt.TenantID, "lead", lead.ID, "chat", evt.ChatAddress)
	}

	content, msgType, ok := extractContent(evt.Message)
	if !ok {
		return
	}
	msg := &storage.Message{
		TenantID:   evt.TenantID,
		LeadID:     lead.ID,
		Role:       storage.RoleAssistant,
		Content:    content,
		Type:       msgType,
		ExternalID: evt.MessageID,
		CreatedAt:  eventTime(evt),
	}
	if err := p.db.InsertMessage(ctx, msg); err != nil {
		if storage.IsUniqueViolation(err) {
			return
		}
		p.logger.Error("takeover: storing operator message failed",
			"tenant", evt.TenantID, "lead", lead.ID, "error", err)
		return
	}
	p.touchLead(ctx, lead, evt)
}

// handleInbound deals with messages from the counterpart.
func (p *Pipeline) handleInbound(ctx context.Context, evt session.InboundEvent) {
	content, msgType, ok := extractContent(evt.Message)
	if !ok {
		p.logger.Debug("unsupported message kind, skipping",
			"tenant", evt.TenantID, "from", evt.SenderAddress)
		return
	}

	lead, err := p.resolveLead(ctx, evt.TenantID, evt.ChatAddress, evt.RawSender, evt.PushName)
	if err != nil {
		p.logger.Error("lead resolution failed",
			"tenant", evt.TenantID, "from", evt.SenderAddress, "error", err)
		return
	}

	msg := &storage.Message{
		TenantID:   evt.TenantID,
		LeadID:     lead.ID,
		Role:       storage.RoleUser,
		Content:    content,
		Type:       msgType,
		ExternalID: evt.MessageID,
		CreatedAt:  eventTime(evt),
	}

	// Messages older than the staleness window are catch-up traffic
	// from a reconnect, not a live conversation. They go through the
	// bulk path and never wake the responder.
	if p.isStale(evt) {
		p.batcher.Add(msg)
		p.logger.Debug("stale message routed to history",
			"tenant", evt.TenantID, "lead", lead.ID, "age", time.Since(evt.Timestamp))
		return
	}

	if err := p.db.InsertMessage(ctx, msg); err != nil {
		if storage.IsUniqueViolation(err) {
			p.logger.Debug("duplicate event suppressed",
				"tenant", evt.TenantID, "message_id", evt.MessageID)
			return
		}
		p.logger.Error("storing message failed",
			"tenant", evt.TenantID, "lead", lead.ID, "error", err)
		return
	}
	p.touchLead(ctx, lead, evt)

	if lead.Automation != storage.AutomationActive {
		p.logger.Debug("automation paused, stored without reply",
			"tenant", evt.TenantID, "lead", lead.ID)
		return
	}
	p.respond(ctx, evt.TenantID, lead)
}

// resolveLead returns the lead for (tenant, address), creating it when
// the counterpart is new. When rawAddress differs from address (a
// rotating anonymized id that resolved to a stable one), a lead stored
// under the raw id is reused and its real address recorded, so one
// conversation never splits into two leads.
func (p *Pipeline) resolveLead(ctx context.Context, tenantID, address, rawAddress, pushName string) (*storage.Lead, error) {
	if address == "" {
		return nil, fmt.Errorf("empty counterpart address")
	}

	if lead, ok := p.cache.Get(tenantID, address); ok {
		p.refreshName(ctx, lead, pushName)
		return lead, nil
	}

	lead, err := p.db.LeadByAddress(ctx, tenantID, address)
	if err == nil {
		p.refreshName(ctx, lead, pushName)
		p.cache.Put(lead)
		return lead, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	if rawAddress != "" && rawAddress != address {
		if alias, aliasErr := p.db.LeadByAddress(ctx, tenantID, rawAddress); aliasErr == nil {
			if alias.RealAddress == "" {
				if err := p.db.SetLeadRealAddress(ctx, alias.ID, address); err != nil {
					p.logger.Warn("recording real address failed",
						"tenant", tenantID, "lead", alias.ID, "error", err)
				} else {
					alias.RealAddress = address
				}
			}
			p.refreshName(ctx, alias, pushName)
			p.cache.Put(alias)
			p.cache.PutKeyed(tenantID, address, alias)
			return alias, nil
		}
	}

	lead = &storage.Lead{
		TenantID: tenantID,
		Address:  address,
		Name:     pushName,
	}
	if err := p.db.CreateLead(ctx, lead); err != nil {
		// Lost a create race; the row is there now.
		if storage.IsUniqueViolation(err) {
			lead, err = p.db.LeadByAddress(ctx, tenantID, address)
			if err != nil {
				return nil, err
			}
			p.cache.Put(lead)
			return lead, nil
		}
		return nil, err
	}

	p.logger.Info("new lead created",
		"tenant", tenantID, "lead", lead.ID, "address", address)
	p.cache.Put(lead)
	return lead, nil
}

// refreshName fills in the display name the first time the network
// reports one.
func (p *Pipeline) refreshName(ctx context.Context, lead *storage.Lead, pushName string) {
	if pushName == "" || lead.Name != "" {
		return
	}
	if err := p.db.SetLeadName(ctx, lead.ID, pushName); err != nil {
		p.logger.Warn("updating lead name failed", "lead", lead.ID, "error", err)
		return
	}
	lead.Name = pushName
}

func (p *Pipeline) touchLead(ctx context.Context, lead *storage.Lead, evt session.InboundEvent) {
	at := eventTime(evt)
	if err := p.db.TouchLead(ctx, lead.ID, at); err != nil {
		p.logger.Warn("touching lead failed", "lead", lead.ID, "error", err)
		return
	}
	lead.LastActivityAt = at
}

func (p *Pipeline) isStale(evt session.InboundEvent) bool {
	if evt.Timestamp.IsZero() {
		return false
	}
	return time.Since(evt.Timestamp) > p.cfg.StaleAfter
}

func eventTime(evt session.InboundEvent) time.Time {
	if evt.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return evt.Timestamp.UTC()
}
