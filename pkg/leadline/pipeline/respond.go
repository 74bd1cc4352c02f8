package pipeline

import (
	"context"

	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// voicePlaceholder is what the responder sees in place of an audio
// note. The stored row keeps its empty content and audio type.
const voicePlaceholder = "[voice message]"

// respond generates and delivers the automated reply for the lead's
// latest message. Errors are logged, never escalated: a failed reply
// must not take the worker down, and the conversation stays stored.
func (p *Pipeline) respond(ctx context.Context, tenantID string, lead *storage.Lead) {
	if p.responder == nil || p.sender == nil {
		return
	}

	tenant, err := p.db.Tenant(ctx, tenantID)
	if err != nil {
		p.logger.Error("respond: loading tenant failed", "tenant", tenantID, "error", err)
		return
	}

	stored, err := p.db.RecentMessages(ctx, lead.ID, p.cfg.HistoryWindow)
	if err != nil {
		p.logger.Error("respond: loading history failed",
			"tenant", tenantID, "lead", lead.ID, "error", err)
		return
	}

	messages := buildChatHistory(stored)
	if len(messages) == 0 {
		return
	}

	respCtx, cancel := context.WithTimeout(ctx, p.cfg.ResponderTimeout)
	defer cancel()

	reply, err := p.responder.Respond(respCtx, &responder.Request{
		TenantID:     tenantID,
		LeadID:       lead.ID,
		SystemPrompt: tenant.SystemPrompt,
		Messages:     messages,
	})
	if err != nil {
		p.logger.Error("respond: generation failed",
			"tenant", tenantID, "lead", lead.ID, "provider", p.responder.Name(), "error", err)
		return
	}
	text := foldToolResults(reply)
	if text == "" {
		p.logger.Debug("respond: responder stayed silent",
			"tenant", tenantID, "lead", lead.ID)
		return
	}

	deliveryID, err := p.sender.Send(ctx, tenantID, lead.Address, text)
	if err != nil {
		p.logger.Error("respond: delivery failed",
			"tenant", tenantID, "lead", lead.ID, "error", err)
		return
	}

	msg := &storage.Message{
		TenantID:   tenantID,
		LeadID:     lead.ID,
		Role:       storage.RoleAssistant,
		Content:    text,
		Type:       storage.TypeText,
		ExternalID: deliveryID,
	}
	if err := p.db.InsertMessage(ctx, msg); err != nil && !storage.IsUniqueViolation(err) {
		p.logger.Error("respond: storing reply failed",
			"tenant", tenantID, "lead", lead.ID, "error", err)
	}

	// The first automated reply moves a brand-new lead into contacted.
	if lead.Status == storage.LeadNew {
		if err := p.db.SetLeadStatus(ctx, lead.ID, storage.LeadContacted); err != nil {
			p.logger.Warn("respond: advancing lead status failed",
				"lead", lead.ID, "error", err)
		} else {
			lead.Status = storage.LeadContacted
			p.cache.Put(lead)
		}
	}

	p.logger.Info("automated reply delivered",
		"tenant", tenantID, "lead", lead.ID, "provider", p.responder.Name(),
		"delivery_id", deliveryID, "tokens_in", reply.TokensIn, "tokens_out", reply.TokensOut)
}

// foldToolResults merges tool results into the reply text, so a flow
// that answered only through a tool (calendar slots, a price lookup)
// still produces a deliverable message.
func foldToolResults(reply *responder.Reply) string {
	text := reply.Text
	for _, tc := range reply.ToolCalls {
		if tc.Result == "" {
			continue
		}
		if text == "" {
			text = tc.Result
		} else {
			text += "\n\n" + tc.Result
		}
	}
	return text
}

// buildChatHistory maps stored rows to responder turns. System rows
// stay out (the system prompt travels separately) and audio notes
// become a placeholder the model can react to.
func buildChatHistory(stored []storage.Message) []responder.ChatMessage {
	out := make([]responder.ChatMessage, 0, len(stored))
	for _, m := range stored {
		if m.Role != storage.RoleUser && m.Role != storage.RoleAssistant {
			continue
		}
		content := m.Content
		if m.Type == storage.TypeAudio && content == "" {
			content = voicePlaceholder
		}
		if content == "" {
			continue
		}
		out = append(out, responder.ChatMessage{
			Role:    string(m.Role),
			Content: content,
		})
	}
	return out
}
