package session

import (
	"github.com/jholhewres/leadline/pkg/leadline/storage"

	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the per-session whatsmeow event dispatcher.
func (m *Manager) handleEvent(sess *Session, raw interface{}) {
	switch evt := raw.(type) {
	case *events.Message:
		m.handleMessage(sess, evt)

	case *events.Connected:
		m.handleConnected(sess)

	case *events.Disconnected:
		m.handleDisconnected(sess)

	case *events.StreamReplaced:
		m.handleStreamReplaced(sess)

	case *events.LoggedOut:
		m.handleLoggedOut(sess, evt)

	case *events.TemporaryBan:
		m.handleTemporaryBan(sess, evt)

	case *events.KeepAliveTimeout:
		m.handleKeepAliveTimeout(sess, evt)

	case *events.KeepAliveRestored:
		m.logger.Info("session: keep-alive restored", "tenant", sess.tenantID)
		sess.errorCount.Store(0)

	case *events.ConnectFailure:
		m.handleConnectFailure(sess, evt)

	case *events.StreamError:
		m.handleStreamError(sess, evt)

	case *events.PairSuccess:
		m.logger.Info("session: device paired",
			"tenant", sess.tenantID, "jid", evt.ID, "platform", evt.Platform)
		m.bindDevice(sess)

	case *events.HistorySync:
		m.logger.Debug("session: history sync received", "tenant", sess.tenantID)

	case *events.PushName:
		m.logger.Debug("session: push name update",
			"tenant", sess.tenantID, "jid", evt.JID, "name", evt.NewPushName)

	case *events.QRScannedWithoutMultidevice:
		m.logger.Warn("session: QR scanned but multidevice not enabled", "tenant", sess.tenantID)
	}
}

func (m *Manager) handleConnected(sess *Session) {
	sess.connected.Store(true)
	sess.setQR("")
	sess.errorCount.Store(0)
	sess.reconnectAttempts.Store(0)
	sess.touch()

	m.setStatus(sess.ctx, sess, stateConnected, "")
	m.logger.Info("session: connected",
		"tenant", sess.tenantID, "jid", sess.JID())
}

func (m *Manager) handleDisconnected(sess *Session) {
	previous := sess.getState()
	sess.connected.Store(false)

	m.setStatus(sess.ctx, sess, stateDisconnected, "connection_lost")
	m.logger.Warn("session: disconnected",
		"tenant", sess.tenantID, "was", string(previous))

	if previous == stateConnected && sess.ctx != nil && sess.ctx.Err() == nil {
		go m.attemptReconnect(sess)
	}
}

func (m *Manager) handleStreamReplaced(sess *Session) {
	sess.connected.Store(false)
	m.setStatus(sess.ctx, sess, stateDisconnected, "stream_replaced")
	m.logger.Error("session: stream replaced, another device connected",
		"tenant", sess.tenantID)
}

func (m *Manager) handleLoggedOut(sess *Session, evt *events.LoggedOut) {
	sess.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	m.logger.Error("session: logged out by server",
		"tenant", sess.tenantID, "reason", reason, "on_connect", evt.OnConnect)

	// Server-side unlink invalidates the stored device. Wipe it so the
	// next pairing starts clean.
	if err := m.creds.DeleteAll(sess.ctx, sess.tenantID); err != nil {
		m.logger.Warn("session: credential wipe failed",
			"tenant", sess.tenantID, "error", err)
	}
	m.setStatus(sess.ctx, sess, stateLoggedOut, reason)

	if sess.cancel != nil {
		sess.cancel()
	}
	m.drop(sess.tenantID)
}

func (m *Manager) handleTemporaryBan(sess *Session, evt *events.TemporaryBan) {
	sess.connected.Store(false)
	m.setStatus(sess.ctx, sess, stateDisconnected, "temporary_ban")
	m.logger.Error("session: temporary ban",
		"tenant", sess.tenantID, "code", evt.Code, "expire", evt.Expire)
}

func (m *Manager) handleKeepAliveTimeout(sess *Session, evt *events.KeepAliveTimeout) {
	m.logger.Warn("session: keep-alive timeout",
		"tenant", sess.tenantID, "error_count", evt.ErrorCount)

	sess.errorCount.Add(1)

	// Repeated keepalive failures mean a half-open socket: it looks
	// connected but nothing arrives. Force the reconnect.
	if evt.ErrorCount >= 3 && sess.getState() == stateConnected {
		m.logger.Error("session: keep-alive failed repeatedly, forcing reconnect",
			"tenant", sess.tenantID, "error_count", evt.ErrorCount)
		sess.connected.Store(false)
		m.setStatus(sess.ctx, sess, stateReconnecting, "keepalive_timeout")
		go m.attemptReconnect(sess)
	}
}

func (m *Manager) handleConnectFailure(sess *Session, evt *events.ConnectFailure) {
	sess.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	m.setStatus(sess.ctx, sess, stateDisconnected, "connect_failure")
	m.logger.Error("session: connect failure",
		"tenant", sess.tenantID, "reason", reason, "permanent", permanent)

	if permanent == "" && sess.ctx != nil && sess.ctx.Err() == nil {
		go m.attemptReconnect(sess)
	}
}

func (m *Manager) handleStreamError(sess *Session, evt *events.StreamError) {
	m.logger.Error("session: stream error", "tenant", sess.tenantID, "code", evt.Code)

	isDisconnect := evt.Code == "540" || evt.Code == "541" || evt.Code == "503"
	if !isDisconnect {
		return
	}

	sess.connected.Store(false)
	m.setStatus(sess.ctx, sess, stateDisconnected, "stream_error")

	if sess.ctx != nil && sess.ctx.Err() == nil {
		go m.attemptReconnect(sess)
	}
}

// handleMessage filters and normalizes an incoming message event, then
// hands it to the sink. Own-echo, takeover, and staleness decisions
// belong to the sink, which sees the FromMe flag and the timestamp.
func (m *Manager) handleMessage(sess *Session, evt *events.Message) {
	sess.touch()

	// Status broadcasts and groups are not lead conversations.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup {
		m.logger.Debug("session: ignoring group message",
			"tenant", sess.tenantID, "chat", evt.Info.Chat.String())
		return
	}

	// WhatsApp may address contacts by LID instead of phone number.
	// Resolve to the phone JID so one lead never splits in two.
	senderJID := evt.Info.Sender
	resolvedSender := senderJID.String()
	if senderJID.Server == "lid" && sess.client != nil {
		if alt, err := sess.client.AltJID(sess.ctx, senderJID); err == nil && !alt.IsEmpty() {
			resolvedSender = alt.String()
			m.logger.Debug("session: resolved LID to phone",
				"tenant", sess.tenantID, "lid", senderJID.String(), "phone", resolvedSender)
		}
	}

	chatJID := evt.Info.Chat
	resolvedChat := chatJID.String()
	if chatJID.Server == "lid" && sess.client != nil {
		if alt, err := sess.client.AltJID(sess.ctx, chatJID); err == nil && !alt.IsEmpty() {
			resolvedChat = alt.String()
		}
	}

	if m.sink == nil {
		m.logger.Warn("session: no sink attached, dropping message",
			"tenant", sess.tenantID, "from", resolvedSender)
		return
	}

	m.sink.Dispatch(InboundEvent{
		TenantID:      sess.tenantID,
		MessageID:     string(evt.Info.ID),
		ChatAddress:   resolvedChat,
		SenderAddress: resolvedSender,
		RawSender:     senderJID.String(),
		PushName:      evt.Info.PushName,
		FromMe:        evt.Info.IsFromMe,
		Timestamp:     evt.Info.Timestamp,
		Message:       evt.Message,
	})
}

// statusIsRestorable reports whether a persisted status means the
// tenant had a working session worth bringing back up. disconnected is
// excluded on purpose: it is what an explicit operator takedown leaves
// behind, and a restart must not override that.
func statusIsRestorable(status storage.TenantStatus) bool {
	return status == storage.TenantConnected
}
