// Package alerts pushes session status changes to a Discord channel so
// operators hear about dropped or logged-out tenants without watching a
// dashboard. Send-only: the bot never reads messages.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

// Config holds the Discord alerting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// BotToken is the Discord bot token.
	BotToken string `yaml:"bot_token"`

	// ChannelID is the channel alerts are posted to.
	ChannelID string `yaml:"channel_id"`

	// Statuses selects which status values trigger an alert.
	Statuses []string `yaml:"statuses"`

	// Cooldown silences repeats of the same tenant and status pair.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the baseline alerting settings.
func DefaultConfig() Config {
	return Config{
		Statuses: []string{"disconnected", "logged_out"},
		Cooldown: 5 * time.Minute,
	}
}

// embedSender is the slice of discordgo.Session the alerter uses.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Alerter bridges bus status events to Discord embeds.
type Alerter struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	sender  embedSender

	unsubscribe func()

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// New creates an alerter. Call Start to connect and subscribe.
func New(cfg Config, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []string{"disconnected", "logged_out"}
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Alerter{
		cfg:      cfg,
		logger:   logger.With("component", "alerts"),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start opens the Discord session and subscribes to the bus.
func (a *Alerter) Start(bus *stream.Bus) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("alerts: bot token is required")
	}
	if a.cfg.ChannelID == "" {
		return fmt.Errorf("alerts: channel id is required")
	}

	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("alerts: creating session: %w", err)
	}
	// Send-only bot, no gateway events needed.
	session.Identify.Intents = discordgo.IntentsNone

	if err := session.Open(); err != nil {
		return fmt.Errorf("alerts: opening gateway: %w", err)
	}

	a.session = session
	a.sender = session
	a.unsubscribe = bus.Subscribe(a.handleEvent)

	a.logger.Info("alerts connected", "channel", a.cfg.ChannelID, "statuses", a.cfg.Statuses)
	return nil
}

// Stop unsubscribes and closes the Discord session.
func (a *Alerter) Stop() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.session != nil {
		a.session.Close()
	}
	a.logger.Info("alerts stopped")
}

// handleEvent runs on the bus emitter's goroutine, so the Discord call
// is handed off.
func (a *Alerter) handleEvent(evt stream.Event) {
	if !a.shouldAlert(evt) {
		return
	}
	go a.deliver(evt)
}

// shouldAlert filters by event type, configured statuses, and the
// per-tenant cooldown.
func (a *Alerter) shouldAlert(evt stream.Event) bool {
	if evt.Type != stream.TypeStatus {
		return false
	}

	wanted := false
	for _, s := range a.cfg.Statuses {
		if s == evt.Status {
			wanted = true
			break
		}
	}
	if !wanted {
		return false
	}

	key := evt.Tenant + "|" + evt.Status
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.cfg.Cooldown {
		return false
	}
	a.lastSent[key] = now
	return true
}

func (a *Alerter) deliver(evt stream.Event) {
	if a.sender == nil {
		return
	}
	embed := statusEmbed(evt)
	if _, err := a.sender.ChannelMessageSendEmbed(a.cfg.ChannelID, embed); err != nil {
		a.logger.Warn("alert delivery failed",
			"tenant", evt.Tenant, "status", evt.Status, "error", err)
		return
	}
	a.logger.Debug("alert delivered", "tenant", evt.Tenant, "status", evt.Status)
}

// statusEmbed renders a status event as a Discord embed.
func statusEmbed(evt stream.Event) *discordgo.MessageEmbed {
	color := 0x95A5A6
	switch evt.Status {
	case "connected":
		color = 0x2ECC71
	case "disconnected":
		color = 0xE67E22
	case "logged_out":
		color = 0xE74C3C
	}

	embed := &discordgo.MessageEmbed{
		Title: "WhatsApp session " + evt.Status,
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tenant", Value: evt.Tenant, Inline: true},
			{Name: "Status", Value: evt.Status, Inline: true},
		},
		Timestamp: evt.Timestamp.Format(time.RFC3339),
	}
	if evt.Reason != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Reason", Value: evt.Reason,
		})
	}
	return embed
}
