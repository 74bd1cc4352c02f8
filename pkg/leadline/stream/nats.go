package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the optional NATS bridge configuration.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Publisher mirrors bus events onto NATS subjects so external systems
// (dashboards, CRM sync jobs) can follow session state without polling
// the gateway.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS establishes the NATS connection with unlimited
// reconnects. Events emitted while disconnected are buffered by the
// client and flushed on reconnect.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*Publisher, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "leadline"
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &Publisher{
		conn:   nc,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Attach subscribes the publisher to a bus. Returns the unsubscribe
// function.
func (p *Publisher) Attach(bus *Bus) func() {
	return bus.Subscribe(func(event Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.Error("nats: marshal failed", "error", err)
			return
		}
		subject := fmt.Sprintf("%s.%s.%s", p.prefix, event.Type, event.Tenant)
		if err := p.conn.Publish(subject, payload); err != nil {
			p.logger.Warn("nats: publish failed", "subject", subject, "error", err)
		}
	})
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
