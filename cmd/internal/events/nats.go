package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus publishes and subscribes over core NATS.
type NATSBus struct {
	nc  *nats.Conn
	log *slog.Logger
}

// ConnectNATS dials the NATS servers in cfg.URL (comma separated).
func ConnectNATS(cfg NATSConfig, log *slog.Logger) (*NATSBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: nats url missing")
	}
	if cfg.Name == "" {
		cfg.Name = "avancira"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("events.nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("events.nats.reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &NATSBus{nc: nc, log: log}, nil
}

func (b *NATSBus) PublishSessionRevoked(_ context.Context, ev SessionRevoked) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(SubjectSessionRevoked)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

func (b *NATSBus) SubscribeSessionRevoked(h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(SubjectSessionRevoked, func(m *nats.Msg) {
		ev, err := decode(m.Data)
		if err != nil {
			b.log.Warn("events.nats.decode_failed", "subject", m.Subject, "err", err)
			return
		}
		h(context.Background(), ev)
	})
	if err != nil {
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
