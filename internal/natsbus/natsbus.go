// Package natsbus mirrors agent bus traffic onto NATS subjects so other
// services can observe the conversation between agents.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "erp.agents"

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher implements agent.EventSink on core NATS.
type Publisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// Connect dials url and returns a Publisher that writes under prefix.
func Connect(url, prefix string, l *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("decisiond"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	l = logger.OrDefault(l)
	l.Info("nats connected", "url", url, "prefix", prefix)
	return newPublisher(nc, prefix, l), nil
}

func newPublisher(nc conn, prefix string, l *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger.OrDefault(l)}
}

// Subject returns the subject an event for recipient to of kind is sent on.
func Subject(prefix string, to domain.Role, kind domain.AgentEventKind) string {
	target := string(to)
	if target == "" {
		target = "broadcast"
	}
	return prefix + "." + target + "." + string(kind)
}

// Publish sends ev as JSON on <prefix>.<to>.<kind>.
func (p *Publisher) Publish(ctx context.Context, ev domain.AgentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev.To, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.WarnContext(ctx, "nats publish failed", "subject", subject, "error", err)
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}
