// Package outbox publishes reservation events straight to NATS. It backs the
// in-memory deployment, which has no outbox table to relay from.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/reservation/domain"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes reservation events to a NATS subject. Delivery is best
// effort: a failed publish is logged and never fails the caller's write.
type Publisher struct {
	conn    msgPublisher
	subject string
	logger  *zap.Logger
}

// NewPublisher builds a Publisher using the provided NATS connection. A nil
// connection yields a publisher that drops every event.
func NewPublisher(conn *nats.Conn, subject string, logger *zap.Logger) *Publisher {
	p := &Publisher{subject: subject, logger: logger}
	if conn != nil {
		p.conn = conn
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.ReservationEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	msg, err := p.message(ctx, event)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		p.logger.Warn("event publish failed",
			zap.String("type", string(event.Type)),
			zap.String("vehicle_id", event.VehicleID.String()),
			zap.Error(err))
	}
	return nil
}

func (p *Publisher) message(ctx context.Context, event domain.ReservationEvent) (*nats.Msg, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Type))
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	return msg, nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
