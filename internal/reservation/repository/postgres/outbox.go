package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/carrental/internal/reservation/domain"
)

// OutboxPublisher records events in the outbox table inside the caller's
// transaction, so an event exists iff the state change that produced it was
// committed. The outbox worker relays rows to NATS.
type OutboxPublisher struct {
	pool  *pgxpool.Pool
	topic string
}

func NewOutboxPublisher(pool *pgxpool.Pool, topic string) *OutboxPublisher {
	return &OutboxPublisher{pool: pool, topic: topic}
}

// Publish satisfies domain.EventPublisher.
func (p *OutboxPublisher) Publish(ctx context.Context, event domain.ReservationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	const stmt = `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`
	if _, err := conn(ctx, p.pool).Exec(ctx, stmt, p.topic, payload); err != nil {
		return mapError("insert outbox", err)
	}
	return nil
}
