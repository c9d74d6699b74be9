// Package outbox relays reservation events committed to the outbox table on
// to NATS.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_outbox_published_total",
		Help: "Outbox rows relayed to NATS.",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_outbox_fail_total",
		Help: "Outbox relays abandoned after exhausting retries.",
	})
	lagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reservation_outbox_lag_seconds",
		Help: "Age of the oldest row relayed in the last batch.",
	})
)

// WorkerConfig defines tunables for the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	RetryBackoff time.Duration
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker loads unpublished rows, publishes them in id order and marks them
// published in the same transaction. Rows are locked with SKIP LOCKED so
// several replicas can relay concurrently.
type Worker struct {
	pool      *pgxpool.Pool
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a relay worker.
func NewWorker(pool *pgxpool.Pool, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		pool:   pool,
		logger: logger.Named("outbox"),
		cfg:    cfg,
		tracer: otel.Tracer("reservation.outbox.worker"),
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.pool == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RelayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type record struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// RelayOnce handles one batch and reports how many rows were published. A
// publish that fails after retries rolls the batch back; rows published
// before it will be sent again, so consumers must tolerate duplicates.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := w.loadPending(ctx, tx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(records))
	var maxLag time.Duration
	for _, rec := range records {
		if err := w.publishWithRetry(ctx, rec); err != nil {
			return 0, err
		}
		ids = append(ids, rec.ID)
		if lag := time.Since(rec.CreatedAt); lag > maxLag {
			maxLag = lag
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published = true WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	publishedTotal.Add(float64(len(ids)))
	lagSeconds.Set(maxLag.Seconds())
	return len(ids), nil
}

func (w *Worker) loadPending(ctx context.Context, tx pgx.Tx) ([]record, error) {
	rows, err := tx.Query(ctx, `SELECT id, topic, payload, created_at FROM outbox
		WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record, error) {
		var rec record
		err := row.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return records, nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return fmt.Errorf("outbox record %d missing topic", rec.ID)
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("outbox-%d", rec.ID))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			failedTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
