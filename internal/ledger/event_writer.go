package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// DB is the subset of pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const insertEventQuery = `
	INSERT INTO release.release_event (
		event_id,
		account,
		order_number,
		stage,
		reason_code,
		reason,
		payment_tx_id,
		counterparty_id,
		amount,
		attempt,
		occurred_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11)
	ON CONFLICT (event_id) DO NOTHING;
`

const upsertAttemptQuery = `
	INSERT INTO release.release_attempt (
		order_number,
		account,
		payment_tx_id,
		stage,
		reason_code,
		attempts,
		updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (order_number)
	DO UPDATE SET
		payment_tx_id = COALESCE(NULLIF(EXCLUDED.payment_tx_id, ''), release.release_attempt.payment_tx_id),
		stage = EXCLUDED.stage,
		reason_code = EXCLUDED.reason_code,
		attempts = GREATEST(EXCLUDED.attempts, release.release_attempt.attempts),
		updated_at = EXCLUDED.updated_at;
`

const listEventsQuery = `
	SELECT event_id, account, order_number, stage, reason_code, reason,
		payment_tx_id, counterparty_id, amount::text, attempt, occurred_at
	FROM release.release_event
	WHERE order_number = $1
	ORDER BY occurred_at, attempt;
`

// EventWriter persists release transitions: every event is appended to
// release.release_event and the latest stage per order is kept in
// release.release_attempt.
type EventWriter struct {
	db      DB
	logger  *zap.Logger
	timeout time.Duration

	// Final events are the audit record of a decision, so they get
	// finalAttempts tries with a linear backoff.
	finalAttempts int
	backoff       time.Duration
	sleep         func(time.Duration)
}

func NewEventWriter(db DB, logger *zap.Logger) *EventWriter {
	return &EventWriter{
		db:            db,
		logger:        logger,
		timeout:       5 * time.Second,
		finalAttempts: 3,
		backoff:       time.Second,
		sleep:         time.Sleep,
	}
}

// Write stores one event.
func (w *EventWriter) Write(ctx context.Context, ev model.ReleaseEvent) error {
	if w.db == nil {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if _, err := w.db.Exec(ctx, insertEventQuery,
		ev.ID.String(),
		ev.Account,
		ev.OrderNumber,
		string(ev.Stage),
		ev.ReasonCode,
		ev.Reason,
		ev.PaymentTxID,
		ev.Counterpart,
		ev.Amount.String(),
		ev.Attempt,
		ts,
	); err != nil {
		return fmt.Errorf("insert release event: %w", err)
	}

	if _, err := w.db.Exec(ctx, upsertAttemptQuery,
		ev.OrderNumber,
		ev.Account,
		ev.PaymentTxID,
		string(ev.Stage),
		ev.ReasonCode,
		ev.Attempt,
		ts,
	); err != nil {
		return fmt.Errorf("upsert release attempt: %w", err)
	}
	return nil
}

// Run writes events from ch until it is closed. Each write gets its own
// timeout so a closing bus is still flushed after shutdown began.
func (w *EventWriter) Run(ch <-chan model.ReleaseEvent) {
	for ev := range ch {
		if err := w.writeWithRetry(ev); err != nil {
			metrics.IncError("ledger", "write_dropped")
			w.logger.Error("ledger.write_dropped",
				zap.String("order", ev.OrderNumber),
				zap.String("stage", string(ev.Stage)),
				zap.String("reason_code", ev.ReasonCode),
				zap.String("event_id", ev.ID.String()),
				zap.Bool("final", ev.Final),
				zap.Error(err))
			continue
		}
		w.logger.Debug("ledger.event_written",
			zap.String("order", ev.OrderNumber),
			zap.String("stage", string(ev.Stage)))
	}
	w.logger.Info("ledger.writer_stopped")
}

// writeWithRetry writes ev once, or up to finalAttempts times for a final
// event. Both statements are idempotent, so a partial write is safe to repeat.
func (w *EventWriter) writeWithRetry(ev model.ReleaseEvent) error {
	tries := 1
	if ev.Final && w.finalAttempts > 1 {
		tries = w.finalAttempts
	}
	var err error
	for try := 1; try <= tries; try++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err = w.Write(ctx, ev)
		cancel()
		if err == nil {
			return nil
		}
		if try < tries {
			metrics.IncError("ledger", "write_retry")
			w.logger.Warn("ledger.write_retry",
				zap.String("order", ev.OrderNumber),
				zap.String("stage", string(ev.Stage)),
				zap.Int("try", try),
				zap.Error(err))
			w.sleep(time.Duration(try) * w.backoff)
		}
	}
	return err
}

// ListEvents returns an order's events, oldest first.
func (w *EventWriter) ListEvents(ctx context.Context, orderNumber string) ([]model.ReleaseEvent, error) {
	if w.db == nil {
		return nil, nil
	}
	rows, err := w.db.Query(ctx, listEventsQuery, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("list release events: %w", err)
	}
	defer rows.Close()

	var out []model.ReleaseEvent
	for rows.Next() {
		var (
			ev     model.ReleaseEvent
			id     string
			stage  string
			amount string
		)
		if err := rows.Scan(&id, &ev.Account, &ev.OrderNumber, &stage, &ev.ReasonCode, &ev.Reason,
			&ev.PaymentTxID, &ev.Counterpart, &amount, &ev.Attempt, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan release event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("release event id %q: %w", id, err)
		}
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("release event amount %q: %w", amount, err)
		}
		ev.Stage = model.ReleaseStage(stage)
		out = append(out, ev)
	}
	return out, rows.Err()
}
