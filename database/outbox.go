package database

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/model"
)

// CreateOutboxMessage inserts an outbox row using the caller's open
// transaction. The row commits or rolls back with the business mutation and
// is invisible to the publisher until then.
func (d Datasource) CreateOutboxMessage(ctx context.Context, tx *sql.Tx, message *model.OutboxMessage) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Staging outbox message")
	defer span.End()

	if message.MessageID == "" {
		message.MessageID = GenerateUUIDWithSuffix("msg")
	}
	message.CreatedAt = time.Now()

	return tx.QueryRowContext(ctx,
		`INSERT INTO outbox_messages(
			message_id, aggregate_type, aggregate_id, event_type, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		message.MessageID, message.AggregateType, message.AggregateID,
		message.EventType, message.Payload, message.CreatedAt,
	).Scan(&message.ID)
}

// PollUnpublishedMessages returns unpublished rows oldest-first. Rows at or
// past the attempt ceiling are excluded; they already raised an exception
// case and stay parked until an operator resets attempt_count.
func (d Datasource) PollUnpublishedMessages(ctx context.Context, limit, attemptCeiling int) ([]*model.OutboxMessage, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Polling unpublished outbox messages")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, message_id, aggregate_type, aggregate_id, event_type,
			payload, created_at, published_at, attempt_count, last_error
		FROM outbox_messages
		WHERE published_at IS NULL AND attempt_count < $2
		ORDER BY created_at ASC
		LIMIT $1
	`, limit, attemptCeiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*model.OutboxMessage

	for rows.Next() {
		message := &model.OutboxMessage{}
		err = rows.Scan(
			&message.ID, &message.MessageID, &message.AggregateType, &message.AggregateID,
			&message.EventType, &message.Payload, &message.CreatedAt, &message.PublishedAt,
			&message.AttemptCount, &message.LastError,
		)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	return messages, rows.Err()
}

// MarkOutboxPublished sets published_at and clears last_error. Called only
// after the broker confirmed durable receipt.
func (d Datasource) MarkOutboxPublished(ctx context.Context, id int64) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Marking outbox message published")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_messages
		SET published_at = NOW(), last_error = ''
		WHERE id = $1
	`, id)

	return err
}

// RecordOutboxFailure increments the attempt counter and stores the failure.
// The row stays eligible for the next poll.
func (d Datasource) RecordOutboxFailure(ctx context.Context, id int64, lastError string) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Recording outbox publish failure")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, last_error = $2
		WHERE id = $1
	`, id, lastError)

	return err
}

// DeletePublishedOutboxMessages removes confirmed rows older than the
// retention window.
func (d Datasource) DeletePublishedOutboxMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Sweeping published outbox messages")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE published_at IS NOT NULL AND published_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
