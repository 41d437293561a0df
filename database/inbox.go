package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/model"
)

// InboxProcessed is the cheap pre-check used outside any transaction. A true
// result is authoritative; a false result still gets re-checked inside the
// guard's transaction.
func (d Datasource) InboxProcessed(ctx context.Context, consumer, messageID string) (bool, error) {
	ctx, span := otel.Tracer("Inbox").Start(ctx, "Checking inbox record")
	defer span.End()

	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM inbox_records WHERE consumer = $1 AND message_id = $2
		)
	`, consumer, messageID).Scan(&exists)

	return exists, err
}

// GetInboxRecord retrieves a processed marker, or nil when absent.
func (d Datasource) GetInboxRecord(ctx context.Context, consumer, messageID string) (*model.InboxRecord, error) {
	ctx, span := otel.Tracer("Inbox").Start(ctx, "Fetching inbox record")
	defer span.End()

	record := &model.InboxRecord{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, consumer, message_id, result_hash, processed_at
		FROM inbox_records
		WHERE consumer = $1 AND message_id = $2
	`, consumer, messageID).Scan(
		&record.ID, &record.Consumer, &record.MessageID, &record.ResultHash, &record.ProcessedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ExecuteInboxed runs fn at most once per (consumer, messageID). The
// processed status is re-checked inside the transaction, which closes the
// race window left by the pre-check: a losing concurrent attempt either
// blocks until the winner commits and then observes the marker, or fails the
// unique constraint and is treated identically. The returned bool reports
// whether fn actually ran.
func (d Datasource) ExecuteInboxed(ctx context.Context, consumer, messageID string, fn func(tx *sql.Tx) ([]byte, error)) (*model.InboxRecord, bool, error) {
	ctx, span := otel.Tracer("Inbox").Start(ctx, "Executing inboxed handler")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM inbox_records WHERE consumer = $1 AND message_id = $2
		)
	`, consumer, messageID).Scan(&exists)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if exists {
		_ = tx.Rollback()
		return nil, false, nil
	}

	result, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}

	hash := sha256.Sum256(result)
	record := &model.InboxRecord{
		Consumer:   consumer,
		MessageID:  messageID,
		ResultHash: hex.EncodeToString(hash[:]),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO inbox_records(consumer, message_id, result_hash)
		VALUES ($1, $2, $3)
		RETURNING id, processed_at
	`, consumer, messageID, record.ResultHash).Scan(&record.ID, &record.ProcessedAt)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			// a concurrent delivery won the race after our in-tx check
			return nil, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return record, true, nil
}

// isUniqueViolation reports whether err is a postgres unique-constraint
// violation (class 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
