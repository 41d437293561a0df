package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/model"
)

// RecordIngestion inserts a new ingestion record. A duplicate idempotency key
// surfaces as the raw unique-constraint error so the caller can resolve the
// race by re-querying.
func (d Datasource) RecordIngestion(ctx context.Context, record *model.IngestionRecord) (*model.IngestionRecord, error) {
	ctx, span := otel.Tracer("Ingestion").Start(ctx, "Saving ingestion record to db")
	defer span.End()

	if record.IngestionID == "" {
		record.IngestionID = GenerateUUIDWithSuffix("ing")
	}
	if record.Status == "" {
		record.Status = model.IngestionStatusReceived
	}
	record.CreatedAt = time.Now()

	err := d.Conn.QueryRowContext(ctx,
		`INSERT INTO ingestion_records(
			ingestion_id, idempotency_key, channel, source_reference,
			raw_payload_hash, normalized_envelope, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		record.IngestionID, record.IdempotencyKey, record.Channel, record.SourceReference,
		record.RawPayloadHash, record.NormalizedEnvelope, record.Status, record.CreatedAt,
	).Scan(&record.ID)

	if err != nil {
		return nil, err
	}

	return record, nil
}

// GetIngestionByKey retrieves an ingestion record by idempotency key, or nil
// when no record exists.
func (d Datasource) GetIngestionByKey(ctx context.Context, idempotencyKey string) (*model.IngestionRecord, error) {
	ctx, span := otel.Tracer("Ingestion").Start(ctx, "Fetching ingestion record from db")
	defer span.End()

	record := &model.IngestionRecord{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, ingestion_id, idempotency_key, channel, source_reference,
			raw_payload_hash, normalized_envelope, status, created_at
		FROM ingestion_records
		WHERE idempotency_key = $1
	`, idempotencyKey).Scan(
		&record.ID, &record.IngestionID, &record.IdempotencyKey, &record.Channel,
		&record.SourceReference, &record.RawPayloadHash, &record.NormalizedEnvelope,
		&record.Status, &record.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return record, nil
}

// GetIngestionByID retrieves an ingestion record by ingestion id, or nil when
// no record exists.
func (d Datasource) GetIngestionByID(ctx context.Context, ingestionID string) (*model.IngestionRecord, error) {
	ctx, span := otel.Tracer("Ingestion").Start(ctx, "Fetching ingestion record by id")
	defer span.End()

	record := &model.IngestionRecord{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, ingestion_id, idempotency_key, channel, source_reference,
			raw_payload_hash, normalized_envelope, status, created_at
		FROM ingestion_records
		WHERE ingestion_id = $1
	`, ingestionID).Scan(
		&record.ID, &record.IngestionID, &record.IdempotencyKey, &record.Channel,
		&record.SourceReference, &record.RawPayloadHash, &record.NormalizedEnvelope,
		&record.Status, &record.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return record, nil
}

// UpdateIngestionStatus advances a record's status. Only the forward
// transitions received -> normalized -> published are permitted; the guard is
// part of the WHERE clause so concurrent updates cannot skip a step.
func (d Datasource) UpdateIngestionStatus(ctx context.Context, ingestionID string, status string) error {
	ctx, span := otel.Tracer("Ingestion").Start(ctx, "Updating ingestion status")
	defer span.End()

	var expected string
	switch status {
	case model.IngestionStatusNormalized:
		expected = model.IngestionStatusReceived
	case model.IngestionStatusPublished:
		expected = model.IngestionStatusNormalized
	default:
		return fmt.Errorf("invalid ingestion status %q", status)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE ingestion_records
		SET status = $2
		WHERE ingestion_id = $1 AND status = $3
	`, ingestionID, status, expected)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("invalid status transition to %q for ingestion %s", status, ingestionID)
	}
	return nil
}
