package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/paylinehq/payline/model"
)

func TestRecordIngestion_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	record := &model.IngestionRecord{
		IdempotencyKey:     "abc123",
		Channel:            "ach",
		SourceReference:    "123456789:BATCH-01:ORIG-42",
		RawPayloadHash:     "deadbeef",
		NormalizedEnvelope: json.RawMessage(`{"channel":"ach"}`),
	}

	mock.ExpectQuery("INSERT INTO ingestion_records").
		WithArgs(sqlmock.AnyArg(), record.IdempotencyKey, record.Channel, record.SourceReference,
			record.RawPayloadHash, record.NormalizedEnvelope, model.IngestionStatusReceived, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	saved, err := ds.RecordIngestion(context.Background(), record)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), saved.ID)
	assert.NotEmpty(t, saved.IngestionID, "ingestion id is generated on insert")
	assert.Equal(t, model.IngestionStatusReceived, saved.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIngestion_UniqueViolationSurfacesRaw(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO ingestion_records").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ingestion_records_idempotency_key_key"})

	_, err = ds.RecordIngestion(context.Background(), &model.IngestionRecord{IdempotencyKey: "abc123"})
	assert.Error(t, err)
	assert.True(t, isUniqueViolation(err), "caller needs the raw pq error to resolve the race")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIngestionByKey_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, ingestion_id, idempotency_key").
		WithArgs("missing-key").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	record, err := ds.GetIngestionByKey(context.Background(), "missing-key")
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateIngestionStatus_ForwardOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE ingestion_records").
		WithArgs("ing_1", model.IngestionStatusNormalized, model.IngestionStatusReceived).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.UpdateIngestionStatus(context.Background(), "ing_1", model.IngestionStatusNormalized))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateIngestionStatus_SkippedTransitionFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// The row is still at received, so an advance to published matches
	// nothing and is rejected.
	mock.ExpectExec("UPDATE ingestion_records").
		WithArgs("ing_1", model.IngestionStatusPublished, model.IngestionStatusNormalized).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateIngestionStatus(context.Background(), "ing_1", model.IngestionStatusPublished)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateIngestionStatus_RejectsUnknownStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	assert.Error(t, ds.UpdateIngestionStatus(context.Background(), "ing_1", "archived"))
}
