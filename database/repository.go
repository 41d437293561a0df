package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/paylinehq/payline/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	ingestion      // Ingestion record operations
	payment        // System-of-record payment operations
	outbox         // Transactional outbox operations
	inbox          // Idempotency guard operations
	reconciliation // Reconciliation result and exception case operations
}

// ingestion defines methods for the payment ingestion normalizer.
type ingestion interface {
	RecordIngestion(ctx context.Context, record *model.IngestionRecord) (*model.IngestionRecord, error) // Inserts a new ingestion record; unique-constraint violations surface as-is
	GetIngestionByKey(ctx context.Context, idempotencyKey string) (*model.IngestionRecord, error)       // Looks up by idempotency key; nil when absent
	GetIngestionByID(ctx context.Context, ingestionID string) (*model.IngestionRecord, error)           // Looks up by ingestion id; nil when absent
	UpdateIngestionStatus(ctx context.Context, ingestionID string, status string) error                 // Advances the status (received -> normalized -> published only)
}

// payment defines methods for the system-of-record ledger side.
type payment interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	RecordPayment(ctx context.Context, tx *sql.Tx, payment *model.Payment) error                                    // Inserts a payment using the caller's open transaction
	GetCompletedPaymentTotal(ctx context.Context, channel string, periodStart time.Time) (*model.SorDayTotal, error) // Completed total and reference set for one channel/day
}

// outbox defines methods for the transactional outbox.
type outbox interface {
	CreateOutboxMessage(ctx context.Context, tx *sql.Tx, message *model.OutboxMessage) error   // Inserts using the caller's open transaction
	PollUnpublishedMessages(ctx context.Context, limit, attemptCeiling int) ([]*model.OutboxMessage, error) // Oldest-first unpublished rows under the attempt ceiling
	MarkOutboxPublished(ctx context.Context, id int64) error                                   // Sets published_at, clears last_error; only after broker confirm
	RecordOutboxFailure(ctx context.Context, id int64, lastError string) error                 // Increments attempt_count, stores last_error
	DeletePublishedOutboxMessages(ctx context.Context, olderThan time.Time) (int64, error)     // Retention sweep over confirmed rows
}

// inbox defines methods for the idempotency guard.
type inbox interface {
	InboxProcessed(ctx context.Context, consumer, messageID string) (bool, error)                                                                  // Cheap pre-check outside any transaction
	ExecuteInboxed(ctx context.Context, consumer, messageID string, fn func(tx *sql.Tx) ([]byte, error)) (*model.InboxRecord, bool, error)         // At-most-once execution; bool reports whether fn ran
	GetInboxRecord(ctx context.Context, consumer, messageID string) (*model.InboxRecord, error)                                                    // Looks up a processed marker; nil when absent
}

// reconciliation defines methods for reconciliation results and exception cases.
type reconciliation interface {
	UpsertReconciliationResult(ctx context.Context, result *model.ReconciliationResult) error
	GetReconciliationResult(ctx context.Context, channel string, periodStart time.Time) (*model.ReconciliationResult, error)
	RecordExceptionCase(ctx context.Context, exception *model.ExceptionCase) error
	UpdateExceptionState(ctx context.Context, caseID string, state string) error
	GetExceptionCases(ctx context.Context, state string, limit int) ([]*model.ExceptionCase, error)
}
