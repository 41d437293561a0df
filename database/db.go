package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/paylinehq/payline/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createIngestionTable(db)
	if err != nil {
		return nil, err
	}
	err = createPaymentTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createInboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createReconciliationTable(db)
	if err != nil {
		return nil, err
	}
	err = createExceptionTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	// Generate a new UUID
	id := uuid.New()

	// Convert the UUID to a string
	uuidStr := id.String()

	// Add the module suffix
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)

	return idWithSuffix
}

// createIngestionTable creates a PostgreSQL table for the IngestionRecord struct
func createIngestionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ingestion_records (
			id SERIAL PRIMARY KEY,
			ingestion_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			source_reference TEXT NOT NULL,
			raw_payload_hash TEXT NOT NULL,
			normalized_envelope JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'received',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createPaymentTable creates a PostgreSQL table for the Payment struct
func createPaymentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			loan_id BIGINT NOT NULL,
			channel TEXT NOT NULL,
			reference TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			value_date DATE NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payments_channel_value_date ON payments (channel, value_date);
	`)
	return err
}

// createOutboxTable creates a PostgreSQL table for the OutboxMessage struct
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_messages (
			id SERIAL PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			published_at TIMESTAMP,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_messages (created_at) WHERE published_at IS NULL;
	`)
	return err
}

// createInboxTable creates a PostgreSQL table for the InboxRecord struct
func createInboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inbox_records (
			id SERIAL PRIMARY KEY,
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			result_hash TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (consumer, message_id)
		)
	`)
	return err
}

// createReconciliationTable creates a PostgreSQL table for the ReconciliationResult struct
func createReconciliationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reconciliation_results (
			id SERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			period_start DATE NOT NULL,
			bank_total NUMERIC(20,4) NOT NULL,
			sor_total NUMERIC(20,4) NOT NULL,
			variance NUMERIC(20,4) NOT NULL,
			status TEXT NOT NULL,
			missing_identifiers TEXT[] NOT NULL DEFAULT '{}',
			excess_identifiers TEXT[] NOT NULL DEFAULT '{}',
			completed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (channel, period_start)
		)
	`)
	return err
}

// createExceptionTable creates a PostgreSQL table for the ExceptionCase struct
func createExceptionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exception_cases (
			id SERIAL PRIMARY KEY,
			case_id TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'open',
			resource_ref TEXT NOT NULL,
			summary TEXT NOT NULL,
			remediation TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMP
		)
	`)
	return err
}
