package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/model"
)

// BeginTx opens the transaction shared by a domain mutation and its outbox
// row.
func (d Datasource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.Conn.BeginTx(ctx, nil)
}

// RecordPayment inserts a system-of-record payment using the caller's open
// transaction.
func (d Datasource) RecordPayment(ctx context.Context, tx *sql.Tx, payment *model.Payment) error {
	ctx, span := otel.Tracer("Payment").Start(ctx, "Saving payment to db")
	defer span.End()

	if payment.PaymentID == "" {
		payment.PaymentID = GenerateUUIDWithSuffix("pay")
	}
	payment.CreatedAt = time.Now()

	return tx.QueryRowContext(ctx,
		`INSERT INTO payments(
			payment_id, loan_id, channel, reference, amount_cents, value_date, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		payment.PaymentID, payment.LoanID, payment.Channel, payment.Reference,
		payment.AmountCents, payment.ValueDate, payment.Status, payment.CreatedAt,
	).Scan(&payment.ID)
}

// GetCompletedPaymentTotal returns the completed-payment dollar total and
// reference set for one channel and settlement day.
func (d Datasource) GetCompletedPaymentTotal(ctx context.Context, channel string, periodStart time.Time) (*model.SorDayTotal, error) {
	ctx, span := otel.Tracer("Payment").Start(ctx, "Fetching SOR day total")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT reference, amount_cents
		FROM payments
		WHERE channel = $1 AND value_date = $2 AND status = $3
		ORDER BY reference ASC
	`, channel, periodStart, model.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := &model.SorDayTotal{Total: decimal.Zero}

	for rows.Next() {
		var reference string
		var amountCents int64
		if err := rows.Scan(&reference, &amountCents); err != nil {
			return nil, err
		}
		total.References = append(total.References, reference)
		total.Total = total.Total.Add(decimal.New(amountCents, -2))
	}

	return total, rows.Err()
}
