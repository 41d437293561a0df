package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/model"
)

// UpsertReconciliationResult stores the comparison for one channel/day.
// Keyed by (channel, period_start) so a re-run replaces the previous result
// instead of duplicating it.
func (d Datasource) UpsertReconciliationResult(ctx context.Context, result *model.ReconciliationResult) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Upserting reconciliation result")
	defer span.End()

	result.CompletedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO reconciliation_results(
			channel, period_start, bank_total, sor_total, variance, status,
			missing_identifiers, excess_identifiers, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel, period_start) DO UPDATE SET
			bank_total = EXCLUDED.bank_total,
			sor_total = EXCLUDED.sor_total,
			variance = EXCLUDED.variance,
			status = EXCLUDED.status,
			missing_identifiers = EXCLUDED.missing_identifiers,
			excess_identifiers = EXCLUDED.excess_identifiers,
			completed_at = EXCLUDED.completed_at
	`, result.Channel, result.PeriodStart, result.BankTotal, result.SorTotal,
		result.Variance, result.Status,
		pq.Array(result.MissingIdentifiers), pq.Array(result.ExcessIdentifiers),
		result.CompletedAt,
	)

	return err
}

// GetReconciliationResult retrieves the stored result for one channel/day,
// or nil when the day has not been reconciled.
func (d Datasource) GetReconciliationResult(ctx context.Context, channel string, periodStart time.Time) (*model.ReconciliationResult, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching reconciliation result")
	defer span.End()

	result := &model.ReconciliationResult{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, channel, period_start, bank_total, sor_total, variance, status,
			missing_identifiers, excess_identifiers, completed_at
		FROM reconciliation_results
		WHERE channel = $1 AND period_start = $2
	`, channel, periodStart).Scan(
		&result.ID, &result.Channel, &result.PeriodStart, &result.BankTotal,
		&result.SorTotal, &result.Variance, &result.Status,
		pq.Array(&result.MissingIdentifiers), pq.Array(&result.ExcessIdentifiers),
		&result.CompletedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RecordExceptionCase opens a new exception case.
func (d Datasource) RecordExceptionCase(ctx context.Context, exception *model.ExceptionCase) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Saving exception case")
	defer span.End()

	if exception.CaseID == "" {
		exception.CaseID = GenerateUUIDWithSuffix("exc")
	}
	if exception.State == "" {
		exception.State = model.ExceptionStateOpen
	}
	exception.CreatedAt = time.Now()

	return d.Conn.QueryRowContext(ctx,
		`INSERT INTO exception_cases(
			case_id, category, severity, state, resource_ref, summary, remediation, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		exception.CaseID, exception.Category, exception.Severity, exception.State,
		exception.ResourceRef, exception.Summary, exception.Remediation, exception.CreatedAt,
	).Scan(&exception.ID)
}

// UpdateExceptionState moves a case through its lifecycle. The current state
// is loaded first so invalid transitions are rejected.
func (d Datasource) UpdateExceptionState(ctx context.Context, caseID string, state string) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Updating exception state")
	defer span.End()

	var current string
	err := d.Conn.QueryRowContext(ctx,
		`SELECT state FROM exception_cases WHERE case_id = $1`, caseID,
	).Scan(&current)
	if err != nil {
		return err
	}

	if !model.ValidExceptionTransition(current, state) {
		return fmt.Errorf("invalid exception transition %s -> %s for case %s", current, state, caseID)
	}

	resolvedAt := sql.NullTime{Time: time.Now(), Valid: state == model.ExceptionStateResolved}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE exception_cases
		SET state = $2, resolved_at = $3
		WHERE case_id = $1
	`, caseID, state, resolvedAt)

	return err
}

// GetExceptionCases lists cases in a given state, newest first.
func (d Datasource) GetExceptionCases(ctx context.Context, state string, limit int) ([]*model.ExceptionCase, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching exception cases")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, case_id, category, severity, state, resource_ref, summary, remediation, created_at, resolved_at
		FROM exception_cases
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*model.ExceptionCase

	for rows.Next() {
		exception := &model.ExceptionCase{}
		err = rows.Scan(
			&exception.ID, &exception.CaseID, &exception.Category, &exception.Severity,
			&exception.State, &exception.ResourceRef, &exception.Summary,
			&exception.Remediation, &exception.CreatedAt, &exception.ResolvedAt,
		)
		if err != nil {
			return nil, err
		}

		cases = append(cases, exception)
	}

	return cases, rows.Err()
}
