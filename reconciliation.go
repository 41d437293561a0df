/*
Copyright 2024 Payline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package payline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/internal/notification"
	"github.com/paylinehq/payline/model"
)

// balancedTolerance is the sub-cent band inside which a bank/SOR comparison
// counts as balanced. Rounding noise from the bank's report lands here.
var balancedTolerance = decimal.New(1, -2)

// RunDailyReconciliation compares the bank's settlement truth against the
// system-of-record for every configured channel on the given date. Each
// channel is reconciled independently; a bank fetch failure on one channel
// raises a critical exception case and the run continues with the rest.
//
// Re-running the same date upserts results rather than duplicating them.
func (p *Payline) RunDailyReconciliation(ctx context.Context, date time.Time) ([]*model.ReconciliationResult, error) {
	ctx, span := tracer.Start(ctx, "Running daily reconciliation")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	date = date.UTC().Truncate(24 * time.Hour)
	results := make([]*model.ReconciliationResult, 0, len(cfg.Reconciliation.Channels))
	for _, channel := range cfg.Reconciliation.Channels {
		result, err := p.reconcileChannel(ctx, channel, date, cfg)
		if err != nil {
			logrus.Errorf("reconciliation failed for channel %s on %s: %v", channel, date.Format("2006-01-02"), err)
			if excErr := p.raiseFetchException(ctx, channel, date, err); excErr != nil {
				logrus.Errorf("failed to raise fetch exception for %s: %v", channel, excErr)
			}
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// reconcileChannel reconciles one channel for one day and persists the
// outcome: the result row, any variance exception, and the outcome events
// staged on the outbox.
func (p *Payline) reconcileChannel(ctx context.Context, channel string, date time.Time, cfg *config.Configuration) (*model.ReconciliationResult, error) {
	summary, err := p.settlement.FetchSettlementSummary(ctx, channel, date)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching settlement summary for %s", channel)
	}

	sor, err := p.datasource.GetCompletedPaymentTotal(ctx, channel, date)
	if err != nil {
		return nil, errors.Wrapf(err, "reading completed total for %s", channel)
	}

	bankTotal := summary.Credits.Sub(summary.Debits)
	variance := bankTotal.Sub(sor.Total)

	result := &model.ReconciliationResult{
		Channel:     channel,
		PeriodStart: date,
		BankTotal:   bankTotal,
		SorTotal:    sor.Total,
		Variance:    variance,
		Status:      model.ReconciliationBalanced,
		CompletedAt: time.Now().UTC(),
	}

	if variance.Abs().GreaterThanOrEqual(balancedTolerance) {
		result.Status = model.ReconciliationVariance
		result.MissingIdentifiers, result.ExcessIdentifiers = partitionReferences(summary, sor)
	}

	if err := p.datasource.UpsertReconciliationResult(ctx, result); err != nil {
		return nil, errors.Wrap(err, "persisting reconciliation result")
	}

	if result.Status == model.ReconciliationBalanced {
		if err := p.stageReconciliationEvents(ctx, result, nil); err != nil {
			return nil, err
		}
		return result, nil
	}

	exception := &model.ExceptionCase{
		Category:    model.ExceptionReconciliationVariance,
		Severity:    varianceSeverity(variance, cfg),
		ResourceRef: fmt.Sprintf("%s:%s", channel, date.Format("2006-01-02")),
		Summary: fmt.Sprintf("%s reconciliation variance of %s on %s (bank %s, system %s)",
			channel, variance.StringFixed(2), date.Format("2006-01-02"),
			bankTotal.StringFixed(2), sor.Total.StringFixed(2)),
		Remediation: "Compare missing and excess identifiers on the reconciliation result; backfill events are staged for identifiers the bank settled but the system never recorded.",
	}
	if err := p.datasource.RecordExceptionCase(ctx, exception); err != nil {
		return nil, errors.Wrap(err, "recording variance exception")
	}
	if exception.Severity == model.SeverityCritical {
		notification.NotifyError(fmt.Errorf("critical reconciliation variance on %s: %s", channel, variance.StringFixed(2)))
	}

	if err := p.stageReconciliationEvents(ctx, result, exception); err != nil {
		return nil, err
	}
	return result, nil
}

// partitionReferences splits the two reference sets: identifiers the bank
// settled that the system never recorded (missing) and identifiers the
// system holds that the bank's report lacks (excess).
func partitionReferences(summary *model.SettlementSummary, sor *model.SorDayTotal) (missing, excess []string) {
	bankRefs := make(map[string]struct{}, len(summary.Transactions))
	for _, txn := range summary.Transactions {
		bankRefs[txn.Reference] = struct{}{}
	}
	sorRefs := make(map[string]struct{}, len(sor.References))
	for _, ref := range sor.References {
		sorRefs[ref] = struct{}{}
	}

	for _, txn := range summary.Transactions {
		if _, ok := sorRefs[txn.Reference]; !ok {
			missing = append(missing, txn.Reference)
		}
	}
	for _, ref := range sor.References {
		if _, ok := bankRefs[ref]; !ok {
			excess = append(excess, ref)
		}
	}
	return missing, excess
}

func varianceSeverity(variance decimal.Decimal, cfg *config.Configuration) string {
	abs := variance.Abs()
	if abs.GreaterThanOrEqual(decimal.NewFromFloat(cfg.Reconciliation.CriticalThreshold)) {
		return model.SeverityCritical
	}
	if abs.GreaterThanOrEqual(decimal.NewFromFloat(cfg.Reconciliation.WarningThreshold)) {
		return model.SeverityHigh
	}
	return model.SeverityWarning
}

// stageReconciliationEvents writes the run's outcome events onto the outbox
// in one transaction: a reconciled.ok or reconciled.discrepancy event for
// the channel, plus one backfill request per missing identifier.
func (p *Payline) stageReconciliationEvents(ctx context.Context, result *model.ReconciliationResult, exception *model.ExceptionCase) error {
	tx, err := p.datasource.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "opening transaction")
	}

	eventType := "reconciliation.reconciled.ok"
	if result.Status == model.ReconciliationVariance {
		eventType = "reconciliation.reconciled.discrepancy"
	}

	aggregateID := fmt.Sprintf("%s:%s", result.Channel, result.PeriodStart.Format("2006-01-02"))
	body, err := buildReconciliationEvent(result, exception)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	outcome := &model.OutboxMessage{
		AggregateType: AggregateReconciliation,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	}
	if err := p.datasource.CreateOutboxMessage(ctx, tx, outcome); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "staging reconciliation event")
	}

	for _, missing := range result.MissingIdentifiers {
		backfillBody, err := buildBackfillEvent(result, missing)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		backfill := &model.OutboxMessage{
			AggregateType: AggregateReconciliation,
			AggregateID:   aggregateID,
			EventType:     "reconciliation.backfill.requested",
			Payload:       backfillBody,
		}
		if err := p.datasource.CreateOutboxMessage(ctx, tx, backfill); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "staging backfill event")
		}
	}

	return tx.Commit()
}

func buildReconciliationEvent(result *model.ReconciliationResult, exception *model.ExceptionCase) (json.RawMessage, error) {
	payload := map[string]interface{}{
		"channel":             result.Channel,
		"period_start":        result.PeriodStart.Format("2006-01-02"),
		"bank_total":          result.BankTotal.StringFixed(2),
		"sor_total":           result.SorTotal.StringFixed(2),
		"variance":            result.Variance.StringFixed(2),
		"status":              result.Status,
		"missing_identifiers": result.MissingIdentifiers,
		"excess_identifiers":  result.ExcessIdentifiers,
	}
	if exception != nil {
		payload["exception_case_id"] = exception.CaseID
		payload["severity"] = exception.Severity
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	event := model.EventEnvelope{
		MessageID:      fmt.Sprintf("recon-%s-%s", result.Channel, result.PeriodStart.Format("2006-01-02")),
		Schema:         "reconciliation.v1",
		Producer:       producerName(),
		CorrelationID:  fmt.Sprintf("recon-%s-%s", result.Channel, result.PeriodStart.Format("2006-01-02")),
		CreatedAt:      time.Now().UTC(),
		EffectiveDate:  result.PeriodStart.Format("2006-01-02"),
		IdempotencyKey: fmt.Sprintf("recon|%s|%s", result.Channel, result.PeriodStart.Format("2006-01-02")),
		Data:           data,
	}
	return json.Marshal(event)
}

func buildBackfillEvent(result *model.ReconciliationResult, reference string) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]interface{}{
		"channel":      result.Channel,
		"period_start": result.PeriodStart.Format("2006-01-02"),
		"reference":    reference,
	})
	if err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("backfill-%s-%s", result.Channel, reference)
	event := model.EventEnvelope{
		MessageID:      messageID,
		Schema:         "reconciliation.backfill.v1",
		Producer:       producerName(),
		CorrelationID:  fmt.Sprintf("recon-%s-%s", result.Channel, result.PeriodStart.Format("2006-01-02")),
		CreatedAt:      time.Now().UTC(),
		EffectiveDate:  result.PeriodStart.Format("2006-01-02"),
		IdempotencyKey: fmt.Sprintf("backfill|%s|%s", result.Channel, reference),
		Data:           data,
	}
	return json.Marshal(event)
}

// raiseFetchException records the per-channel failure that kept a channel
// out of a reconciliation run.
func (p *Payline) raiseFetchException(ctx context.Context, channel string, date time.Time, cause error) error {
	exception := &model.ExceptionCase{
		Category:    model.ExceptionBankFetchFailure,
		Severity:    model.SeverityCritical,
		ResourceRef: fmt.Sprintf("%s:%s", channel, date.Format("2006-01-02")),
		Summary:     fmt.Sprintf("bank settlement fetch failed for %s on %s: %v", channel, date.Format("2006-01-02"), cause),
		Remediation: "Verify bank API availability and credentials, then re-trigger reconciliation for the affected date.",
	}
	if err := p.datasource.RecordExceptionCase(ctx, exception); err != nil {
		return err
	}
	notification.NotifyError(fmt.Errorf("bank settlement fetch failed for %s on %s: %w", channel, date.Format("2006-01-02"), cause))
	return nil
}

// ResolveException advances an exception case's lifecycle state, enforcing
// forward-only movement.
func (p *Payline) ResolveException(ctx context.Context, caseID, state string) error {
	return p.datasource.UpdateExceptionState(ctx, caseID, state)
}

// GetReconciliationResult returns the persisted outcome for one channel/day,
// or nil when the day has not been reconciled.
func (p *Payline) GetReconciliationResult(ctx context.Context, channel string, date time.Time) (*model.ReconciliationResult, error) {
	return p.datasource.GetReconciliationResult(ctx, channel, date.UTC().Truncate(24*time.Hour))
}

// ListExceptionCases returns exception cases filtered by state.
func (p *Payline) ListExceptionCases(ctx context.Context, state string, limit int) ([]*model.ExceptionCase, error) {
	return p.datasource.GetExceptionCases(ctx, state, limit)
}
