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

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/internal/retry"
	"github.com/paylinehq/payline/model"
)

// IngestPayment is the entry point for payment signals handed over by
// channel adapters. It computes the content-derived idempotency key,
// absorbs duplicates, and for a genuinely new signal records the payment on
// the system-of-record ledger together with its outbox event in one
// transaction.
//
// Persisting the same logical payment twice yields exactly one
// IngestionRecord; the duplicate call returns the first record unchanged and
// does not error.
func (p *Payline) IngestPayment(ctx context.Context, signal *model.PaymentSignal) (*model.IngestionRecord, error) {
	ctx, span := tracer.Start(ctx, "Ingesting payment signal")
	defer span.End()

	envelope, err := p.validateSignal(signal)
	if err != nil {
		return nil, err
	}

	key := signal.IdempotencyKey()

	// Duplicate absorbed before touching the ledger.
	existing, err := p.datasource.GetIngestionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logrus.Infof("duplicate payment signal absorbed: channel=%s key=%s", signal.Channel, key)
		return existing, nil
	}

	record := &model.IngestionRecord{
		IdempotencyKey:     key,
		Channel:            signal.Channel,
		SourceReference:    signal.SourceReference,
		RawPayloadHash:     signal.RawPayloadHash(),
		NormalizedEnvelope: signal.NormalizedEnvelope,
		Status:             model.IngestionStatusReceived,
	}

	record, err = p.datasource.RecordIngestion(ctx, record)
	if err != nil {
		// A concurrent insert of the same key loses the race on the unique
		// constraint; re-query and hand back the winner's record.
		if isUniqueViolation(err) {
			winner, lookupErr := p.datasource.GetIngestionByKey(ctx, key)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if winner != nil {
				logrus.Infof("concurrent duplicate payment signal absorbed: channel=%s key=%s", signal.Channel, key)
				return winner, nil
			}
		}
		return nil, err
	}

	if err := p.applyPayment(ctx, record, signal, envelope); err != nil {
		return nil, err
	}

	if err := p.datasource.UpdateIngestionStatus(ctx, record.IngestionID, model.IngestionStatusNormalized); err != nil {
		return nil, err
	}
	record.Status = model.IngestionStatusNormalized

	return record, nil
}

// validateSignal rejects malformed intake before anything is persisted.
// All failures here are permanent: retrying a malformed signal cannot fix it.
func (p *Payline) validateSignal(signal *model.PaymentSignal) (*model.ChannelEnvelope, error) {
	if signal == nil {
		return nil, retry.PermanentError(retry.ReasonMalformedMessage, fmt.Errorf("nil payment signal"))
	}
	if !model.KnownChannel(signal.Channel) {
		return nil, retry.PermanentError(retry.ReasonValidation, fmt.Errorf("unknown payment channel %q", signal.Channel))
	}
	if signal.AmountCents <= 0 {
		return nil, retry.PermanentError(retry.ReasonValidation, fmt.Errorf("payment amount must be positive, got %d", signal.AmountCents))
	}
	if signal.LoanID <= 0 {
		return nil, retry.PermanentError(retry.ReasonValidation, fmt.Errorf("payment signal missing loan id"))
	}
	if signal.NormalizedReference == "" {
		return nil, retry.PermanentError(retry.ReasonValidation, fmt.Errorf("payment signal missing normalized reference"))
	}

	envelope, err := model.ValidateNormalizedEnvelope(signal.NormalizedEnvelope)
	if err != nil {
		return nil, retry.PermanentError(retry.ReasonMalformedMessage, err)
	}
	return envelope, nil
}

// applyPayment runs the domain transaction for one new signal: the
// system-of-record payment row and its outbox event commit or roll back
// together.
func (p *Payline) applyPayment(ctx context.Context, record *model.IngestionRecord, signal *model.PaymentSignal, envelope *model.ChannelEnvelope) error {
	tx, err := p.datasource.BeginTx(ctx)
	if err != nil {
		return err
	}

	payment := &model.Payment{
		LoanID:      signal.LoanID,
		Channel:     signal.Channel,
		Reference:   signal.NormalizedReference,
		AmountCents: signal.AmountCents,
		ValueDate:   signal.ValueDate,
		Status:      model.PaymentStatusCompleted,
	}
	if err := p.datasource.RecordPayment(ctx, tx, payment); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "recording payment")
	}

	eventBody, err := p.buildPaymentEvent(record, signal, envelope)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	outboxMessage := &model.OutboxMessage{
		AggregateType: AggregatePayment,
		AggregateID:   record.IngestionID,
		EventType:     fmt.Sprintf("payment.%s.received", signal.Channel),
		Payload:       eventBody,
	}
	if err := p.datasource.CreateOutboxMessage(ctx, tx, outboxMessage); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "staging outbox message")
	}

	return tx.Commit()
}

func (p *Payline) buildPaymentEvent(record *model.IngestionRecord, signal *model.PaymentSignal, envelope *model.ChannelEnvelope) (json.RawMessage, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	event := model.EventEnvelope{
		MessageID:      record.IngestionID,
		Schema:         "payment.v1",
		Producer:       producerName(),
		CorrelationID:  record.IngestionID,
		CreatedAt:      time.Now().UTC(),
		EffectiveDate:  signal.ValueDate.UTC().Format("2006-01-02"),
		IdempotencyKey: record.IdempotencyKey,
		Data:           data,
	}
	return json.Marshal(event)
}

// GetIngestionRecord returns one ingestion record by id, or nil when absent.
func (p *Payline) GetIngestionRecord(ctx context.Context, ingestionID string) (*model.IngestionRecord, error) {
	return p.datasource.GetIngestionByID(ctx, ingestionID)
}

func producerName() string {
	cfg, err := config.Fetch()
	if err != nil {
		return "payline"
	}
	return cfg.Broker.PublisherName
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
