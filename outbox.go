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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"

	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/internal/notification"
	"github.com/paylinehq/payline/model"
)

// Aggregate types carried on outbox rows.
const (
	AggregatePayment        = "payment"
	AggregateReconciliation = "reconciliation"
)

// routeFor maps an outbox message to its target exchange and routing key.
// Mechanical: the event type is the routing key and the aggregate type picks
// the exchange, with everything unknown landing on the main exchange.
func routeFor(cfg *config.Configuration, aggregateType, eventType string) (string, string) {
	switch aggregateType {
	case AggregatePayment, AggregateReconciliation:
		return cfg.Broker.Exchange, eventType
	}
	return cfg.Broker.Exchange, eventType
}

// PublishPending drains one batch of unpublished outbox rows through the
// broker, oldest first. A row is marked published only after the broker
// confirm; failures increment the durable attempt counter and the row stays
// eligible for the next poll. The failure that crosses the operator ceiling
// raises an exception case once; from then on the poll excludes the row, so
// it stops consuming publish attempts and stops alerting.
//
// The returned count is the number of rows confirmed this pass.
func (p *Payline) PublishPending(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Draining outbox")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	messages, err := p.datasource.PollUnpublishedMessages(ctx, cfg.Outbox.BatchSize, cfg.Outbox.AttemptCeiling)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		exchange, routingKey := routeFor(cfg, message.AggregateType, message.EventType)
		err := p.publisher.Publish(ctx, exchange, routingKey, message.Payload, map[string]interface{}{
			"message_id":     message.MessageID,
			"aggregate_type": message.AggregateType,
			"aggregate_id":   message.AggregateID,
		})
		if err != nil {
			logrus.Warnf("outbox publish failed for %s (attempt %d): %v", message.MessageID, message.AttemptCount+1, err)
			if recordErr := p.datasource.RecordOutboxFailure(ctx, message.ID, err.Error()); recordErr != nil {
				logrus.Errorf("failed to record outbox failure for %s: %v", message.MessageID, recordErr)
				continue
			}
			message.AttemptCount++
			message.LastError = err.Error()
			if message.AttemptCount >= cfg.Outbox.AttemptCeiling {
				if raiseErr := p.raiseOutboxException(ctx, message); raiseErr != nil {
					logrus.Errorf("failed to raise outbox exception for %s: %v", message.MessageID, raiseErr)
				}
			}
			continue
		}

		if err := p.datasource.MarkOutboxPublished(ctx, message.ID); err != nil {
			// The broker has the message; the row will be re-published and
			// deduped downstream by the inbox guard.
			logrus.Errorf("failed to mark outbox message %s published: %v", message.MessageID, err)
			continue
		}
		message.PublishedAt = ptr.Time(time.Now().UTC())
		published++

		p.advanceIngestionStatus(ctx, message)
	}

	return published, nil
}

// PublisherLoop polls the outbox until the context is cancelled. Run once
// per worker process.
func (p *Payline) PublisherLoop(ctx context.Context) {
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("publisher loop aborted, no config: %v", err)
		return
	}

	interval := time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("outbox publisher started, polling every %s", interval)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				logrus.Errorf("outbox drain failed: %v", err)
			}
		}
	}
}

// SweepPublishedOutbox deletes confirmed rows older than the retention
// window.
func (p *Payline) SweepPublishedOutbox(ctx context.Context) (int64, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.Outbox.RetentionDays)
	deleted, err := p.datasource.DeletePublishedOutboxMessages(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logrus.Infof("outbox retention sweep deleted %d rows older than %s", deleted, cutoff.Format("2006-01-02"))
	}
	return deleted, nil
}

// raiseOutboxException converts an exhausted outbox row into the alertable,
// human-facing channel. Called once, on the failure that crosses the ceiling;
// the row keeps its state for forensics but no longer polls.
func (p *Payline) raiseOutboxException(ctx context.Context, message *model.OutboxMessage) error {
	exception := &model.ExceptionCase{
		Category:    model.ExceptionOutboxExhausted,
		Severity:    model.SeverityCritical,
		ResourceRef: message.MessageID,
		Summary:     fmt.Sprintf("outbox message %s (%s) exhausted %d publish attempts", message.MessageID, message.EventType, message.AttemptCount),
		Remediation: "Inspect last_error on the outbox row; verify broker health and routing, then reset attempt_count to resume publishing.",
	}
	if err := p.datasource.RecordExceptionCase(ctx, exception); err != nil {
		return err
	}
	notification.NotifyError(fmt.Errorf("outbox message %s exhausted publish attempts: %s", message.MessageID, message.LastError))
	return nil
}

// advanceIngestionStatus moves the originating ingestion record to published
// once its payment event is confirmed on the broker.
func (p *Payline) advanceIngestionStatus(ctx context.Context, message *model.OutboxMessage) {
	if message.AggregateType != AggregatePayment || !strings.HasPrefix(message.EventType, "payment.") {
		return
	}
	if err := p.datasource.UpdateIngestionStatus(ctx, message.AggregateID, model.IngestionStatusPublished); err != nil {
		// A re-published row has already advanced the status; nothing to do.
		logrus.Debugf("ingestion status advance skipped for %s: %v", message.AggregateID, err)
	}
}
