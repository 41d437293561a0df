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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/internal/broker"
	"github.com/paylinehq/payline/internal/retry"
	"github.com/paylinehq/payline/model"
)

// MessageHandler processes one decoded event envelope. Returning nil
// acknowledges the delivery; errors are classified and either requeued or
// dead-lettered.
type MessageHandler func(ctx context.Context, envelope *model.EventEnvelope, delivery amqp.Delivery) error

// wrapHandler adapts a MessageHandler into the broker's ack protocol:
//
//   - success acknowledges and clears the retry state for the message
//   - a transient error within budget backs off exponentially, then nacks
//     with requeue
//   - a permanent error, or a transient one past the attempt budget, nacks
//     without requeue so the broker dead-letters the delivery
//
// The backoff sleep happens before the nack so a requeued delivery is not
// redelivered instantly; the prefetch window on the consumer's channel keeps
// other deliveries flowing while one is held back.
//
// Deliveries that fail envelope validation never reach the handler; they are
// malformed by construction and go straight to the dead-letter queue.
func (p *Payline) wrapHandler(consumer string, handler MessageHandler) broker.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) broker.AckDecision {
		var envelope model.EventEnvelope
		if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
			logrus.Warnf("%s: discarding malformed delivery %s: %v", consumer, delivery.MessageId, err)
			return broker.NackDiscard
		}
		if err := envelope.Validate(); err != nil {
			logrus.Warnf("%s: discarding invalid envelope %s: %v", consumer, envelope.MessageID, err)
			return broker.NackDiscard
		}

		retryID := fmt.Sprintf("%s:%s", consumer, envelope.MessageID)
		err := handler(ctx, &envelope, delivery)
		if err == nil {
			p.tracker.Clear(retryID)
			return broker.Ack
		}

		if retry.IsPermanent(err) {
			_, reason := retry.Classify(err)
			logrus.Errorf("%s: permanent failure on %s (%s): %v", consumer, envelope.MessageID, reason, err)
			p.tracker.Clear(retryID)
			return broker.NackDiscard
		}

		if p.tracker.ShouldRetry(retryID, err) {
			attempt := p.tracker.Attempts(retryID)
			base, limit := retryDelayBounds()
			delay := retry.Delay(attempt-1, base, limit)
			logrus.Warnf("%s: transient failure on %s (attempt %d), requeueing after %s: %v", consumer, envelope.MessageID, attempt, delay, err)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			return broker.NackRequeue
		}

		logrus.Errorf("%s: retry budget exhausted on %s, dead-lettering: %v", consumer, envelope.MessageID, err)
		p.tracker.Clear(retryID)
		return broker.NackDiscard
	}
}

// retryDelayBounds reads the configured backoff base and cap, falling back to
// the package defaults when no configuration is loaded.
func retryDelayBounds() (base, limit time.Duration) {
	cfg, err := config.Fetch()
	if err != nil {
		return retry.DefaultBaseDelay, retry.DefaultMaxDelay
	}
	return time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond, time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond
}

// RegisterConsumers binds the pipeline's queue consumers on the broker. Each
// consumer gets its own channel with the configured prefetch.
func (p *Payline) RegisterConsumers() error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	consumers := []struct {
		queue   string
		name    string
		handler MessageHandler
	}{
		{queue: cfg.Broker.IngestQueue, name: "payment-ingest", handler: p.handleIngestDelivery},
	}

	for _, c := range consumers {
		_, err := p.broker.Consume(c.queue, p.wrapHandler(c.name, c.handler), broker.ConsumeOptions{
			Prefetch:    cfg.Broker.Prefetch,
			ConsumerTag: c.name,
		})
		if err != nil {
			return fmt.Errorf("failed to start consumer %s on %s: %w", c.name, c.queue, err)
		}
		logrus.Infof("consumer %s started on queue %s", c.name, c.queue)
	}
	return nil
}

// handleIngestDelivery processes a raw channel payload delivered on the
// ingest queue, guarded for exactly-once effects by the inbox.
func (p *Payline) handleIngestDelivery(ctx context.Context, envelope *model.EventEnvelope, _ amqp.Delivery) error {
	channelEnvelope, err := model.ValidateNormalizedEnvelope(envelope.Data)
	if err != nil {
		return err
	}
	signal, err := channelEnvelope.ToPaymentSignal()
	if err != nil {
		return err
	}

	_, _, err = p.ProcessOnce(ctx, "payment-ingest", envelope.MessageID, func(tx *sql.Tx) ([]byte, error) {
		record, err := p.ingestWithinGuard(ctx, signal)
		if err != nil {
			return nil, err
		}
		return []byte(record.IdempotencyKey), nil
	})
	return err
}

// ingestWithinGuard runs the normal ingestion path. It opens its own
// transactions rather than using the inbox guard's, which is safe here
// because ingestion is idempotent on the content key: a crash between the
// ingestion commit and the inbox marker replays the delivery, and the replay
// resolves to the already-recorded ingestion. The inbox marker and the
// ingestion's own idempotency key are complementary: the marker absorbs
// redelivery of the same broker message, the key absorbs the same payment
// arriving under a different message id.
func (p *Payline) ingestWithinGuard(ctx context.Context, signal *model.PaymentSignal) (*model.IngestionRecord, error) {
	return p.IngestPayment(ctx, signal)
}
