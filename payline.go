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
	"time"

	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline/cache"
	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/database"
	"github.com/paylinehq/payline/internal/bank"
	"github.com/paylinehq/payline/internal/broker"
	"github.com/paylinehq/payline/internal/notification"
	"github.com/paylinehq/payline/internal/retry"
)

var tracer = otel.Tracer("payline")

// EventPublisher is the slice of the broker the outbox publisher depends on:
// one confirm-gated publish. The broker's Publish resolves only once the
// broker has durably accepted the message.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]interface{}) error
}

// BrokerStats is the slice of the broker the ops surface depends on.
type BrokerStats interface {
	Stats(queue string) (*broker.QueueStats, error)
	Info() broker.ConnectionInfo
}

// Payline wires the payment-processing pipeline: ingestion normalizer,
// transactional outbox, idempotency guard, reconciler and their shared
// collaborators. Everything is injected; there are no package-level
// singletons beyond the config store.
type Payline struct {
	datasource database.IDataSource
	publisher  EventPublisher
	broker     *broker.Broker
	cache      cache.Cache
	queue      *Queue
	tracker    *retry.Tracker
	settlement bank.SettlementSource
}

// NewPayline initializes the pipeline from configuration: redis cache, task
// queue, retry tracker and the banking port. The broker is constructed and
// connected by the caller, which also owns its shutdown.
func NewPayline(db database.IDataSource, brk *broker.Broker) (*Payline, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	tracker := retry.NewTracker(
		configuration.Retry.MaxAttempts,
		time.Duration(configuration.Retry.StateTTLMin)*time.Minute,
		time.Duration(configuration.Retry.SweepIntervalS)*time.Second,
	)

	settlement := bank.NewHTTPSettlementSource(
		configuration.Bank.Url,
		configuration.Bank.ApiKey,
		configuration.Bank.Timeout,
	)

	brk.OnFlowFatal = func(err error) {
		notification.NotifyError(err)
	}

	newPayline := &Payline{
		datasource: db,
		publisher:  brk,
		broker:     brk,
		cache:      newCache,
		queue:      NewQueue(configuration),
		tracker:    tracker,
		settlement: settlement,
	}
	return newPayline, nil
}

// QueueStats exposes the broker's view of one queue for ops tooling.
func (p *Payline) QueueStats(queue string) (*broker.QueueStats, error) {
	return p.broker.Stats(queue)
}

// ConnectionInfo exposes the broker connection snapshot for ops tooling.
func (p *Payline) ConnectionInfo() broker.ConnectionInfo {
	return p.broker.Info()
}

// Shutdown drains the pipeline in dependency order: retry sweeps stop, then
// the task queue client closes. The broker and database are closed by the
// process owner after in-flight publishes drain.
func (p *Payline) Shutdown() {
	p.tracker.Close()
	if p.queue != nil {
		p.queue.Close()
	}
}
