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

// Package broker owns the process's single AMQP connection: one long-lived
// confirm-enabled channel for all publishes and one channel per logical
// consumer with independent prefetch. On connection loss it reconnects with
// exponential backoff and lazily recreates channels on next use.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/internal/retry"
)

// AckDecision is what a delivery handler resolves every message to. There is
// no silent path: a message is acked, requeued, or dead-lettered.
type AckDecision int

const (
	Ack AckDecision = iota
	NackRequeue
	NackDiscard
)

// DeliveryHandler processes one delivery and returns an ack decision. A panic
// inside the handler is caught by the consumer worker and resolved to
// NackDiscard.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) AckDecision

// ConsumeOptions tunes one logical consumer.
type ConsumeOptions struct {
	Prefetch    int
	ConsumerTag string
}

// Config carries the connection settings. Reconnect delays follow
// base*1.5^attempt capped at MaxDelay, giving up after MaxAttempts.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// ConnectionInfo is the operational snapshot exposed to ops tooling.
type ConnectionInfo struct {
	Connected        bool      `json:"connected"`
	URL              string    `json:"url"`
	Reconnects       int64     `json:"reconnects"`
	PublishConfirmed int64     `json:"publish_confirmed"`
	PublishNacked    int64     `json:"publish_nacked"`
	Consumers        []string  `json:"consumers"`
	ConnectedSince   time.Time `json:"connected_since"`
}

// QueueStats reports the broker's view of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

type consumerEntry struct {
	queue   string
	tag     string
	handler DeliveryHandler
	opts    ConsumeOptions
	channel *amqp.Channel
	done    chan struct{}
}

// Broker is the shared connection manager. Construct it once per process and
// inject it; lifecycle is owned by the caller: Connect on start, Close (which
// drains consumers) on shutdown.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	conn      *amqp.Connection
	pubChan   *amqp.Channel
	consumers map[string]*consumerEntry
	closed    bool
	since     time.Time

	// publishes are serialized through the one confirm channel; the mutex is
	// the intended backpressure point for callers.
	pubMu sync.Mutex

	reconnects       int64
	publishConfirmed int64
	publishNacked    int64

	// OnFlowFatal is invoked when reconnection attempts are exhausted.
	// Message flow is dead at that point; the process is not.
	OnFlowFatal func(err error)
}

// New builds a broker manager without connecting. Connect must be called
// before the first publish or consume.
func New(cfg Config) *Broker {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Broker{
		cfg:       cfg,
		consumers: make(map[string]*consumerEntry),
	}
}

// Connect dials the broker and starts the close watcher.
func (b *Broker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

func (b *Broker) connectLocked() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return retry.TransientError(retry.ReasonExternalService, err)
	}
	b.conn = conn
	b.pubChan = nil
	b.since = time.Now()
	logrus.Infof("broker connected: %s", b.cfg.URL)

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go b.watchClose(closes)
	return nil
}

// watchClose waits for the connection to drop and then runs the reconnect
// schedule. All channels are recreated lazily on next use; consumer
// subscriptions are re-established eagerly so queues do not sit idle.
func (b *Broker) watchClose(closes chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || b.isClosed() {
		return
	}
	logrus.Warnf("broker connection lost: %v", amqpErr)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.BaseDelay
	policy.Multiplier = 1.5
	policy.MaxInterval = b.cfg.MaxDelay
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if b.isClosed() {
			return nil
		}
		b.mu.Lock()
		err := b.connectLocked()
		if err == nil {
			b.reconnects++
		}
		b.mu.Unlock()
		if err != nil {
			logrus.Warnf("broker reconnect failed: %v", err)
			return err
		}
		return nil
	}, backoff.WithMaxRetries(policy, uint64(b.cfg.MaxAttempts)))

	if err != nil {
		logrus.Errorf("broker reconnect attempts exhausted: %v", err)
		if b.OnFlowFatal != nil {
			b.OnFlowFatal(err)
		}
		return
	}
	if b.isClosed() {
		return
	}
	b.resubscribeAll()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// publishChannel returns the shared confirm-enabled channel, creating it on
// first use after connect or reconnect.
func (b *Broker) publishChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil, retry.TransientError(retry.ReasonResourceUnavailable, fmt.Errorf("broker connection is not open"))
	}
	if b.pubChan != nil && !b.pubChan.IsClosed() {
		return b.pubChan, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, retry.TransientError(retry.ReasonExternalService, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, retry.TransientError(retry.ReasonExternalService, err)
	}
	b.pubChan = ch
	return ch, nil
}

// Publish sends one persistent message to exchange/routingKey and returns
// only once the broker confirms durable receipt. A nack or channel error
// returns a transient error. Callers that need guaranteed delivery persist to
// the outbox first rather than relying on this call alone.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]interface{}) error {
	ch, err := b.publishChannel()
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return retry.TransientError(retry.ReasonExternalService, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return retry.TransientError(retry.ReasonTimeout, err)
	}
	if !acked {
		b.mu.Lock()
		b.publishNacked++
		b.mu.Unlock()
		return retry.TransientError(retry.ReasonResourceUnavailable, fmt.Errorf("broker nacked publish to %s/%s", exchange, routingKey))
	}

	b.mu.Lock()
	b.publishConfirmed++
	b.mu.Unlock()
	return nil
}

// Subscription is a cancellable handle to one consumer.
type Subscription struct {
	tag    string
	broker *Broker
}

// Cancel stops the consumer identified by its tag. Only that consumer's
// channel closes; in-flight deliveries are resolved or redelivered by the
// broker.
func (s *Subscription) Cancel() error {
	return s.broker.cancelConsumer(s.tag)
}

// Consume opens a dedicated channel for the queue, applies the consumer's
// prefetch, and runs deliveries through the handler one at a time. The worker
// never lets a handler panic escape: an uncaught panic resolves to a
// dead-letter nack.
func (b *Broker) Consume(queue string, handler DeliveryHandler, opts ConsumeOptions) (*Subscription, error) {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = fmt.Sprintf("payline-%s", queue)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}

	entry := &consumerEntry{
		queue:   queue,
		tag:     opts.ConsumerTag,
		handler: handler,
		opts:    opts,
	}

	b.mu.Lock()
	if _, exists := b.consumers[entry.tag]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("consumer tag %s already in use", entry.tag)
	}
	b.consumers[entry.tag] = entry
	b.mu.Unlock()

	if err := b.startConsumer(entry); err != nil {
		b.mu.Lock()
		delete(b.consumers, entry.tag)
		b.mu.Unlock()
		return nil, err
	}
	return &Subscription{tag: entry.tag, broker: b}, nil
}

func (b *Broker) startConsumer(entry *consumerEntry) error {
	b.mu.Lock()
	conn := b.conn
	prevDone := entry.done
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return retry.TransientError(retry.ReasonResourceUnavailable, fmt.Errorf("broker connection is not open"))
	}

	// On a restart the previous generation's worker may still be draining its
	// delivery channel. Wait for it to finish before repointing the entry, so
	// only one worker per consumer runs at a time and each worker signals its
	// own done channel.
	if prevDone != nil {
		<-prevDone
	}

	ch, err := conn.Channel()
	if err != nil {
		return retry.TransientError(retry.ReasonExternalService, err)
	}
	if err := ch.Qos(entry.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return retry.TransientError(retry.ReasonExternalService, err)
	}
	deliveries, err := ch.Consume(entry.queue, entry.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return retry.TransientError(retry.ReasonExternalService, err)
	}

	done := make(chan struct{})
	b.mu.Lock()
	entry.channel = ch
	entry.done = done
	b.mu.Unlock()
	go b.consumeLoop(entry, deliveries, done)
	logrus.Infof("consumer %s started on queue %s (prefetch %d)", entry.tag, entry.queue, entry.opts.Prefetch)
	return nil
}

// consumeLoop is the one worker per queue: deliveries are handled strictly
// one at a time, bounded by prefetch, preserving backpressure. The done
// channel belongs to this worker generation alone.
func (b *Broker) consumeLoop(entry *consumerEntry, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for delivery := range deliveries {
		decision := b.runHandler(entry, delivery)
		switch decision {
		case Ack:
			if err := delivery.Ack(false); err != nil {
				logrus.Errorf("ack failed for %s on %s: %v", delivery.MessageId, entry.queue, err)
			}
		case NackRequeue:
			if err := delivery.Nack(false, true); err != nil {
				logrus.Errorf("nack-requeue failed for %s on %s: %v", delivery.MessageId, entry.queue, err)
			}
		case NackDiscard:
			if err := delivery.Nack(false, false); err != nil {
				logrus.Errorf("nack-discard failed for %s on %s: %v", delivery.MessageId, entry.queue, err)
			}
		}
	}
}

func (b *Broker) runHandler(entry *consumerEntry, delivery amqp.Delivery) (decision AckDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("handler panic on queue %s, message %s: %v", entry.queue, delivery.MessageId, rec)
			decision = NackDiscard
		}
	}()
	return entry.handler(context.Background(), delivery)
}

func (b *Broker) cancelConsumer(tag string) error {
	b.mu.Lock()
	entry, ok := b.consumers[tag]
	var ch *amqp.Channel
	var done chan struct{}
	if ok {
		delete(b.consumers, tag)
		ch = entry.channel
		done = entry.done
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no consumer with tag %s", tag)
	}
	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			return err
		}
		<-done
		return ch.Close()
	}
	return nil
}

func (b *Broker) resubscribeAll() {
	b.mu.Lock()
	entries := make([]*consumerEntry, 0, len(b.consumers))
	for _, entry := range b.consumers {
		entries = append(entries, entry)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		if err := b.startConsumer(entry); err != nil {
			logrus.Errorf("failed to resubscribe consumer %s: %v", entry.tag, err)
		}
	}
}

// Stats inspects one queue on a throwaway channel.
func (b *Broker) Stats(queue string) (*QueueStats, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, retry.TransientError(retry.ReasonResourceUnavailable, fmt.Errorf("broker connection is not open"))
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ch.Close() }()

	state, err := ch.QueueInspect(queue)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Queue: state.Name, Messages: state.Messages, Consumers: state.Consumers}, nil
}

// Info snapshots the connection for ops tooling.
func (b *Broker) Info() ConnectionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	return ConnectionInfo{
		Connected:        b.conn != nil && !b.conn.IsClosed(),
		URL:              b.cfg.URL,
		Reconnects:       b.reconnects,
		PublishConfirmed: b.publishConfirmed,
		PublishNacked:    b.publishNacked,
		Consumers:        tags,
		ConnectedSince:   b.since,
	}
}

// Close cancels all consumers, closes the publish channel and the
// connection. Safe to call once during shutdown.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	b.mu.Unlock()

	for _, tag := range tags {
		if err := b.cancelConsumer(tag); err != nil {
			logrus.Warnf("cancel consumer %s during close: %v", tag, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubChan != nil && !b.pubChan.IsClosed() {
		_ = b.pubChan.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}
