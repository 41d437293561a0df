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
package model

import (
	"encoding/json"
	"time"
)

// OutboxMessage is a durable "to be published" event row written inside the
// same transaction as the domain mutation it describes. The publisher only
// ever sees a row after its owning transaction commits; published_at is set
// only after the broker confirms durable receipt.
type OutboxMessage struct {
	ID            int64           `json:"-"`
	MessageID     string          `json:"message_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error"`
}

// InboxRecord marks a (consumer, message) pair as processed, bounding the
// handler's side effects to at most one execution. result_hash is the sha256
// of the handler's deterministic result, kept for audit comparison on
// redelivery.
type InboxRecord struct {
	ID          int64     `json:"-"`
	Consumer    string    `json:"consumer"`
	MessageID   string    `json:"message_id"`
	ResultHash  string    `json:"result_hash"`
	ProcessedAt time.Time `json:"processed_at"`
}
