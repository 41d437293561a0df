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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Ingestion status constants. A record only ever advances
// received -> normalized -> published.
const (
	IngestionStatusReceived   = "received"
	IngestionStatusNormalized = "normalized"
	IngestionStatusPublished  = "published"
)

// Payment channels supported by the pipeline.
const (
	ChannelACH     = "ach"
	ChannelWire    = "wire"
	ChannelCheck   = "check"
	ChannelCard    = "card"
	ChannelLockbox = "lockbox"
	ChannelBook    = "book"
)

// IngestionRecord is the durable trace of one real-world payment event.
// Exactly one row exists per unique (method, reference, value date, amount, loan)
// tuple; the idempotency key is the fingerprint of that tuple. Rows are never
// deleted and are immutable except for status advancement.
type IngestionRecord struct {
	ID                 int64           `json:"-"`
	IngestionID        string          `json:"ingestion_id"`
	IdempotencyKey     string          `json:"idempotency_key"`
	Channel            string          `json:"channel"`
	SourceReference    string          `json:"source_reference"`
	RawPayloadHash     string          `json:"raw_payload_hash"`
	NormalizedEnvelope json.RawMessage `json:"normalized_envelope"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PaymentSignal is the normalized intake shape handed over by a channel
// adapter. The adapter owns vendor parsing; by the time a signal reaches the
// normalizer it already carries the fields the idempotency key is derived from.
type PaymentSignal struct {
	Channel             string          `json:"channel"`
	SourceReference     string          `json:"sourceReference"`
	RawPayload          json.RawMessage `json:"rawPayload"`
	NormalizedEnvelope  json.RawMessage `json:"normalizedEnvelope"`
	Method              string          `json:"method"`
	NormalizedReference string          `json:"normalizedReference"`
	ValueDate           time.Time       `json:"valueDate"`
	AmountCents         int64           `json:"amountCents"`
	LoanID              int64           `json:"loanId"`
}

// IdempotencyKey derives the content fingerprint that dedupes logically
// identical signals delivered with different transport ids:
// sha256(lower(method) | normalized_reference | value_date | amount_minor_units | loan_id).
func (p *PaymentSignal) IdempotencyKey() string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(p.Method)),
		strings.TrimSpace(p.NormalizedReference),
		p.ValueDate.UTC().Format("2006-01-02"),
		fmt.Sprintf("%d", p.AmountCents),
		fmt.Sprintf("%d", p.LoanID),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RawPayloadHash fingerprints the raw channel payload so replays carrying a
// mutated body against the same logical payment can be spotted during audits.
func (p *PaymentSignal) RawPayloadHash() string {
	sum := sha256.Sum256(p.RawPayload)
	return hex.EncodeToString(sum[:])
}

// ACHReference composes the normalized reference for an ACH entry from its
// trace number, batch id and originator id.
func ACHReference(traceNumber, batchID, originatorID string) string {
	return strings.Join([]string{traceNumber, batchID, originatorID}, ":")
}

// WireReference composes the normalized reference for a wire from its wire
// reference, amount in minor units and effective date.
func WireReference(wireRef string, amountCents int64, effectiveDate time.Time) string {
	return fmt.Sprintf("%s:%d:%s", wireRef, amountCents, effectiveDate.UTC().Format("2006-01-02"))
}

// CheckReference composes the normalized reference for a paper check from its
// check number, payer account, amount in minor units and issue date.
func CheckReference(checkNumber, payerAccount string, amountCents int64, issueDate time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", checkNumber, payerAccount, amountCents, issueDate.UTC().Format("2006-01-02"))
}

// ValidStatusTransition reports whether an ingestion record may move from one
// status to another. Only forward movement is permitted.
func ValidStatusTransition(from, to string) bool {
	switch from {
	case IngestionStatusReceived:
		return to == IngestionStatusNormalized
	case IngestionStatusNormalized:
		return to == IngestionStatusPublished
	default:
		return false
	}
}

// KnownChannel reports whether the channel name is one the pipeline routes.
func KnownChannel(channel string) bool {
	switch channel {
	case ChannelACH, ChannelWire, ChannelCheck, ChannelCard, ChannelLockbox, ChannelBook:
		return true
	}
	return false
}
