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
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
)

func testSignal() *PaymentSignal {
	return &PaymentSignal{
		Channel:             ChannelACH,
		Method:              "ACH",
		NormalizedReference: ACHReference("123456789", "BATCH-01", "ORIG-42"),
		ValueDate:           time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC),
		AmountCents:         100000,
		LoanID:              8812,
		RawPayload:          json.RawMessage(`{"trace":"123456789"}`),
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := testSignal()
	b := testSignal()
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.Len(t, a.IdempotencyKey(), 64)
}

func TestIdempotencyKey_IgnoresTransportNoise(t *testing.T) {
	a := testSignal()
	b := testSignal()
	// Different raw payload bytes and casing on the method: still the same
	// logical payment, same key.
	b.Method = "ach"
	b.RawPayload = json.RawMessage(`{"trace":"123456789","received_at":"later"}`)
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestIdempotencyKey_SensitiveToEveryComponent(t *testing.T) {
	base := testSignal()

	changed := testSignal()
	changed.AmountCents = 100001
	assert.NotEqual(t, base.IdempotencyKey(), changed.IdempotencyKey())

	changed = testSignal()
	changed.LoanID = 8813
	assert.NotEqual(t, base.IdempotencyKey(), changed.IdempotencyKey())

	changed = testSignal()
	changed.ValueDate = changed.ValueDate.AddDate(0, 0, 1)
	assert.NotEqual(t, base.IdempotencyKey(), changed.IdempotencyKey())

	changed = testSignal()
	changed.NormalizedReference = ACHReference("987654321", "BATCH-01", "ORIG-42")
	assert.NotEqual(t, base.IdempotencyKey(), changed.IdempotencyKey())
}

func TestIdempotencyKey_ValueDateNormalizedToUTC(t *testing.T) {
	east := time.FixedZone("UTC+10", 10*3600)
	a := testSignal()
	b := testSignal()
	// 09:00 on the 14th in UTC+10 is still the 13th in UTC.
	b.ValueDate = time.Date(2024, 6, 14, 9, 0, 0, 0, east)
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())

	b.ValueDate = time.Date(2024, 6, 14, 14, 0, 0, 0, east)
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestRawPayloadHash_TracksBytes(t *testing.T) {
	a := testSignal()
	b := testSignal()
	b.RawPayload = json.RawMessage(`{"trace":"123456789","mutated":true}`)
	assert.NotEqual(t, a.RawPayloadHash(), b.RawPayloadHash())
}

func TestReferenceComposition(t *testing.T) {
	assert.Equal(t, "123456789:BATCH-01:ORIG-42", ACHReference("123456789", "BATCH-01", "ORIG-42"))

	date := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "FEDREF-9:150000:2024-06-14", WireReference("FEDREF-9", 150000, date))
	assert.Equal(t, "1042:ACCT-77:9950:2024-06-14", CheckReference("1042", "ACCT-77", 9950, date))
}

func TestValidStatusTransition(t *testing.T) {
	assert.True(t, ValidStatusTransition(IngestionStatusReceived, IngestionStatusNormalized))
	assert.True(t, ValidStatusTransition(IngestionStatusNormalized, IngestionStatusPublished))

	assert.False(t, ValidStatusTransition(IngestionStatusReceived, IngestionStatusPublished), "no skipping")
	assert.False(t, ValidStatusTransition(IngestionStatusPublished, IngestionStatusNormalized), "no moving backwards")
	assert.False(t, ValidStatusTransition(IngestionStatusPublished, IngestionStatusReceived))
}

func TestKnownChannel(t *testing.T) {
	for _, channel := range []string{ChannelACH, ChannelWire, ChannelCheck, ChannelCard, ChannelLockbox, ChannelBook} {
		assert.True(t, KnownChannel(channel))
	}
	assert.False(t, KnownChannel("crypto"))
	assert.False(t, KnownChannel(""))
}

func TestIdempotencyKey_DistinctAcrossRandomSignals(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		signal := &PaymentSignal{
			Channel:             ChannelACH,
			NormalizedReference: ACHReference(gofakeit.DigitN(9), fmt.Sprintf("BATCH-%d", i), gofakeit.LetterN(8)),
			ValueDate:           gofakeit.DateRange(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)),
			AmountCents:         int64(gofakeit.Number(100, 10_000_000)),
			LoanID:              int64(gofakeit.Number(1, 1_000_000)),
		}
		key := signal.IdempotencyKey()
		_, dup := seen[key]
		assert.False(t, dup, "key collision on signal %d", i)
		seen[key] = struct{}{}
	}
}
