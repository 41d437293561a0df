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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// EventEnvelope is the wire shape of every event the pipeline publishes.
// Consumers must ignore fields they do not know.
type EventEnvelope struct {
	MessageID      string          `json:"message_id"`
	Schema         string          `json:"schema"`
	Producer       string          `json:"producer"`
	CorrelationID  string          `json:"correlation_id"`
	CreatedAt      time.Time       `json:"created_at"`
	EffectiveDate  string          `json:"effective_date"`
	IdempotencyKey string          `json:"idempotency_key"`
	Data           json.RawMessage `json:"data"`
}

// Validate checks the envelope header fields that every event must carry.
func (e EventEnvelope) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.MessageID, validation.Required),
		validation.Field(&e.Schema, validation.Required),
		validation.Field(&e.Producer, validation.Required),
		validation.Field(&e.CreatedAt, validation.Required),
		validation.Field(&e.Data, validation.Required),
	)
}

// ChannelEnvelope is the channel-tagged payment body carried in the `data`
// field of payment events. Only the fields for the tagged channel are
// required; the rest stay empty.
type ChannelEnvelope struct {
	Channel     string `json:"channel"`
	LoanID      int64  `json:"loan_id"`
	AmountCents int64  `json:"amount_cents"`
	ValueDate   string `json:"value_date"`

	// ACH
	TraceNumber  string `json:"trace_number,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	OriginatorID string `json:"originator_id,omitempty"`

	// Wire
	WireReference string `json:"wire_reference,omitempty"`

	// Check / lockbox
	CheckNumber  string `json:"check_number,omitempty"`
	PayerAccount string `json:"payer_account,omitempty"`

	// Card
	AuthCode    string `json:"auth_code,omitempty"`
	CardNetwork string `json:"card_network,omitempty"`

	// Book transfer
	SourceAccount string `json:"source_account,omitempty"`
}

// Validate applies the base rules plus the required fields for the tagged
// channel. An unknown channel fails validation outright.
func (c ChannelEnvelope) Validate() error {
	base := []*validation.FieldRules{
		validation.Field(&c.Channel, validation.Required, validation.By(func(interface{}) error {
			if !KnownChannel(c.Channel) {
				return validation.NewError("validation_unknown_channel", "unknown payment channel")
			}
			return nil
		})),
		validation.Field(&c.LoanID, validation.Required),
		validation.Field(&c.AmountCents, validation.Required),
		validation.Field(&c.ValueDate, validation.Required, validation.Date("2006-01-02")),
	}

	switch c.Channel {
	case ChannelACH:
		base = append(base,
			validation.Field(&c.TraceNumber, validation.Required),
			validation.Field(&c.BatchID, validation.Required),
			validation.Field(&c.OriginatorID, validation.Required),
		)
	case ChannelWire:
		base = append(base,
			validation.Field(&c.WireReference, validation.Required),
		)
	case ChannelCheck, ChannelLockbox:
		base = append(base,
			validation.Field(&c.CheckNumber, validation.Required),
			validation.Field(&c.PayerAccount, validation.Required),
		)
	case ChannelCard:
		base = append(base,
			validation.Field(&c.AuthCode, validation.Required),
			validation.Field(&c.CardNetwork, validation.Required),
		)
	case ChannelBook:
		base = append(base,
			validation.Field(&c.SourceAccount, validation.Required),
		)
	}

	return validation.ValidateStruct(&c, base...)
}

// ValidateNormalizedEnvelope checks that the raw bytes a channel adapter hands
// over decode into a well-formed channel envelope. Malformed input is a
// permanent condition, never retried.
func ValidateNormalizedEnvelope(raw json.RawMessage) (*ChannelEnvelope, error) {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, validation.NewError("validation_malformed_envelope", "normalized envelope is not a well-formed JSON object")
	}
	var env ChannelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, validation.NewError("validation_malformed_envelope", "normalized envelope is not a well-formed JSON object")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ToPaymentSignal converts a validated channel envelope into the normalized
// intake shape, composing the channel's canonical reference along the way.
func (c *ChannelEnvelope) ToPaymentSignal() (*PaymentSignal, error) {
	valueDate, err := time.Parse("2006-01-02", c.ValueDate)
	if err != nil {
		return nil, validation.NewError("validation_value_date", "value date must be YYYY-MM-DD")
	}

	var reference string
	switch c.Channel {
	case ChannelACH:
		reference = ACHReference(c.TraceNumber, c.BatchID, c.OriginatorID)
	case ChannelWire:
		reference = WireReference(c.WireReference, c.AmountCents, valueDate)
	case ChannelCheck, ChannelLockbox:
		reference = CheckReference(c.CheckNumber, c.PayerAccount, c.AmountCents, valueDate)
	case ChannelCard:
		reference = fmt.Sprintf("%s:%s", c.CardNetwork, c.AuthCode)
	case ChannelBook:
		reference = fmt.Sprintf("%s:%d:%s", c.SourceAccount, c.AmountCents, c.ValueDate)
	default:
		return nil, validation.NewError("validation_unknown_channel", "unknown payment channel")
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	return &PaymentSignal{
		Channel:             c.Channel,
		SourceReference:     reference,
		RawPayload:          raw,
		NormalizedEnvelope:  raw,
		Method:              c.Channel,
		NormalizedReference: reference,
		ValueDate:           valueDate,
		AmountCents:         c.AmountCents,
		LoanID:              c.LoanID,
	}, nil
}
