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

import "time"

// Payment statuses on the system-of-record ledger.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusReversed  = "reversed"
)

// Payment is the system-of-record ledger entry for one serviced payment. The
// reconciler compares the completed set against the bank's settlement report.
type Payment struct {
	ID          int64     `json:"-"`
	PaymentID   string    `json:"payment_id"`
	LoanID      int64     `json:"loan_id"`
	Channel     string    `json:"channel"`
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	ValueDate   time.Time `json:"value_date"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
