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
	"time"

	"github.com/shopspring/decimal"
)

// Reconciliation outcome statuses.
const (
	ReconciliationBalanced = "balanced"
	ReconciliationVariance = "variance"
)

// Exception case states and severities.
const (
	ExceptionStateOpen      = "open"
	ExceptionStateResolved  = "resolved"
	ExceptionStateEscalated = "escalated"

	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Exception categories raised by the pipeline.
const (
	ExceptionReconciliationVariance = "reconciliation_variance"
	ExceptionBankFetchFailure       = "bank_fetch_failure"
	ExceptionOutboxExhausted        = "outbox_exhausted"
)

// ReconciliationResult is the persisted comparison of bank settlement truth
// against the system-of-record for one channel and one day. Keyed by
// (channel, period_start) so re-runs upsert rather than duplicate.
type ReconciliationResult struct {
	ID                 int64           `json:"-"`
	Channel            string          `json:"channel"`
	PeriodStart        time.Time       `json:"period_start"`
	BankTotal          decimal.Decimal `json:"bank_total"`
	SorTotal           decimal.Decimal `json:"sor_total"`
	Variance           decimal.Decimal `json:"variance"`
	Status             string          `json:"status"`
	MissingIdentifiers []string        `json:"missing_identifiers"`
	ExcessIdentifiers  []string        `json:"excess_identifiers"`
	CompletedAt        time.Time       `json:"completed_at"`
}

// ExceptionCase is the pipeline's human-facing error channel. Variances,
// exhausted outbox rows and bank fetch failures all land here rather than in
// log lines.
type ExceptionCase struct {
	ID          int64      `json:"-"`
	CaseID      string     `json:"case_id"`
	Category    string     `json:"category"`
	Severity    string     `json:"severity"`
	State       string     `json:"state"`
	ResourceRef string     `json:"resource_ref"`
	Summary     string     `json:"summary"`
	Remediation string     `json:"remediation"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// SettlementSummary is the bank's view of one settlement day, read through
// the banking collaborator. Vendor REST semantics stay behind that port.
type SettlementSummary struct {
	Date             time.Time               `json:"date"`
	Credits          decimal.Decimal         `json:"credits"`
	Debits           decimal.Decimal         `json:"debits"`
	TransactionCount int                     `json:"transactionCount"`
	Transactions     []SettlementTransaction `json:"transactions"`
}

// SettlementTransaction is one entry on the bank's settlement report.
type SettlementTransaction struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      string          `json:"type"`
	Reference string          `json:"reference"`
}

// SorDayTotal is the system-of-record's completed-payment total and reference
// set for one channel and day.
type SorDayTotal struct {
	Total      decimal.Decimal `json:"total"`
	References []string        `json:"references"`
}

// ValidExceptionTransition reports whether an exception case may move between
// the two states. Open cases can resolve or escalate; escalated cases can
// still resolve.
func ValidExceptionTransition(from, to string) bool {
	switch from {
	case ExceptionStateOpen:
		return to == ExceptionStateResolved || to == ExceptionStateEscalated
	case ExceptionStateEscalated:
		return to == ExceptionStateResolved
	default:
		return false
	}
}
