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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/database/mocks"
	"github.com/paylinehq/payline/model"
)

// reconDate is 2024-06-14 UTC, used across the reconciliation tests.
var reconDate = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

func singleChannelConfig(channel string) {
	mockTestConfig(func(cnf *config.Configuration) {
		cnf.Reconciliation.Channels = []string{channel}
	})
}

func expectStagingTx(t *testing.T, mockDS *mocks.MockDataSource) {
	t.Helper()
	db, smock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	smock.ExpectBegin()
	smock.ExpectCommit()
	tx, err := db.Begin()
	assert.NoError(t, err)
	mockDS.On("BeginTx", mock.Anything).Return(tx, nil).Once()
}

// A $50 shortfall between the bank's settlement and the system-of-record
// yields one variance result, one exception case, and a staged discrepancy
// event plus a backfill request for the reference only the bank settled.
func TestRunDailyReconciliation_VarianceRaisesOneException(t *testing.T) {
	singleChannelConfig("ach")
	mockDS := new(mocks.MockDataSource)
	settlement := &fakeSettlementSource{summaries: map[string]*model.SettlementSummary{
		"ach": {
			Date:    reconDate,
			Credits: decimal.NewFromInt(10000),
			Debits:  decimal.Zero,
			Transactions: []model.SettlementTransaction{
				{ID: "stx_1", Reference: "ach-ref-1", Amount: decimal.NewFromInt(9950), Type: "credit"},
				{ID: "stx_2", Reference: "ach-ref-2", Amount: decimal.NewFromInt(50), Type: "credit"},
			},
		},
	}}
	payline := &Payline{datasource: mockDS, settlement: settlement}

	mockDS.On("GetCompletedPaymentTotal", mock.Anything, "ach", reconDate).Return(&model.SorDayTotal{
		Total:      decimal.NewFromInt(9950),
		References: []string{"ach-ref-1"},
	}, nil).Once()
	mockDS.On("UpsertReconciliationResult", mock.Anything, mock.MatchedBy(func(r *model.ReconciliationResult) bool {
		return r.Status == model.ReconciliationVariance &&
			r.Variance.Equal(decimal.NewFromInt(50)) &&
			r.BankTotal.Equal(decimal.NewFromInt(10000)) &&
			r.SorTotal.Equal(decimal.NewFromInt(9950))
	})).Return(nil).Once()
	mockDS.On("RecordExceptionCase", mock.Anything, mock.MatchedBy(func(e *model.ExceptionCase) bool {
		return e.Category == model.ExceptionReconciliationVariance &&
			e.Severity == model.SeverityWarning &&
			e.ResourceRef == "ach:2024-06-14"
	})).Return(nil).Once()
	expectStagingTx(t, mockDS)
	mockDS.On("CreateOutboxMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(m *model.OutboxMessage) bool {
		return m.EventType == "reconciliation.reconciled.discrepancy" &&
			m.AggregateID == "ach:2024-06-14"
	})).Return(nil).Once()
	mockDS.On("CreateOutboxMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(m *model.OutboxMessage) bool {
		return m.EventType == "reconciliation.backfill.requested"
	})).Return(nil).Once()

	results, err := payline.RunDailyReconciliation(context.Background(), reconDate)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, model.ReconciliationVariance, results[0].Status)
	assert.Equal(t, "50.00", results[0].Variance.StringFixed(2))
	assert.Equal(t, []string{"ach-ref-2"}, results[0].MissingIdentifiers)
	assert.Empty(t, results[0].ExcessIdentifiers)
	mockDS.AssertExpectations(t)
}

func TestRunDailyReconciliation_BalancedWithinTolerance(t *testing.T) {
	singleChannelConfig("wire")
	mockDS := new(mocks.MockDataSource)
	settlement := &fakeSettlementSource{summaries: map[string]*model.SettlementSummary{
		"wire": {
			Date:    reconDate,
			Credits: decimal.RequireFromString("1500.005"),
			Debits:  decimal.Zero,
		},
	}}
	payline := &Payline{datasource: mockDS, settlement: settlement}

	mockDS.On("GetCompletedPaymentTotal", mock.Anything, "wire", reconDate).Return(&model.SorDayTotal{
		Total: decimal.NewFromInt(1500),
	}, nil).Once()
	mockDS.On("UpsertReconciliationResult", mock.Anything, mock.MatchedBy(func(r *model.ReconciliationResult) bool {
		return r.Status == model.ReconciliationBalanced
	})).Return(nil).Once()
	expectStagingTx(t, mockDS)
	mockDS.On("CreateOutboxMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(m *model.OutboxMessage) bool {
		return m.EventType == "reconciliation.reconciled.ok"
	})).Return(nil).Once()

	results, err := payline.RunDailyReconciliation(context.Background(), reconDate)
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, model.ReconciliationBalanced, results[0].Status)
	mockDS.AssertNotCalled(t, "RecordExceptionCase", mock.Anything, mock.Anything)
	mockDS.AssertExpectations(t)
}

// One channel's bank fetch failing must not stop the others: the failed
// channel raises a critical exception and the run carries on.
func TestRunDailyReconciliation_FetchFailureIsolatedPerChannel(t *testing.T) {
	mockTestConfig(func(cnf *config.Configuration) {
		cnf.Reconciliation.Channels = []string{"ach", "wire"}
	})
	mockDS := new(mocks.MockDataSource)
	settlement := &fakeSettlementSource{
		fail: map[string]error{"ach": fmt.Errorf("bank gateway timeout")},
		summaries: map[string]*model.SettlementSummary{
			"wire": {Date: reconDate, Credits: decimal.NewFromInt(200)},
		},
	}
	payline := &Payline{datasource: mockDS, settlement: settlement}

	mockDS.On("RecordExceptionCase", mock.Anything, mock.MatchedBy(func(e *model.ExceptionCase) bool {
		return e.Category == model.ExceptionBankFetchFailure &&
			e.Severity == model.SeverityCritical &&
			e.ResourceRef == "ach:2024-06-14"
	})).Return(nil).Once()
	mockDS.On("GetCompletedPaymentTotal", mock.Anything, "wire", reconDate).Return(&model.SorDayTotal{
		Total: decimal.NewFromInt(200),
	}, nil).Once()
	mockDS.On("UpsertReconciliationResult", mock.Anything, mock.Anything).Return(nil).Once()
	expectStagingTx(t, mockDS)
	mockDS.On("CreateOutboxMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	results, err := payline.RunDailyReconciliation(context.Background(), reconDate)
	assert.NoError(t, err, "a single channel failure does not fail the run")
	assert.Len(t, results, 1)
	assert.Equal(t, "wire", results[0].Channel)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "GetCompletedPaymentTotal", mock.Anything, "ach", mock.Anything)
}

func TestVarianceSeverityThresholds(t *testing.T) {
	mockTestConfig(nil)
	cfg, err := config.Fetch()
	assert.NoError(t, err)

	tests := []struct {
		variance string
		severity string
	}{
		{"50.00", model.SeverityWarning},
		{"-50.00", model.SeverityWarning},
		{"100.00", model.SeverityHigh},
		{"9999.99", model.SeverityHigh},
		{"10000.00", model.SeverityCritical},
		{"-25000.00", model.SeverityCritical},
	}
	for _, tt := range tests {
		got := varianceSeverity(decimal.RequireFromString(tt.variance), cfg)
		assert.Equal(t, tt.severity, got, "variance %s", tt.variance)
	}
}

func TestPartitionReferences(t *testing.T) {
	summary := &model.SettlementSummary{Transactions: []model.SettlementTransaction{
		{Reference: "a"}, {Reference: "b"}, {Reference: "c"},
	}}
	sor := &model.SorDayTotal{References: []string{"b", "c", "d"}}

	missing, excess := partitionReferences(summary, sor)
	assert.Equal(t, []string{"a"}, missing)
	assert.Equal(t, []string{"d"}, excess)
}

func TestRunDailyReconciliation_TruncatesDateToUTCDay(t *testing.T) {
	singleChannelConfig("ach")
	mockDS := new(mocks.MockDataSource)
	settlement := &fakeSettlementSource{summaries: map[string]*model.SettlementSummary{
		"ach": {Date: reconDate},
	}}
	payline := &Payline{datasource: mockDS, settlement: settlement}

	mockDS.On("GetCompletedPaymentTotal", mock.Anything, "ach", reconDate).Return(&model.SorDayTotal{}, nil).Once()
	mockDS.On("UpsertReconciliationResult", mock.Anything, mock.Anything).Return(nil).Once()
	expectStagingTx(t, mockDS)
	mockDS.On("CreateOutboxMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	midday := time.Date(2024, 6, 14, 15, 42, 7, 0, time.UTC)
	_, err := payline.RunDailyReconciliation(context.Background(), midday)
	assert.NoError(t, err)
	mockDS.AssertExpectations(t)
}
