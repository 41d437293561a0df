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
package mocks

import (
	"context"
	"database/sql"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/paylinehq/payline/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Ingestion methods

func (m *MockDataSource) RecordIngestion(ctx context.Context, record *model.IngestionRecord) (*model.IngestionRecord, error) {
	args := m.Called(ctx, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IngestionRecord), args.Error(1)
}

func (m *MockDataSource) GetIngestionByKey(ctx context.Context, idempotencyKey string) (*model.IngestionRecord, error) {
	args := m.Called(ctx, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IngestionRecord), args.Error(1)
}

func (m *MockDataSource) GetIngestionByID(ctx context.Context, ingestionID string) (*model.IngestionRecord, error) {
	args := m.Called(ctx, ingestionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IngestionRecord), args.Error(1)
}

func (m *MockDataSource) UpdateIngestionStatus(ctx context.Context, ingestionID string, status string) error {
	args := m.Called(ctx, ingestionID, status)
	return args.Error(0)
}

// Payment methods

func (m *MockDataSource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sql.Tx), args.Error(1)
}

func (m *MockDataSource) RecordPayment(ctx context.Context, tx *sql.Tx, payment *model.Payment) error {
	args := m.Called(ctx, tx, payment)
	return args.Error(0)
}

func (m *MockDataSource) GetCompletedPaymentTotal(ctx context.Context, channel string, periodStart time.Time) (*model.SorDayTotal, error) {
	args := m.Called(ctx, channel, periodStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SorDayTotal), args.Error(1)
}

// Outbox methods

func (m *MockDataSource) CreateOutboxMessage(ctx context.Context, tx *sql.Tx, message *model.OutboxMessage) error {
	args := m.Called(ctx, tx, message)
	return args.Error(0)
}

func (m *MockDataSource) PollUnpublishedMessages(ctx context.Context, limit, attemptCeiling int) ([]*model.OutboxMessage, error) {
	args := m.Called(ctx, limit, attemptCeiling)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OutboxMessage), args.Error(1)
}

func (m *MockDataSource) MarkOutboxPublished(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) RecordOutboxFailure(ctx context.Context, id int64, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *MockDataSource) DeletePublishedOutboxMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

// Inbox methods

func (m *MockDataSource) InboxProcessed(ctx context.Context, consumer, messageID string) (bool, error) {
	args := m.Called(ctx, consumer, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ExecuteInboxed(ctx context.Context, consumer, messageID string, fn func(tx *sql.Tx) ([]byte, error)) (*model.InboxRecord, bool, error) {
	args := m.Called(ctx, consumer, messageID, fn)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.InboxRecord), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetInboxRecord(ctx context.Context, consumer, messageID string) (*model.InboxRecord, error) {
	args := m.Called(ctx, consumer, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InboxRecord), args.Error(1)
}

// Reconciliation methods

func (m *MockDataSource) UpsertReconciliationResult(ctx context.Context, result *model.ReconciliationResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockDataSource) GetReconciliationResult(ctx context.Context, channel string, periodStart time.Time) (*model.ReconciliationResult, error) {
	args := m.Called(ctx, channel, periodStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationResult), args.Error(1)
}

func (m *MockDataSource) RecordExceptionCase(ctx context.Context, exception *model.ExceptionCase) error {
	args := m.Called(ctx, exception)
	return args.Error(0)
}

func (m *MockDataSource) UpdateExceptionState(ctx context.Context, caseID string, state string) error {
	args := m.Called(ctx, caseID, state)
	return args.Error(0)
}

func (m *MockDataSource) GetExceptionCases(ctx context.Context, state string, limit int) ([]*model.ExceptionCase, error) {
	args := m.Called(ctx, state, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ExceptionCase), args.Error(1)
}
