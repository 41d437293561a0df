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
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/paylinehq/payline/database/mocks"
	"github.com/paylinehq/payline/model"
)

func TestProcessOnce_FirstDeliveryExecutes(t *testing.T) {
	mockTestConfig(nil)
	mockDS := new(mocks.MockDataSource)
	cache := newFakeCache()
	payline := &Payline{datasource: mockDS, cache: cache}

	stored := &model.InboxRecord{Consumer: "payment-ingest", MessageID: "msg_1", ProcessedAt: time.Now()}
	mockDS.On("InboxProcessed", mock.Anything, "payment-ingest", "msg_1").Return(false, nil).Once()
	mockDS.On("ExecuteInboxed", mock.Anything, "payment-ingest", "msg_1", mock.Anything).Return(stored, true, nil).Once()

	record, ran, err := payline.ProcessOnce(context.Background(), "payment-ingest", "msg_1", func(_ *sql.Tx) ([]byte, error) {
		return []byte("result"), nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, stored, record)
	mockDS.AssertExpectations(t)

	// The marker is cached for the next redelivery.
	var seen bool
	assert.NoError(t, cache.Get(context.Background(), "inbox:payment-ingest:msg_1", &seen))
	assert.True(t, seen)
}

func TestProcessOnce_CachedRedeliverySkipsDatabaseIndex(t *testing.T) {
	mockTestConfig(nil)
	mockDS := new(mocks.MockDataSource)
	cache := newFakeCache()
	payline := &Payline{datasource: mockDS, cache: cache}

	assert.NoError(t, cache.Set(context.Background(), "inbox:payment-ingest:msg_2", true, time.Hour))
	stored := &model.InboxRecord{Consumer: "payment-ingest", MessageID: "msg_2"}
	mockDS.On("GetInboxRecord", mock.Anything, "payment-ingest", "msg_2").Return(stored, nil).Once()

	record, ran, err := payline.ProcessOnce(context.Background(), "payment-ingest", "msg_2", func(_ *sql.Tx) ([]byte, error) {
		t.Fatal("handler must not run on a redelivery")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, stored, record)
	mockDS.AssertNotCalled(t, "InboxProcessed", mock.Anything, mock.Anything, mock.Anything)
	mockDS.AssertNotCalled(t, "ExecuteInboxed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessOnce_ProcessedRowWithColdCache(t *testing.T) {
	mockTestConfig(nil)
	mockDS := new(mocks.MockDataSource)
	cache := newFakeCache()
	payline := &Payline{datasource: mockDS, cache: cache}

	stored := &model.InboxRecord{Consumer: "payment-ingest", MessageID: "msg_3"}
	mockDS.On("InboxProcessed", mock.Anything, "payment-ingest", "msg_3").Return(true, nil).Once()
	mockDS.On("GetInboxRecord", mock.Anything, "payment-ingest", "msg_3").Return(stored, nil).Once()

	record, ran, err := payline.ProcessOnce(context.Background(), "payment-ingest", "msg_3", func(_ *sql.Tx) ([]byte, error) {
		t.Fatal("handler must not run on a redelivery")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, stored, record)
	mockDS.AssertNotCalled(t, "ExecuteInboxed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// The cold cache is warmed back up.
	var seen bool
	assert.NoError(t, cache.Get(context.Background(), "inbox:payment-ingest:msg_3", &seen))
	assert.True(t, seen)
}

func TestProcessOnce_RaceLoserReportsNotRan(t *testing.T) {
	mockTestConfig(nil)
	mockDS := new(mocks.MockDataSource)
	cache := newFakeCache()
	payline := &Payline{datasource: mockDS, cache: cache}

	// The guard insert lost the race; the winner's record comes back with
	// executed=false.
	stored := &model.InboxRecord{Consumer: "payment-ingest", MessageID: "msg_4"}
	mockDS.On("InboxProcessed", mock.Anything, "payment-ingest", "msg_4").Return(false, nil).Once()
	mockDS.On("ExecuteInboxed", mock.Anything, "payment-ingest", "msg_4", mock.Anything).Return(stored, false, nil).Once()

	record, ran, err := payline.ProcessOnce(context.Background(), "payment-ingest", "msg_4", func(_ *sql.Tx) ([]byte, error) {
		return nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, stored, record)
	mockDS.AssertExpectations(t)
}
