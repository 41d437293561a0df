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
package bank

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/paylinehq/payline/internal/retry"
)

var summaryDate = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

func newTestSource(t *testing.T) *HTTPSettlementSource {
	t.Helper()
	source := NewHTTPSettlementSource("https://bank.example.com", "test-key", 5)
	httpmock.ActivateNonDefault(source.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return source
}

func TestFetchSettlementSummary_DecodesReport(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/ach/2024-06-14",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{
				"date": "2024-06-14T00:00:00Z",
				"credits": "10000.00",
				"debits": "50.00",
				"transactionCount": 2,
				"transactions": [
					{"id": "stx_1", "amount": "9950.00", "type": "credit", "reference": "ach-ref-1"},
					{"id": "stx_2", "amount": "100.00", "type": "credit", "reference": "ach-ref-2"}
				]
			}`), nil
		})

	summary, err := source.FetchSettlementSummary(context.Background(), "ach", summaryDate)
	assert.NoError(t, err)
	assert.Equal(t, "10000.00", summary.Credits.StringFixed(2))
	assert.Equal(t, "50.00", summary.Debits.StringFixed(2))
	assert.Len(t, summary.Transactions, 2)
	assert.Equal(t, "ach-ref-1", summary.Transactions[0].Reference)
}

func TestFetchSettlementSummary_MissingReportIsPermanent(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/ach/2024-06-14",
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":"no report"}`))

	_, err := source.FetchSettlementSummary(context.Background(), "ach", summaryDate)
	assert.Error(t, err)
	assert.True(t, retry.IsPermanent(err), "a missing report cannot be conjured by retrying")
	_, reason := retry.Classify(err)
	assert.Equal(t, retry.ReasonNotFound, reason)
}

func TestFetchSettlementSummary_RateLimitIsTransient(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/ach/2024-06-14",
		httpmock.NewStringResponder(http.StatusTooManyRequests, `{"error":"slow down"}`))

	_, err := source.FetchSettlementSummary(context.Background(), "ach", summaryDate)
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	_, reason := retry.Classify(err)
	assert.Equal(t, retry.ReasonRateLimit, reason)
}

func TestFetchSettlementSummary_ServerErrorIsTransient(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/wire/2024-06-14",
		httpmock.NewStringResponder(http.StatusBadGateway, `{"error":"upstream"}`))

	_, err := source.FetchSettlementSummary(context.Background(), "wire", summaryDate)
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestFetchSettlementSummary_ClientErrorIsPermanent(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/card/2024-06-14",
		httpmock.NewStringResponder(http.StatusForbidden, `{"error":"bad credentials"}`))

	_, err := source.FetchSettlementSummary(context.Background(), "card", summaryDate)
	assert.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestFetchSettlementSummary_TransportFailureIsTransient(t *testing.T) {
	source := newTestSource(t)
	httpmock.RegisterResponder(http.MethodGet, "https://bank.example.com/settlements/ach/2024-06-14",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := source.FetchSettlementSummary(context.Background(), "ach", summaryDate)
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	_, reason := retry.Classify(err)
	assert.Equal(t, retry.ReasonExternalService, reason)
}
