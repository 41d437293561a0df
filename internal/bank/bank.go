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

// Package bank is the narrow read-only port onto the banking API
// collaborator. Vendor REST semantics stay on the other side of this
// interface; the reconciler only ever sees settlement summaries.
package bank

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/paylinehq/payline/internal/request"
	"github.com/paylinehq/payline/internal/retry"
	"github.com/paylinehq/payline/model"
)

// SettlementSource fetches the bank's settlement summary for one channel and
// day.
type SettlementSource interface {
	FetchSettlementSummary(ctx context.Context, channel string, date time.Time) (*model.SettlementSummary, error)
}

// HTTPSettlementSource reads settlement summaries from the banking API over
// HTTP.
type HTTPSettlementSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSettlementSource builds a settlement source against the given base
// URL with a bounded request timeout.
func NewHTTPSettlementSource(baseURL, apiKey string, timeoutSeconds int) *HTTPSettlementSource {
	return &HTTPSettlementSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  request.NewTimeoutClient(timeoutSeconds),
	}
}

// FetchSettlementSummary retrieves one channel/day summary. Transport and
// server-side failures come back transient; a 404 for the day is permanent
// (the bank has no report, retrying will not conjure one).
func (s *HTTPSettlementSource) FetchSettlementSummary(ctx context.Context, channel string, date time.Time) (*model.SettlementSummary, error) {
	url := fmt.Sprintf("%s/settlements/%s/%s", s.baseURL, channel, date.UTC().Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))

	var summary model.SettlementSummary
	resp, err := request.CallWithClient(s.client, req, &summary)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, retry.PermanentError(retry.ReasonNotFound, fmt.Errorf("no settlement report for %s on %s", channel, date.Format("2006-01-02")))
		}
		return nil, retry.TransientError(retry.ReasonExternalService, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.PermanentError(retry.ReasonNotFound, fmt.Errorf("no settlement report for %s on %s", channel, date.Format("2006-01-02")))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.TransientError(retry.ReasonRateLimit, fmt.Errorf("banking API rate limited"))
	case resp.StatusCode >= 500:
		return nil, retry.TransientError(retry.ReasonExternalService, fmt.Errorf("banking API returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, retry.PermanentError(retry.ReasonValidation, fmt.Errorf("banking API rejected request with %d", resp.StatusCode))
	}

	return &summary, nil
}
