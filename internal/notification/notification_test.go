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

package notification

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/paylinehq/payline/config"
)

func TestSlackNotification_PostsErrorBlocks(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		received <- body
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{Slack: config.SlackWebhook{WebhookUrl: server.URL}},
	})

	SlackNotification(errors.New("broker reconnect attempts exhausted"))

	select {
	case body := <-received:
		var payload struct {
			Blocks []map[string]interface{} `json:"blocks"`
		}
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.NotEmpty(t, payload.Blocks)
	case <-time.After(2 * time.Second):
		t.Fatal("slack webhook was never called")
	}
}

func TestNotifyError_SkipsSlackWithoutWebhook(t *testing.T) {
	config.MockConfig(&config.Configuration{})

	// Nothing to assert beyond not panicking: no webhook is configured, so
	// the error is only logged.
	NotifyError(errors.New("some transient failure"))
}
