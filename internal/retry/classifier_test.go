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

package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify_ClassifiedErrorWins(t *testing.T) {
	err := PermanentError(ReasonBusinessRule, errors.New("loan is closed"))
	kind, reason := Classify(err)
	assert.Equal(t, Permanent, kind)
	assert.Equal(t, ReasonBusinessRule, reason)

	wrapped := fmt.Errorf("processing payment: %w", err)
	kind, reason = Classify(wrapped)
	assert.Equal(t, Permanent, kind)
	assert.Equal(t, ReasonBusinessRule, reason)
}

func TestClassify_ContextDeadline(t *testing.T) {
	kind, reason := Classify(context.DeadlineExceeded)
	assert.Equal(t, Transient, kind)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestClassify_SQLSentinels(t *testing.T) {
	kind, reason := Classify(sql.ErrNoRows)
	assert.Equal(t, Permanent, kind)
	assert.Equal(t, ReasonNotFound, reason)

	kind, reason = Classify(sql.ErrConnDone)
	assert.Equal(t, Transient, kind)
	assert.Equal(t, ReasonDatabaseConnection, reason)
}

func TestClassify_ValidationErrors(t *testing.T) {
	err := validation.Errors{"amount": validation.NewError("validation_required", "cannot be blank")}
	kind, reason := Classify(err)
	assert.Equal(t, Permanent, kind)
	assert.Equal(t, ReasonValidation, reason)
}

func TestClassify_PostgresCodes(t *testing.T) {
	tests := []struct {
		code   string
		kind   Kind
		reason Reason
	}{
		{"08006", Transient, ReasonDatabaseConnection},
		{"23505", Permanent, ReasonBusinessRule},
		{"40001", Transient, ReasonResourceUnavailable},
		{"53300", Transient, ReasonResourceUnavailable},
		{"57014", Transient, ReasonTimeout},
		{"22P02", Permanent, ReasonValidation},
	}
	for _, tt := range tests {
		kind, reason := Classify(&pq.Error{Code: pq.ErrorCode(tt.code)})
		assert.Equal(t, tt.kind, kind, "code %s", tt.code)
		assert.Equal(t, tt.reason, reason, "code %s", tt.code)
	}
}

func TestClassify_TextPatternsAreLastResort(t *testing.T) {
	kind, reason := Classify(errors.New("dial tcp 10.0.0.1:5672: connection refused"))
	assert.Equal(t, Transient, kind)
	assert.Equal(t, ReasonExternalService, reason)
}

func TestClassify_UnknownDefaultsTransient(t *testing.T) {
	kind, reason := Classify(errors.New("something entirely novel went wrong"))
	assert.Equal(t, Transient, kind)
	assert.Equal(t, ReasonUnclassified, reason)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(PermanentError(ReasonValidation, errors.New("bad amount"))))
	assert.False(t, IsPermanent(TransientError(ReasonRateLimit, errors.New("429"))))
	assert.False(t, IsPermanent(errors.New("unknown failure")))
}
