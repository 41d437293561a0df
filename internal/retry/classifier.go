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
	"net"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/lib/pq"
)

// Kind is the two-way failure taxonomy every raw error collapses into.
// Permanent failures are never retried; transient ones are retried with
// backoff. Anything unclassified defaults to Transient so a misjudged error
// costs a redundant retry instead of silent loss.
type Kind string

const (
	Permanent Kind = "permanent"
	Transient Kind = "transient"
)

// Reason is the finer-grained classification underneath a Kind.
type Reason string

const (
	ReasonValidation       Reason = "validation"
	ReasonBusinessRule     Reason = "business_rule"
	ReasonNotFound         Reason = "not_found"
	ReasonMalformedMessage Reason = "malformed_message"

	ReasonDatabaseConnection  Reason = "database_connection"
	ReasonExternalService     Reason = "external_service"
	ReasonRateLimit           Reason = "rate_limit"
	ReasonTimeout             Reason = "timeout"
	ReasonResourceUnavailable Reason = "resource_unavailable"

	ReasonUnclassified Reason = "unclassified"
)

// ClassifiedError carries an explicit kind and reason set by the layer that
// raised it. Lower layers should prefer raising these over bare errors so the
// classifier never has to fall back to message-text matching.
type ClassifiedError struct {
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Kind, e.Reason, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// PermanentError wraps err as a permanent failure with the given reason.
func PermanentError(reason Reason, err error) error {
	return &ClassifiedError{Kind: Permanent, Reason: reason, Err: err}
}

// TransientError wraps err as a transient failure with the given reason.
func TransientError(reason Reason, err error) error {
	return &ClassifiedError{Kind: Transient, Reason: reason, Err: err}
}

// permanentPatterns and transientPatterns are the message-text fallback used
// only when no structured classification is available.
var permanentPatterns = []string{
	"validation",
	"invalid",
	"malformed",
	"not found",
	"no such",
	"business rule",
	"duplicate key",
	"unique constraint",
	"permission denied",
	"unauthorized",
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"service unavailable",
	"eof",
}

// Classify maps any failure to its Kind and Reason. Structured error shapes
// are checked first; message-text patterns are the last resort.
func Classify(err error) (Kind, Reason) {
	if err == nil {
		return Transient, ReasonUnclassified
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind, classified.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient, ReasonTimeout
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Permanent, ReasonNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Transient, ReasonDatabaseConnection
	}

	var validationErrs validation.Errors
	var validationErr validation.Error
	if errors.As(err, &validationErrs) || errors.As(err, &validationErr) {
		return Permanent, ReasonValidation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient, ReasonTimeout
		}
		return Transient, ReasonExternalService
	}

	return classifyText(err.Error())
}

// IsPermanent reports whether err classifies as a permanent failure.
func IsPermanent(err error) bool {
	kind, _ := Classify(err)
	return kind == Permanent
}

// classifyPostgres maps postgres error classes onto the taxonomy. Class 08 is
// connection trouble, 23 integrity violations, 40001 serialization, 53
// resource exhaustion, 57014 statement timeout.
func classifyPostgres(pqErr *pq.Error) (Kind, Reason) {
	code := string(pqErr.Code)
	switch {
	case strings.HasPrefix(code, "08"):
		return Transient, ReasonDatabaseConnection
	case strings.HasPrefix(code, "23"):
		return Permanent, ReasonBusinessRule
	case code == "40001" || code == "40P01":
		return Transient, ReasonResourceUnavailable
	case strings.HasPrefix(code, "53"):
		return Transient, ReasonResourceUnavailable
	case code == "57014":
		return Transient, ReasonTimeout
	case strings.HasPrefix(code, "22"):
		return Permanent, ReasonValidation
	}
	return Transient, ReasonDatabaseConnection
}

func classifyText(msg string) (Kind, Reason) {
	lower := strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return Transient, reasonForTransientPattern(pattern)
		}
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(lower, pattern) {
			return Permanent, reasonForPermanentPattern(pattern)
		}
	}
	return Transient, ReasonUnclassified
}

func reasonForTransientPattern(pattern string) Reason {
	switch pattern {
	case "timeout", "timed out":
		return ReasonTimeout
	case "too many requests", "rate limit":
		return ReasonRateLimit
	case "temporarily unavailable", "service unavailable":
		return ReasonResourceUnavailable
	}
	return ReasonExternalService
}

func reasonForPermanentPattern(pattern string) Reason {
	switch pattern {
	case "not found", "no such":
		return ReasonNotFound
	case "malformed":
		return ReasonMalformedMessage
	case "business rule", "duplicate key", "unique constraint":
		return ReasonBusinessRule
	}
	return ReasonValidation
}
