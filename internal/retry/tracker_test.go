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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	limit := 5 * time.Second

	prevFloor := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		delay := Delay(attempt, base, limit)
		floor := base << uint(attempt)
		if floor > limit {
			floor = limit
		}
		assert.GreaterOrEqual(t, delay, floor, "attempt %d below backoff floor", attempt)
		assert.LessOrEqual(t, delay, limit, "attempt %d above cap", attempt)
		assert.GreaterOrEqual(t, floor, prevFloor, "floor must not shrink")
		prevFloor = floor
	}

	// Far past the cap the delay pins to the cap exactly.
	assert.Equal(t, limit, Delay(40, base, limit))
}

func TestDelay_DefaultsOnZeroInputs(t *testing.T) {
	delay := Delay(0, 0, 0)
	assert.GreaterOrEqual(t, delay, DefaultBaseDelay)
	assert.LessOrEqual(t, delay, DefaultMaxDelay)
}

func TestTracker_RetriesUntilCeiling(t *testing.T) {
	tracker := NewTracker(3, time.Hour, 0)
	defer tracker.Close()

	err := errors.New("temporarily unavailable")
	assert.True(t, tracker.ShouldRetry("msg-1", err))
	assert.True(t, tracker.ShouldRetry("msg-1", err))
	assert.True(t, tracker.ShouldRetry("msg-1", err))
	assert.False(t, tracker.ShouldRetry("msg-1", err), "fourth attempt exceeds ceiling")
	assert.Equal(t, 3, tracker.Attempts("msg-1"))
}

func TestTracker_PermanentNeverRetries(t *testing.T) {
	tracker := NewTracker(5, time.Hour, 0)
	defer tracker.Close()

	err := PermanentError(ReasonValidation, errors.New("bad payload"))
	assert.False(t, tracker.ShouldRetry("msg-2", err))
	assert.Equal(t, 0, tracker.Attempts("msg-2"), "permanent failures must not consume attempts")
}

func TestTracker_ClearResetsState(t *testing.T) {
	tracker := NewTracker(2, time.Hour, 0)
	defer tracker.Close()

	err := errors.New("connection reset")
	assert.True(t, tracker.ShouldRetry("msg-3", err))
	assert.True(t, tracker.ShouldRetry("msg-3", err))
	assert.False(t, tracker.ShouldRetry("msg-3", err))

	tracker.Clear("msg-3")
	assert.Equal(t, 0, tracker.Attempts("msg-3"))
	assert.True(t, tracker.ShouldRetry("msg-3", err), "cleared id starts a fresh budget")
}

func TestTracker_IndependentPerMessage(t *testing.T) {
	tracker := NewTracker(1, time.Hour, 0)
	defer tracker.Close()

	err := errors.New("broken pipe")
	assert.True(t, tracker.ShouldRetry("msg-a", err))
	assert.True(t, tracker.ShouldRetry("msg-b", err), "budgets are per message id")
	assert.False(t, tracker.ShouldRetry("msg-a", err))
}

func TestTracker_SweepEvictsIdleState(t *testing.T) {
	tracker := NewTracker(5, 10*time.Millisecond, 0)
	defer tracker.Close()

	assert.True(t, tracker.ShouldRetry("msg-4", errors.New("timeout")))
	assert.Equal(t, 1, tracker.Attempts("msg-4"))

	time.Sleep(20 * time.Millisecond)
	tracker.sweep(time.Now())
	assert.Equal(t, 0, tracker.Attempts("msg-4"))
}
