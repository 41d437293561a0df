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
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 60000 * time.Millisecond
	defaultStateTTL    = time.Hour
)

// Delay computes the backoff for a given attempt:
// min(base*2^attempt + jitter(0,1000ms), cap). Attempt counting starts at 0.
func Delay(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > limit {
		delay = limit
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	if delay+jitter > limit {
		return limit
	}
	return delay + jitter
}

type retryState struct {
	attempts    int
	lastAttempt time.Time
}

// Tracker counts delivery attempts per message id in process memory.
// Counters here are correct for a single-instance deployment; under
// horizontal scaling a redelivery landing on another instance under-counts,
// and the durable attempt_count on the outbox row is the ceiling that holds.
type Tracker struct {
	mu          sync.Mutex
	states      map[string]*retryState
	maxAttempts int
	stateTTL    time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewTracker builds a tracker with the given attempt ceiling and state TTL,
// starting a background sweep that evicts entries idle past the TTL.
func NewTracker(maxAttempts int, stateTTL, sweepInterval time.Duration) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	t := &Tracker{
		states:      make(map[string]*retryState),
		maxAttempts: maxAttempts,
		stateTTL:    stateTTL,
		stop:        make(chan struct{}),
	}
	if sweepInterval > 0 {
		go t.sweepLoop(sweepInterval)
	}
	return t
}

// ShouldRetry decides whether a failed message should be redelivered. A
// permanent error is never retried regardless of attempt count; a transient
// one is retried until the ceiling, incrementing the counter as a side
// effect.
func (t *Tracker) ShouldRetry(id string, err error) bool {
	if IsPermanent(err) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[id]
	if !ok {
		state = &retryState{}
		t.states[id] = state
	}
	if state.attempts >= t.maxAttempts {
		return false
	}
	state.attempts++
	state.lastAttempt = time.Now()
	return true
}

// Attempts returns the recorded attempt count for a message id.
func (t *Tracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[id]; ok {
		return state.attempts
	}
	return 0
}

// Clear drops the retry state for a message id on a terminal outcome.
func (t *Tracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// Close stops the background sweep.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, state := range t.states {
		if now.Sub(state.lastAttempt) > t.stateTTL {
			delete(t.states, id)
		}
	}
}
