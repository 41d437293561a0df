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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/model"
)

const inboxCacheTTL = 24 * time.Hour

func inboxCacheKey(consumer, messageID string) string {
	return fmt.Sprintf("inbox:%s:%s", consumer, messageID)
}

// ProcessOnce runs fn at most once per (consumer, messageID) pair. The first
// delivery executes fn inside a database transaction and records a processed
// marker in the same commit. The atomicity covers side effects fn performs
// through the supplied tx: those cannot be split from the marker by a crash.
// A handler that mutates state outside the tx must be idempotent in its own
// right, since a crash before the marker commits replays it on redelivery.
// Redeliveries of any kind, including two consumers racing on the same
// message, skip fn and report processed.
//
// The returned bool is true when fn actually ran on this call.
func (p *Payline) ProcessOnce(ctx context.Context, consumer, messageID string, fn func(tx *sql.Tx) ([]byte, error)) (*model.InboxRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "Guarding message processing")
	defer span.End()

	// Cheap pre-checks: the cache first, then an untransacted index lookup.
	// Both are advisory; the transactional insert below is the real guard.
	cacheKey := inboxCacheKey(consumer, messageID)
	var seen bool
	if err := p.cache.Get(ctx, cacheKey, &seen); err == nil && seen {
		record, err := p.datasource.GetInboxRecord(ctx, consumer, messageID)
		if err == nil && record != nil {
			return record, false, nil
		}
	}

	processed, err := p.datasource.InboxProcessed(ctx, consumer, messageID)
	if err != nil {
		return nil, false, err
	}
	if processed {
		p.markSeen(ctx, cacheKey)
		record, err := p.datasource.GetInboxRecord(ctx, consumer, messageID)
		if err != nil {
			return nil, false, err
		}
		return record, false, nil
	}

	record, ran, err := p.datasource.ExecuteInboxed(ctx, consumer, messageID, fn)
	if err != nil {
		return nil, false, err
	}
	p.markSeen(ctx, cacheKey)
	return record, ran, nil
}

func (p *Payline) markSeen(ctx context.Context, cacheKey string) {
	if err := p.cache.Set(ctx, cacheKey, true, inboxCacheTTL); err != nil {
		logrus.Debugf("inbox cache set failed for %s: %v", cacheKey, err)
	}
}
