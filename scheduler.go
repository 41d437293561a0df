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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/config"
)

// RunScheduledReconciliation is the hourly tick. It enqueues a run for the
// previous settlement day when the current hour matches the configured run
// hour; every other hour it is a no-op. The enqueue carries a per-date task
// id, so a restarted scheduler ticking twice in the same hour still produces
// exactly one run.
func (p *Payline) RunScheduledReconciliation(ctx context.Context) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if now.Hour() != cfg.Reconciliation.RunHour {
		return nil
	}

	settlementDate := now.AddDate(0, 0, -1)
	logrus.Infof("scheduling reconciliation for %s", settlementDate.Format("2006-01-02"))
	return p.queue.queueReconciliationRun(settlementDate)
}

// TriggerReconciliation enqueues an out-of-band run for one settlement date.
// Used for manual re-runs after a variance has been remediated.
func (p *Payline) TriggerReconciliation(date time.Time) error {
	return p.queue.queueReconciliationRun(date)
}

// TriggerReconciliationRange enqueues a run per day across [start, end]
// inclusive. Dates are truncated to UTC days.
func (p *Payline) TriggerReconciliationRange(start, end time.Time) (int, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return 0, fmt.Errorf("invalid range: end %s before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	queued := 0
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		if err := p.queue.queueReconciliationRun(date); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}
