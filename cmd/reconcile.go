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

package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
)

// reconcileCommands defines the "reconcile" command for running a
// reconciliation synchronously from the CLI, bypassing the task queue.
// Useful for backfills and for re-running a date after remediation.
func reconcileCommands(p *paylineInstance) *cobra.Command {
	var dateFlag string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "run reconciliation for one settlement date",
		Run: func(cmd *cobra.Command, args []string) {
			date := time.Now().UTC().AddDate(0, 0, -1)
			if dateFlag != "" {
				parsed, err := time.Parse("2006-01-02", dateFlag)
				if err != nil {
					log.Fatalf("invalid --date %q, want YYYY-MM-DD", dateFlag)
				}
				date = parsed
			}

			results, err := p.payline.RunDailyReconciliation(context.Background(), date)
			if err != nil {
				log.Fatal(err)
			}

			for _, result := range results {
				log.Printf(" [*] %s %s: %s (variance %s)",
					result.Channel, result.PeriodStart.Format("2006-01-02"),
					result.Status, result.Variance.StringFixed(2))
			}
		},
	}

	cmd.Flags().StringVar(&dateFlag, "date", "", "settlement date to reconcile (YYYY-MM-DD), defaults to yesterday")

	return cmd
}
