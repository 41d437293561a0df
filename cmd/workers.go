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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/paylinehq/payline"
	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/internal/notification"
	redis_db "github.com/paylinehq/payline/internal/redis-db"
)

// processReconciliationRun executes one reconciliation task from the queue.
// Errors propagate so asynq retries the task with its own backoff.
func (p *paylineInstance) processReconciliationRun(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("payline.reconciliation.worker").Start(ctx, "Process Reconciliation From Queue")
	defer span.End()

	var payload payline.ReconciliationTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	date, err := time.Parse("2006-01-02", payload.Date)
	if err != nil {
		logrus.Error(err)
		return err
	}

	results, err := p.payline.RunDailyReconciliation(ctx, date)
	if err != nil {
		notification.NotifyError(fmt.Errorf("reconciliation run failed for %s: %w", payload.Date, err))
		return err
	}

	log.Printf(" [*] Reconciliation Completed for %s (%d channels)", payload.Date, len(results))
	return nil
}

// processHourlyTick runs the scheduler's hourly check. Outside the run hour
// it is a no-op.
func (p *paylineInstance) processHourlyTick(ctx context.Context, _ *asynq.Task) error {
	return p.payline.RunScheduledReconciliation(ctx)
}

// processOutboxSweep deletes published outbox rows past retention.
func (p *paylineInstance) processOutboxSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := p.payline.SweepPublishedOutbox(ctx)
	return err
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.ReconciliationQueue] = 3
	queues[cfg.Queue.MaintenanceQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(p *paylineInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(payline.TaskReconciliationRun, p.processReconciliationRun)
	mux.HandleFunc(payline.TaskReconciliationHourly, p.processHourlyTick)
	mux.HandleFunc(payline.TaskOutboxSweep, p.processOutboxSweep)
}

// initializeScheduler registers the periodic tasks: the hourly scheduler
// tick and the daily outbox retention sweep.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		&asynq.SchedulerOpts{Location: time.UTC},
	)

	if _, err := scheduler.Register("0 * * * *",
		asynq.NewTask(payline.TaskReconciliationHourly, nil),
		asynq.Queue(conf.Queue.ReconciliationQueue)); err != nil {
		return nil, err
	}
	if _, err := scheduler.Register("30 2 * * *",
		asynq.NewTask(payline.TaskOutboxSweep, nil),
		asynq.Queue(conf.Queue.MaintenanceQueue)); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// workerCommands defines the "workers" command. A worker process runs the
// task queue handlers, the periodic scheduler, the outbox publisher and the
// broker consumers in one process.
func workerCommands(p *paylineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start payline workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(p, mux)

			scheduler, err := initializeScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run scheduler: %v", err)
				}
			}()

			if err := p.payline.RegisterConsumers(); err != nil {
				log.Fatal(err)
			}
			go p.payline.PublisherLoop(ctx)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
