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
	"encoding/json"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/paylinehq/payline/config"
	redis_db "github.com/paylinehq/payline/internal/redis-db"
)

// Task type names handled by the worker process.
const (
	TaskReconciliationRun    = "reconciliation:run"
	TaskReconciliationHourly = "reconciliation:hourly"
	TaskOutboxSweep          = "outbox:sweep"
)

// ReconciliationTaskPayload carries the settlement date a reconciliation
// task should cover.
type ReconciliationTaskPayload struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// Queue wraps the redis task queue used for scheduled and operator-triggered
// background work. Domain events go through the broker, not here.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueReconciliationRun enqueues one reconciliation task for a settlement
// date. The task id embeds the date so double triggers for the same day
// collapse to one task; the daily job itself is an upsert, so even a
// duplicate run stays harmless.
func (q *Queue) queueReconciliationRun(date time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ReconciliationTaskPayload{Date: date.UTC().Format("2006-01-02")})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID("reconciliation_" + date.UTC().Format("2006-01-02")),
		asynq.Queue(cfg.Queue.ReconciliationQueue),
		asynq.MaxRetry(3),
	}
	task := asynq.NewTask(TaskReconciliationRun, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued reconciliation run: %s", date.Format("2006-01-02"))
	return nil
}

// Close releases the queue client.
func (q *Queue) Close() {
	if q.Client != nil {
		_ = q.Client.Close()
	}
}
