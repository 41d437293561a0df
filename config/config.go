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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port      string `json:"port" envconfig:"PAYLINE_SERVER_PORT"`
	Secure    bool   `json:"secure" envconfig:"PAYLINE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PAYLINE_SERVER_SECRET_KEY"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYLINE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"PAYLINE_REDIS_DNS"`
}

// BrokerConfig describes the AMQP broker the pipeline publishes to and
// consumes from. Reconnection backs off exponentially from BaseDelayMs up to
// MaxDelayMs, giving up after MaxAttempts.
type BrokerConfig struct {
	Dns           string `json:"dns" envconfig:"PAYLINE_BROKER_DNS"`
	Exchange      string `json:"exchange" envconfig:"PAYLINE_BROKER_EXCHANGE"`
	DeadLetter    string `json:"dead_letter_exchange" envconfig:"PAYLINE_BROKER_DEAD_LETTER_EXCHANGE"`
	IngestQueue   string `json:"ingest_queue" envconfig:"PAYLINE_BROKER_INGEST_QUEUE"`
	Prefetch      int    `json:"prefetch" envconfig:"PAYLINE_BROKER_PREFETCH"`
	BaseDelayMs   int    `json:"reconnect_base_delay_ms" envconfig:"PAYLINE_BROKER_RECONNECT_BASE_DELAY_MS"`
	MaxDelayMs    int    `json:"reconnect_max_delay_ms" envconfig:"PAYLINE_BROKER_RECONNECT_MAX_DELAY_MS"`
	MaxAttempts   int    `json:"reconnect_max_attempts" envconfig:"PAYLINE_BROKER_RECONNECT_MAX_ATTEMPTS"`
	PublisherName string `json:"publisher_name" envconfig:"PAYLINE_BROKER_PUBLISHER_NAME"`
}

// RetryConfig drives the consumer-side retry tracker and backoff.
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts" envconfig:"PAYLINE_RETRY_MAX_ATTEMPTS"`
	BaseDelayMs    int `json:"base_delay_ms" envconfig:"PAYLINE_RETRY_BASE_DELAY_MS"`
	MaxDelayMs     int `json:"max_delay_ms" envconfig:"PAYLINE_RETRY_MAX_DELAY_MS"`
	StateTTLMin    int `json:"state_ttl_min" envconfig:"PAYLINE_RETRY_STATE_TTL_MIN"`
	SweepIntervalS int `json:"sweep_interval_sec" envconfig:"PAYLINE_RETRY_SWEEP_INTERVAL_SEC"`
}

// OutboxConfig drives the outbox publisher loop. AttemptCeiling is the
// operator ceiling beyond which a row stops retrying and raises an exception
// case instead. RetentionDays bounds how long published rows are kept.
type OutboxConfig struct {
	PollIntervalMs int `json:"poll_interval_ms" envconfig:"PAYLINE_OUTBOX_POLL_INTERVAL_MS"`
	BatchSize      int `json:"batch_size" envconfig:"PAYLINE_OUTBOX_BATCH_SIZE"`
	AttemptCeiling int `json:"attempt_ceiling" envconfig:"PAYLINE_OUTBOX_ATTEMPT_CEILING"`
	RetentionDays  int `json:"retention_days" envconfig:"PAYLINE_OUTBOX_RETENTION_DAYS"`
}

// ReconciliationConfig controls the daily reconciler and its scheduler
// window. Thresholds are dollars; a variance at or above CriticalThreshold
// opens a critical exception case.
type ReconciliationConfig struct {
	RunHour           int      `json:"run_hour" envconfig:"PAYLINE_RECONCILIATION_RUN_HOUR"`
	Channels          []string `json:"channels" envconfig:"PAYLINE_RECONCILIATION_CHANNELS"`
	WarningThreshold  float64  `json:"warning_threshold" envconfig:"PAYLINE_RECONCILIATION_WARNING_THRESHOLD"`
	CriticalThreshold float64  `json:"critical_threshold" envconfig:"PAYLINE_RECONCILIATION_CRITICAL_THRESHOLD"`
}

// BankConfig points at the banking API collaborator used for settlement
// summaries.
type BankConfig struct {
	Url     string `json:"url" envconfig:"PAYLINE_BANK_URL"`
	ApiKey  string `json:"api_key" envconfig:"PAYLINE_BANK_API_KEY"`
	Timeout int    `json:"timeout" envconfig:"PAYLINE_BANK_TIMEOUT"`
}

type QueueConfig struct {
	ReconciliationQueue string `json:"reconciliation_queue" envconfig:"PAYLINE_QUEUE_RECONCILIATION"`
	MaintenanceQueue    string `json:"maintenance_queue" envconfig:"PAYLINE_QUEUE_MAINTENANCE"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"PAYLINE_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Broker         BrokerConfig         `json:"broker"`
	Retry          RetryConfig          `json:"retry"`
	Outbox         OutboxConfig         `json:"outbox"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Bank           BankConfig           `json:"bank"`
	Queue          QueueConfig          `json:"queue"`
	Notification   Notification         `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("payline", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called payline.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Payline Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Broker.Dns == "" {
		log.Println("Error: Broker DNS is empty. It's a required field.")
		return errors.New("broker DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Broker.Dns = strings.TrimSpace(cnf.Broker.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Broker.Exchange == "" {
		cnf.Broker.Exchange = "payline.events"
	}
	if cnf.Broker.DeadLetter == "" {
		cnf.Broker.DeadLetter = "payline.dead-letter"
	}
	if cnf.Broker.IngestQueue == "" {
		cnf.Broker.IngestQueue = "payline.ingest"
	}
	if cnf.Broker.Prefetch <= 0 {
		cnf.Broker.Prefetch = 10
	}
	if cnf.Broker.BaseDelayMs <= 0 {
		cnf.Broker.BaseDelayMs = 1000
	}
	if cnf.Broker.MaxDelayMs <= 0 {
		cnf.Broker.MaxDelayMs = 60000
	}
	if cnf.Broker.MaxAttempts <= 0 {
		cnf.Broker.MaxAttempts = 10
	}
	if cnf.Broker.PublisherName == "" {
		cnf.Broker.PublisherName = "payline"
	}

	if cnf.Retry.MaxAttempts <= 0 {
		cnf.Retry.MaxAttempts = 5
	}
	if cnf.Retry.BaseDelayMs <= 0 {
		cnf.Retry.BaseDelayMs = 1000
	}
	if cnf.Retry.MaxDelayMs <= 0 {
		cnf.Retry.MaxDelayMs = 60000
	}
	if cnf.Retry.StateTTLMin <= 0 {
		cnf.Retry.StateTTLMin = 60
	}
	if cnf.Retry.SweepIntervalS <= 0 {
		cnf.Retry.SweepIntervalS = 300
	}

	if cnf.Outbox.PollIntervalMs <= 0 {
		cnf.Outbox.PollIntervalMs = 500
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 50
	}
	if cnf.Outbox.AttemptCeiling <= 0 {
		cnf.Outbox.AttemptCeiling = 25
	}
	if cnf.Outbox.RetentionDays <= 0 {
		cnf.Outbox.RetentionDays = 7
	}

	if cnf.Reconciliation.RunHour <= 0 {
		cnf.Reconciliation.RunHour = 6 // after overnight bank settlement
	}
	if len(cnf.Reconciliation.Channels) == 0 {
		cnf.Reconciliation.Channels = []string{"ach", "wire", "check", "card", "lockbox", "book"}
	}
	if cnf.Reconciliation.WarningThreshold <= 0 {
		cnf.Reconciliation.WarningThreshold = 100
	}
	if cnf.Reconciliation.CriticalThreshold <= 0 {
		cnf.Reconciliation.CriticalThreshold = 10000
	}

	if cnf.Bank.Timeout <= 0 {
		cnf.Bank.Timeout = 30
	}

	if cnf.Queue.ReconciliationQueue == "" {
		cnf.Queue.ReconciliationQueue = "reconciliation"
	}
	if cnf.Queue.MaintenanceQueue == "" {
		cnf.Queue.MaintenanceQueue = "maintenance"
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mc := *mockConfig
	if err := mc.validateAndAddDefaults(); err != nil {
		ConfigStore.Store(mockConfig)
		return
	}
	ConfigStore.Store(&mc)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
