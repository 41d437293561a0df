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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paylinehq/payline"
	"github.com/paylinehq/payline/config"
	"github.com/paylinehq/payline/database"
	"github.com/paylinehq/payline/internal/broker"
	"github.com/paylinehq/payline/internal/notification"
)

// Payline represents the CLI application, encapsulating the root Cobra command.
type Payline struct {
	cmd *cobra.Command
}

// paylineInstance holds the runtime instance, its broker and configuration,
// shared across subcommands.
type paylineInstance struct {
	payline *payline.Payline
	broker  *broker.Broker
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the pipeline before
// running any command.
func preRun(app *paylineInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("payline.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newPayline, brk, err := setupPayline(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.payline = newPayline
		app.broker = brk
		app.cnf = cnf

		return nil
	}
}

// setupPayline creates the pipeline from configuration: datasource first,
// then the broker connection, then the service wiring on top of both.
func setupPayline(cfg *config.Configuration) (*payline.Payline, *broker.Broker, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting datasource: %v", err)
	}

	brk := broker.New(broker.Config{
		URL:         cfg.Broker.Dns,
		BaseDelay:   time.Duration(cfg.Broker.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Broker.MaxDelayMs) * time.Millisecond,
		MaxAttempts: cfg.Broker.MaxAttempts,
	})
	if err := brk.Connect(); err != nil {
		return nil, nil, fmt.Errorf("error connecting to broker: %v", err)
	}

	newPayline, err := payline.NewPayline(db, brk)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating payline: %v", err)
	}
	return newPayline, brk, nil
}

// NewCLI creates the command-line interface for the payline application.
func NewCLI() *Payline {
	var configFile string
	p := &paylineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "payline",
		Short: "Payment processing reliability pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./payline.json", "Configuration file for payline")

	rootCmd.PersistentPreRunE = preRun(p)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(reconcileCommands(p))

	return &Payline{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during
// execution.
func (w Payline) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
