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
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/paylinehq/payline/api"
	"github.com/paylinehq/payline/config"
)

func initializeRouter(p *paylineInstance) *gin.Engine {
	return api.NewAPI(p.payline).Router()
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the Cobra command responsible for starting the API
// server. The outbox publisher runs alongside the HTTP listener so events
// staged by synchronous intake drain without a separate worker process.
func serverCommands(p *paylineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start payline server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			router := initializeRouter(p)

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			go p.payline.PublisherLoop(ctx)

			go func() {
				<-ctx.Done()
				p.payline.Shutdown()
				if err := p.broker.Close(); err != nil {
					log.Printf("Error closing broker: %v", err)
				}
			}()

			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
