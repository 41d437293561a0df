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

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/paylinehq/payline"
	"github.com/paylinehq/payline/api/middleware"
	"github.com/paylinehq/payline/config"
)

type Api struct {
	payline *payline.Payline
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/payments", a.IngestPayment)
	router.GET("/payments/:id", a.GetIngestionRecord)

	router.POST("/reconciliation/trigger", a.TriggerReconciliation)
	router.GET("/reconciliation/:channel/:date", a.GetReconciliationResult)

	router.GET("/exceptions", a.ListExceptionCases)
	router.PUT("/exceptions/:id", a.UpdateExceptionState)

	router.GET("/broker/connection", a.BrokerConnectionInfo)
	router.GET("/broker/queues/:queue", a.BrokerQueueStats)

	return a.router
}

func NewAPI(p *payline.Payline) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	api := &Api{payline: p, router: r}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})
	r.GET("/health", api.Health)

	return api
}
