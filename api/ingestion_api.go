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
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/internal/retry"
	"github.com/paylinehq/payline/model"
)

// IngestPayment accepts one normalized channel envelope over HTTP. The
// intake path is the same one the broker consumer uses, so duplicates are
// absorbed identically regardless of transport.
func (a Api) IngestPayment(c *gin.Context) {
	var raw json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	envelope, err := model.ValidateNormalizedEnvelope(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	signal, err := envelope.ToPaymentSignal()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := a.payline.IngestPayment(c.Request.Context(), signal)
	if err != nil {
		if retry.IsPermanent(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ingest payment"})
		return
	}

	c.JSON(http.StatusCreated, record)
}

// GetIngestionRecord returns one ingestion record by id.
func (a Api) GetIngestionRecord(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /payments/:id"})
		return
	}

	record, err := a.payline.GetIngestionRecord(c.Request.Context(), id)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch ingestion record"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ingestion record not found"})
		return
	}

	c.JSON(http.StatusOK, record)
}
