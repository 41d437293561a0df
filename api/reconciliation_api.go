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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/paylinehq/payline/model"
)

// TriggerReconciliation enqueues an out-of-band reconciliation run. A single
// date or an inclusive date range is accepted.
func (a Api) TriggerReconciliation(c *gin.Context) {
	var req struct {
		Date  string `json:"date"`
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Date != "" {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		if err := a.payline.TriggerReconciliation(date); err != nil {
			logrus.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue reconciliation"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": 1, "date": req.Date})
		return
	}

	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be YYYY-MM-DD"})
		return
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be YYYY-MM-DD"})
		return
	}

	queued, err := a.payline.TriggerReconciliationRange(start, end)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue reconciliation range"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued, "start": req.Start, "end": req.End})
}

// GetReconciliationResult returns the persisted outcome for one channel/day.
func (a Api) GetReconciliationResult(c *gin.Context) {
	channel := c.Param("channel")
	if !model.KnownChannel(channel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown payment channel"})
		return
	}
	date, err := time.Parse("2006-01-02", c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	result, err := a.payline.GetReconciliationResult(c.Request.Context(), channel, date)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch reconciliation result"})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation result for that channel and date"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListExceptionCases returns exception cases, filtered by state when the
// state query parameter is set.
func (a Api) ListExceptionCases(c *gin.Context) {
	state := c.DefaultQuery("state", model.ExceptionStateOpen)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	cases, err := a.payline.ListExceptionCases(c.Request.Context(), state, limit)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch exception cases"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exception_cases": cases})
}

// UpdateExceptionState moves an exception case through its lifecycle.
func (a Api) UpdateExceptionState(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /exceptions/:id"})
		return
	}

	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.payline.ResolveException(c.Request.Context(), id, req.State); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"case_id": id, "state": req.State})
}
