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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Health reports liveness plus the broker connection state.
func (a Api) Health(c *gin.Context) {
	info := a.payline.ConnectionInfo()
	status := http.StatusOK
	if !info.Connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"broker": info})
}

// BrokerConnectionInfo returns the broker connection state and reconnect
// counters.
func (a Api) BrokerConnectionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, a.payline.ConnectionInfo())
}

// BrokerQueueStats returns message and consumer counts for one queue.
func (a Api) BrokerQueueStats(c *gin.Context) {
	queue, passed := c.Params.Get("queue")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "queue is required. pass queue in the route /broker/queues/:queue"})
		return
	}

	stats, err := a.payline.QueueStats(queue)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to inspect queue"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
