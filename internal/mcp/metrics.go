// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// facadeOperations counts facade operations by server, operation and outcome
	facadeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_mcp_operations_total",
			Help: "Total MCP operations by server, operation and outcome",
		},
		[]string{"server", "operation", "outcome"},
	)

	// facadeDuration observes end-to-end operation latency including reconnects
	facadeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_mcp_operation_duration_seconds",
			Help:    "MCP operation latency including reconnects",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "operation"},
	)

	// facadeReconnects counts sessions rebuilt after transport failures
	facadeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_mcp_reconnects_total",
			Help: "Total session rebuilds after transport failures by server",
		},
		[]string{"server"},
	)

	// activeFacades tracks facades that have not been closed
	activeFacades = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_mcp_active_connections",
			Help: "Number of open MCP connections",
		},
	)
)

func recordOperation(server, operation, outcome string, elapsed time.Duration) {
	facadeOperations.WithLabelValues(server, operation, outcome).Inc()
	facadeDuration.WithLabelValues(server, operation).Observe(elapsed.Seconds())
}

func recordReconnect(server string) {
	facadeReconnects.WithLabelValues(server).Inc()
}
