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

package credentials

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tokenOperations counts store operations by operation and outcome
	tokenOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_credentials_operations_total",
			Help: "Total credential store operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// tokenRefreshes counts refresh exchanges by service and outcome
	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_credentials_refreshes_total",
			Help: "Total token refresh exchanges by service and outcome",
		},
		[]string{"service", "outcome"},
	)
)

func recordOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	tokenOperations.WithLabelValues(operation, outcome).Inc()
}

func recordRefresh(service, outcome string) {
	tokenRefreshes.WithLabelValues(service, outcome).Inc()
}
