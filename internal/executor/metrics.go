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

package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts Execute calls by service, method and outcome
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_executor_requests_total",
			Help: "Total API requests by service, method and outcome",
		},
		[]string{"service", "method", "outcome"},
	)

	// requestDuration observes Execute latency including retries and waits
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_executor_request_duration_seconds",
			Help:    "API request latency including retries and rate-limit waits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// cacheHits counts reads answered from the response cache
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_executor_cache_hits_total",
			Help: "Total API reads served from the response cache",
		},
		[]string{"service"},
	)

	// retries counts repeated attempts by reason
	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_executor_retries_total",
			Help: "Total API request retries by service and reason",
		},
		[]string{"service", "reason"},
	)

	// rateLimitWaits counts requests delayed by a shared rate-limit deadline
	rateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_executor_rate_limit_waits_total",
			Help: "Total API requests delayed by a rate-limit deadline",
		},
		[]string{"service"},
	)
)

func recordRequest(service, method, outcome string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(service, method, outcome).Inc()
	requestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func recordCacheHit(service string) {
	cacheHits.WithLabelValues(service).Inc()
}

func recordRetry(service, reason string) {
	retries.WithLabelValues(service, reason).Inc()
}

func recordRateLimitWait(service string) {
	rateLimitWaits.WithLabelValues(service).Inc()
}
