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
	"context"
	"sync"
	"time"
)

// RateLimitState is the retry-not-before deadline for one remote service.
// Every Executor of the service waits on the same state, so one 429 pauses
// all of them.
type RateLimitState struct {
	mu    sync.Mutex
	until time.Time
}

// Deadline returns the current retry-not-before time. The zero time means
// no limit is in force.
func (s *RateLimitState) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.until
}

// Extend moves the deadline to t if t is later. It reports whether the
// deadline moved.
func (s *RateLimitState) Extend(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.until) {
		s.until = t
		return true
	}
	return false
}

// Wait blocks until the deadline has passed, following any extension made
// while waiting. It returns how long it slept.
func (s *RateLimitState) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		d := time.Until(s.Deadline())
		if d <= 0 {
			return waited, nil
		}
		timer := time.NewTimer(d)
		start := time.Now()
		select {
		case <-timer.C:
			waited += time.Since(start)
		case <-ctx.Done():
			timer.Stop()
			return waited + time.Since(start), ctx.Err()
		}
	}
}

// RateLimits hands out one RateLimitState per service name. Share one
// registry between every Executor in the process.
type RateLimits struct {
	mu     sync.Mutex
	states map[string]*RateLimitState
}

// NewRateLimits creates an empty registry.
func NewRateLimits() *RateLimits {
	return &RateLimits{states: make(map[string]*RateLimitState)}
}

// For returns the state for service, creating it on first use.
func (r *RateLimits) For(service string) *RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[service]
	if !ok {
		s = &RateLimitState{}
		r.states[service] = s
	}
	return s
}
