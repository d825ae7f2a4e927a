// Copyright 2025 The WarDragon Authors
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

package collector

import (
	"sync"
	"time"
)

// State is a kit's poll-loop health as the collector sees it.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateStale   State = "stale"
	StateOffline State = "offline"
	StateError   State = "error"
)

// KitStats is one poller's counters, snapshotted for the admin API.
type KitStats struct {
	KitID               string        `json:"kit_id"`
	State               State         `json:"state"`
	TotalPolls          uint64        `json:"total_polls"`
	SuccessfulPolls     uint64        `json:"successful_polls"`
	FailedPolls         uint64        `json:"failed_polls"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastSeen            *time.Time    `json:"last_seen,omitempty"`
	BackoffDelay        time.Duration `json:"-"`
	BackoffSeconds      float64       `json:"backoff_seconds"`
	SuccessRate         float64       `json:"success_rate"`
}

// health is the per-kit state machine. Counters live on the poller and are
// read only through snapshots, so polling loops never contend on shared maps.
type health struct {
	mtx sync.Mutex

	state               State
	lastSeen            time.Time
	lastError           string
	consecutiveFailures int
	totalPolls          uint64
	successfulPolls     uint64
	failedPolls         uint64
	backoff             time.Duration
}

func newHealth() *health {
	return &health{state: StateUnknown}
}

// backoffDelay is the next-poll delay after failures consecutive failures:
// fast * 2^failures, capped at maxDelay.
func backoffDelay(fast time.Duration, failures int, maxDelay time.Duration) time.Duration {
	d := fast
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// success records a good cycle and returns the steady-state delay.
func (h *health) success(now time.Time, fast time.Duration) time.Duration {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.state = StateOnline
	h.lastSeen = now
	h.lastError = ""
	h.consecutiveFailures = 0
	h.totalPolls++
	h.successfulPolls++
	h.backoff = fast
	return fast
}

// failure records a failed cycle and returns the widened delay. upstreamFatal
// marks 4xx and schema errors, which grade as error rather than offline.
func (h *health) failure(err error, upstreamFatal bool, fast, maxDelay time.Duration) time.Duration {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if upstreamFatal {
		h.state = StateError
	} else {
		h.state = StateOffline
	}
	h.lastError = err.Error()
	h.consecutiveFailures++
	h.totalPolls++
	h.failedPolls++
	h.backoff = backoffDelay(fast, h.consecutiveFailures, maxDelay)
	return h.backoff
}

func (h *health) failures() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.consecutiveFailures
}

// snapshot copies the counters out. Stale is derived here, not stored: an
// online kit whose last success is older than staleAfter reads as stale.
func (h *health) snapshot(kitID string, now time.Time, staleAfter time.Duration) KitStats {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	state := h.state
	if state == StateOnline && now.Sub(h.lastSeen) > staleAfter {
		state = StateStale
	}
	s := KitStats{
		KitID:               kitID,
		State:               state,
		TotalPolls:          h.totalPolls,
		SuccessfulPolls:     h.successfulPolls,
		FailedPolls:         h.failedPolls,
		ConsecutiveFailures: h.consecutiveFailures,
		LastError:           h.lastError,
		BackoffDelay:        h.backoff,
		BackoffSeconds:      h.backoff.Seconds(),
	}
	if !h.lastSeen.IsZero() {
		t := h.lastSeen
		s.LastSeen = &t
	}
	if s.TotalPolls > 0 {
		s.SuccessRate = float64(s.SuccessfulPolls) / float64(s.TotalPolls)
	}
	return s
}
