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

package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		raw   string
		start time.Time
		end   time.Time
		label string
	}{
		{"", now.Add(-time.Hour), now, "1h"},
		{"6h", now.Add(-6 * time.Hour), now, "6h"},
		{"3d", now.Add(-72 * time.Hour), now, "3d"},
		// Windows wider than seven days clamp instead of failing.
		{"400h", now.Add(-168 * time.Hour), now, "400h"},
		{"30d", now.Add(-168 * time.Hour), now, "30d"},
		{
			"custom:2025-06-14T00:00:00Z,2025-06-14T06:00:00Z",
			time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 14, 6, 0, 0, 0, time.UTC),
			"custom:2025-06-14T00:00:00Z,2025-06-14T06:00:00Z",
		},
		// Bare timestamps without a zone read as UTC.
		{
			"custom:2025-06-14T00:00:00,2025-06-14T01:00:00",
			time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 14, 1, 0, 0, 0, time.UTC),
			"custom:2025-06-14T00:00:00,2025-06-14T01:00:00",
		},
		// A ten-day custom range keeps the most recent seven.
		{
			"custom:2025-06-01T00:00:00Z,2025-06-11T00:00:00Z",
			time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC),
			"custom:2025-06-01T00:00:00Z,2025-06-11T00:00:00Z",
		},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			tr, err := parseTimeRange(tc.raw, now)
			require.NoError(t, err)
			require.Equal(t, tc.start, tr.Start)
			require.Equal(t, tc.end, tr.End)
			require.Equal(t, tc.label, tr.Label)
		})
	}
}

func TestParseTimeRangeRejects(t *testing.T) {
	now := time.Now()
	for _, raw := range []string{
		"banana",
		"0h",
		"-4h",
		"4w",
		"custom:2025-06-14T00:00:00Z",
		"custom:notatime,2025-06-14T00:00:00Z",
		"custom:2025-06-14T00:00:00Z,notatime",
		// start after end is the caller's mistake, not a clamp.
		"custom:2025-06-14T06:00:00Z,2025-06-14T00:00:00Z",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := parseTimeRange(raw, now)
			require.Error(t, err)
			var vErr *validationError
			require.ErrorAs(t, err, &vErr)
		})
	}
}

func TestWindowHelpers(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tr := windowFromHours(24, now)
	require.Equal(t, now.Add(-24*time.Hour), tr.Start)
	require.Equal(t, now, tr.End)

	tr = windowFromMinutes(90, now)
	require.Equal(t, now.Add(-90*time.Minute), tr.Start)
	require.Equal(t, now, tr.End)
}
