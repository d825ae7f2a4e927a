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
	"strconv"
	"strings"
	"time"
)

const (
	// defaultWindow applies when the caller gives no time_range.
	defaultWindow = time.Hour
	// maxWindow caps any window at seven days; wider requests clamp.
	maxWindow = 168 * time.Hour
)

// timeRange is a validated, clamped query window.
type timeRange struct {
	Start time.Time
	End   time.Time
	// Label echoes the accepted form back to the caller.
	Label string
}

// parseTimeRange accepts "<N>h", "<N>d", "custom:<ISO-start>,<ISO-end>" and
// the empty string (one hour ending now). Relative windows end at now.
// Windows wider than seven days clamp to the most recent seven; a custom
// range with start after end is a validation error.
func parseTimeRange(raw string, now time.Time) (timeRange, error) {
	now = now.UTC()
	if raw == "" {
		return timeRange{Start: now.Add(-defaultWindow), End: now, Label: "1h"}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "custom:"); ok {
		return parseCustomRange(raw, rest, now)
	}

	var unit time.Duration
	switch {
	case strings.HasSuffix(raw, "h"):
		unit = time.Hour
	case strings.HasSuffix(raw, "d"):
		unit = 24 * time.Hour
	default:
		return timeRange{}, invalidf("invalid time_range %q: want <N>h, <N>d or custom:<start>,<end>", raw)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return timeRange{}, invalidf("invalid time_range %q: want a positive count before the unit", raw)
	}
	window := time.Duration(n) * unit
	if window > maxWindow {
		window = maxWindow
	}
	return timeRange{Start: now.Add(-window), End: now, Label: raw}, nil
}

func parseCustomRange(raw, rest string, now time.Time) (timeRange, error) {
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return timeRange{}, invalidf("invalid time_range %q: custom wants custom:<start>,<end>", raw)
	}
	start, err := parseInstant(parts[0])
	if err != nil {
		return timeRange{}, invalidf("invalid time_range start %q: not an ISO-8601 instant", parts[0])
	}
	end, err := parseInstant(parts[1])
	if err != nil {
		return timeRange{}, invalidf("invalid time_range end %q: not an ISO-8601 instant", parts[1])
	}
	if start.After(end) {
		return timeRange{}, invalidf("invalid time_range %q: start is after end", raw)
	}
	if end.Sub(start) > maxWindow {
		start = end.Add(-maxWindow)
	}
	return timeRange{Start: start, End: end, Label: raw}, nil
}

// parseInstant accepts RFC 3339 with or without zone; a bare local-style
// timestamp reads as UTC.
func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// windowFromHours converts a validated hour-count parameter into a range
// ending now.
func windowFromHours(hours int, now time.Time) timeRange {
	now = now.UTC()
	return timeRange{Start: now.Add(-time.Duration(hours) * time.Hour), End: now}
}

// windowFromMinutes is the minute-granularity sibling.
func windowFromMinutes(minutes int, now time.Time) timeRange {
	now = now.UTC()
	return timeRange{Start: now.Add(-time.Duration(minutes) * time.Minute), End: now}
}
