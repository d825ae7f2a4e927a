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

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxQueryLimit caps any single range query regardless of what the caller
// asked for.
const maxQueryLimit = 10000

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// DroneFilter selects drone observations. Zero-valued fields do not filter.
type DroneFilter struct {
	Start     time.Time
	End       time.Time
	KitIDs    []string
	RIDMake   string
	TrackType string
	Limit     int
}

// QueryDrones returns observations in [Start, End] newest first.
func (s *Store) QueryDrones(ctx context.Context, f DroneFilter) ([]DroneObservation, error) {
	var sb strings.Builder
	sb.WriteString(`
SELECT "time", kit_id, drone_id, lat, lon, alt, speed, heading,
       pilot_lat, pilot_lon, home_lat, home_lon, mac, rssi, freq,
       ua_type, operator_id, caa_id, rid_make, rid_model, rid_source, track_type
FROM drones
WHERE "time" >= $1 AND "time" <= $2`)
	args := []any{f.Start, f.End}
	if len(f.KitIDs) > 0 {
		args = append(args, f.KitIDs)
		fmt.Fprintf(&sb, " AND kit_id = ANY($%d)", len(args))
	}
	if f.RIDMake != "" {
		args = append(args, f.RIDMake)
		fmt.Fprintf(&sb, " AND rid_make = $%d", len(args))
	}
	if f.TrackType != "" {
		args = append(args, f.TrackType)
		fmt.Fprintf(&sb, " AND track_type = $%d", len(args))
	}
	args = append(args, clampLimit(f.Limit))
	fmt.Fprintf(&sb, ` ORDER BY "time" DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying drones: %w", classify(err))
	}
	defer rows.Close()

	var out []DroneObservation
	for rows.Next() {
		var o DroneObservation
		if err := rows.Scan(
			&o.Time, &o.KitID, &o.DroneID, &o.Lat, &o.Lon, &o.Alt, &o.Speed, &o.Heading,
			&o.PilotLat, &o.PilotLon, &o.HomeLat, &o.HomeLon, &o.MAC, &o.RSSI, &o.Freq,
			&o.UAType, &o.OperatorID, &o.CAAID, &o.RIDMake, &o.RIDModel, &o.RIDSource, &o.TrackType,
		); err != nil {
			return nil, fmt.Errorf("scanning drone row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying drones: %w", classify(err))
	}
	return out, nil
}

// SignalFilter selects signal observations. Frequency bounds are inclusive.
type SignalFilter struct {
	Start         time.Time
	End           time.Time
	KitIDs        []string
	DetectionType string
	MinFreqMHz    *float64
	MaxFreqMHz    *float64
	Limit         int
}

// QuerySignals returns RF detections in [Start, End] newest first.
func (s *Store) QuerySignals(ctx context.Context, f SignalFilter) ([]SignalObservation, error) {
	var sb strings.Builder
	sb.WriteString(`
SELECT "time", kit_id, freq_mhz, power_dbm, bandwidth_mhz, lat, lon, alt, detection_type
FROM signals
WHERE "time" >= $1 AND "time" <= $2`)
	args := []any{f.Start, f.End}
	if len(f.KitIDs) > 0 {
		args = append(args, f.KitIDs)
		fmt.Fprintf(&sb, " AND kit_id = ANY($%d)", len(args))
	}
	if f.DetectionType != "" {
		args = append(args, f.DetectionType)
		fmt.Fprintf(&sb, " AND detection_type = $%d", len(args))
	}
	if f.MinFreqMHz != nil {
		args = append(args, *f.MinFreqMHz)
		fmt.Fprintf(&sb, " AND freq_mhz >= $%d", len(args))
	}
	if f.MaxFreqMHz != nil {
		args = append(args, *f.MaxFreqMHz)
		fmt.Fprintf(&sb, " AND freq_mhz <= $%d", len(args))
	}
	args = append(args, clampLimit(f.Limit))
	fmt.Fprintf(&sb, ` ORDER BY "time" DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", classify(err))
	}
	defer rows.Close()

	var out []SignalObservation
	for rows.Next() {
		var o SignalObservation
		if err := rows.Scan(
			&o.Time, &o.KitID, &o.FreqMHz, &o.PowerDBm, &o.BandwidthMHz,
			&o.Lat, &o.Lon, &o.Alt, &o.DetectionType,
		); err != nil {
			return nil, fmt.Errorf("scanning signal row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying signals: %w", classify(err))
	}
	return out, nil
}

// HourlyBucket is one row of the drones_hourly rollup.
type HourlyBucket struct {
	Hour         time.Time
	KitID        string
	UniqueDrones int64
	AvgAltitude  *float64
	AvgSpeed     *float64
	Detections   int64
}

// QueryHourly reads the rollup for dashboards, newest bucket first.
func (s *Store) QueryHourly(ctx context.Context, start, end time.Time, kitIDs []string) ([]HourlyBucket, error) {
	var sb strings.Builder
	sb.WriteString(`
SELECT hour, kit_id, unique_drones, avg_altitude, avg_speed, detections
FROM drones_hourly
WHERE hour >= $1 AND hour <= $2`)
	args := []any{start, end}
	if len(kitIDs) > 0 {
		args = append(args, kitIDs)
		fmt.Fprintf(&sb, " AND kit_id = ANY($%d)", len(args))
	}
	args = append(args, maxQueryLimit)
	fmt.Fprintf(&sb, ` ORDER BY hour DESC, kit_id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying hourly rollup: %w", classify(err))
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.KitID, &b.UniqueDrones, &b.AvgAltitude, &b.AvgSpeed, &b.Detections); err != nil {
			return nil, fmt.Errorf("scanning hourly row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying hourly rollup: %w", classify(err))
	}
	return out, nil
}
