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
	"time"

	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
)

// DroneObservation is one positional sample of one track from one kit.
// Optional fields are nil when the kit did not report them; a nil is never
// written over a previously stored value on conflict.
type DroneObservation struct {
	Time    time.Time
	KitID   string
	DroneID string

	Lat     *float64
	Lon     *float64
	Alt     *float64
	Speed   *float64
	Heading *float64

	PilotLat *float64
	PilotLon *float64
	HomeLat  *float64
	HomeLon  *float64

	MAC        *string
	RSSI       *float64
	Freq       *float64
	UAType     *string
	OperatorID *string
	CAAID      *string
	RIDMake    *string
	RIDModel   *string
	RIDSource  *string

	TrackType string
}

// SignalObservation is one RF detection.
type SignalObservation struct {
	Time          time.Time
	KitID         string
	FreqMHz       float64
	PowerDBm      *float64
	BandwidthMHz  *float64
	Lat           *float64
	Lon           *float64
	Alt           *float64
	DetectionType *string
}

// HealthSample is one kit self-report.
type HealthSample struct {
	Time          time.Time
	KitID         string
	Lat           *float64
	Lon           *float64
	Alt           *float64
	CPUPercent    *float64
	MemoryPercent *float64
	DiskPercent   *float64
	UptimeHours   *float64
	TempCPU       *float64
	TempGPU       *float64
}

// BatchResult reports how a batch fared. Failed counts rows the database
// rejected individually; those are logged and skipped without aborting the
// rest of the batch.
type BatchResult struct {
	Written int
	Failed  int
}

const upsertDroneSQL = `
INSERT INTO drones (
    "time", kit_id, drone_id, lat, lon, alt, speed, heading,
    pilot_lat, pilot_lon, home_lat, home_lon, mac, rssi, freq,
    ua_type, operator_id, caa_id, rid_make, rid_model, rid_source, track_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT ("time", kit_id, drone_id) DO UPDATE SET
    lat         = COALESCE(EXCLUDED.lat, drones.lat),
    lon         = COALESCE(EXCLUDED.lon, drones.lon),
    alt         = COALESCE(EXCLUDED.alt, drones.alt),
    speed       = COALESCE(EXCLUDED.speed, drones.speed),
    heading     = COALESCE(EXCLUDED.heading, drones.heading),
    pilot_lat   = COALESCE(EXCLUDED.pilot_lat, drones.pilot_lat),
    pilot_lon   = COALESCE(EXCLUDED.pilot_lon, drones.pilot_lon),
    home_lat    = COALESCE(EXCLUDED.home_lat, drones.home_lat),
    home_lon    = COALESCE(EXCLUDED.home_lon, drones.home_lon),
    mac         = COALESCE(EXCLUDED.mac, drones.mac),
    rssi        = COALESCE(EXCLUDED.rssi, drones.rssi),
    freq        = COALESCE(EXCLUDED.freq, drones.freq),
    ua_type     = COALESCE(EXCLUDED.ua_type, drones.ua_type),
    operator_id = COALESCE(EXCLUDED.operator_id, drones.operator_id),
    caa_id      = COALESCE(EXCLUDED.caa_id, drones.caa_id),
    rid_make    = COALESCE(EXCLUDED.rid_make, drones.rid_make),
    rid_model   = COALESCE(EXCLUDED.rid_model, drones.rid_model),
    rid_source  = COALESCE(EXCLUDED.rid_source, drones.rid_source),
    track_type  = EXCLUDED.track_type`

const upsertSignalSQL = `
INSERT INTO signals (
    "time", kit_id, freq_mhz, power_dbm, bandwidth_mhz, lat, lon, alt, detection_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT ("time", kit_id, freq_mhz) DO UPDATE SET
    power_dbm      = COALESCE(EXCLUDED.power_dbm, signals.power_dbm),
    bandwidth_mhz  = COALESCE(EXCLUDED.bandwidth_mhz, signals.bandwidth_mhz),
    lat            = COALESCE(EXCLUDED.lat, signals.lat),
    lon            = COALESCE(EXCLUDED.lon, signals.lon),
    alt            = COALESCE(EXCLUDED.alt, signals.alt),
    detection_type = COALESCE(EXCLUDED.detection_type, signals.detection_type)`

const upsertHealthSQL = `
INSERT INTO system_health (
    "time", kit_id, lat, lon, alt, cpu_percent, memory_percent, disk_percent,
    uptime_hours, temp_cpu, temp_gpu
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT ("time", kit_id) DO UPDATE SET
    lat            = COALESCE(EXCLUDED.lat, system_health.lat),
    lon            = COALESCE(EXCLUDED.lon, system_health.lon),
    alt            = COALESCE(EXCLUDED.alt, system_health.alt),
    cpu_percent    = COALESCE(EXCLUDED.cpu_percent, system_health.cpu_percent),
    memory_percent = COALESCE(EXCLUDED.memory_percent, system_health.memory_percent),
    disk_percent   = COALESCE(EXCLUDED.disk_percent, system_health.disk_percent),
    uptime_hours   = COALESCE(EXCLUDED.uptime_hours, system_health.uptime_hours),
    temp_cpu       = COALESCE(EXCLUDED.temp_cpu, system_health.temp_cpu),
    temp_gpu       = COALESCE(EXCLUDED.temp_gpu, system_health.temp_gpu)`

// UpsertDrones writes one poll's drone batch.
func (s *Store) UpsertDrones(ctx context.Context, obs []DroneObservation) (BatchResult, error) {
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, []any{
			o.Time, o.KitID, o.DroneID, o.Lat, o.Lon, o.Alt, o.Speed, o.Heading,
			o.PilotLat, o.PilotLon, o.HomeLat, o.HomeLon, o.MAC, o.RSSI, o.Freq,
			o.UAType, o.OperatorID, o.CAAID, o.RIDMake, o.RIDModel, o.RIDSource, o.TrackType,
		})
	}
	return s.upsertBatch(ctx, "drones", upsertDroneSQL, rows)
}

// UpsertSignals writes one poll's signal batch.
func (s *Store) UpsertSignals(ctx context.Context, obs []SignalObservation) (BatchResult, error) {
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, []any{
			o.Time, o.KitID, o.FreqMHz, o.PowerDBm, o.BandwidthMHz,
			o.Lat, o.Lon, o.Alt, o.DetectionType,
		})
	}
	return s.upsertBatch(ctx, "signals", upsertSignalSQL, rows)
}

// UpsertHealth writes one status sample.
func (s *Store) UpsertHealth(ctx context.Context, samples []HealthSample) (BatchResult, error) {
	rows := make([][]any, 0, len(samples))
	for _, h := range samples {
		rows = append(rows, []any{
			h.Time, h.KitID, h.Lat, h.Lon, h.Alt, h.CPUPercent, h.MemoryPercent,
			h.DiskPercent, h.UptimeHours, h.TempCPU, h.TempGPU,
		})
	}
	return s.upsertBatch(ctx, "system_health", upsertHealthSQL, rows)
}

// upsertBatch pipelines all rows in one round trip. If the pipeline fails it
// falls back to row-at-a-time execution so one poisoned row cannot sink its
// siblings; rows the server rejects individually are counted and skipped.
func (s *Store) upsertBatch(ctx context.Context, table, sql string, rows [][]any) (BatchResult, error) {
	if len(rows) == 0 {
		return BatchResult{}, nil
	}

	b := &pgx.Batch{}
	for _, args := range rows {
		b.Queue(sql, args...)
	}
	br := s.pool.SendBatch(ctx, b)
	var batchErr error
	for range rows {
		if _, err := br.Exec(); err != nil && batchErr == nil {
			batchErr = err
		}
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil {
		s.metrics.rowsWritten.WithLabelValues(table).Add(float64(len(rows)))
		return BatchResult{Written: len(rows)}, nil
	}
	if ctx.Err() != nil {
		return BatchResult{}, ctx.Err()
	}
	_ = level.Debug(s.logger).Log("msg", "batch pipeline failed, retrying row by row", "table", table, "err", batchErr)

	var res BatchResult
	for i, args := range rows {
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			if isRowError(err) {
				res.Failed++
				_ = level.Warn(s.logger).Log("msg", "row rejected", "table", table, "row", i, "err", err)
				continue
			}
			s.metrics.batchWriteErrors.WithLabelValues(table).Inc()
			return res, classify(err)
		}
		res.Written++
	}
	s.metrics.rowsWritten.WithLabelValues(table).Add(float64(res.Written))
	s.metrics.rowsSkipped.WithLabelValues(table).Add(float64(res.Failed))
	return res, nil
}
