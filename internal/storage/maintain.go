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
	"time"

	"github.com/go-kit/log/level"
)

// Retention and refresh policy. Raw observations age out with their daily
// partitions; the hourly rollup is pruned by row and kept a year.
const (
	retentionRaw    = 30 * 24 * time.Hour
	retentionHealth = 90 * 24 * time.Hour
	retentionHourly = 365 * 24 * time.Hour

	// partitionLeadDays are created ahead of the write window, and one
	// trailing day absorbs kit clock skew.
	partitionLeadDays  = 2
	partitionTrailDays = 1

	// The rollup materializes buckets up to now minus hourlyRefreshLag;
	// each refresh recomputes the lookback span so late rows converge.
	hourlyRefreshLag      = 5 * time.Minute
	hourlyRefreshLookback = 2 * time.Hour

	hourlyRefreshEvery = 5 * time.Minute
	sweepEvery         = time.Hour

	maintenanceOpTimeout = time.Minute
)

// partitionedTable pairs a parent table with its retention period.
type partitionedTable struct {
	name      string
	retention time.Duration
}

var partitionedTables = []partitionedTable{
	{"drones", retentionRaw},
	{"signals", retentionRaw},
	{"system_health", retentionHealth},
}

const partitionDayFormat = "20060102"

func partitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_p%s", table, day.UTC().Format(partitionDayFormat))
}

// partitionDay recovers the partition's starting day from its name. Children
// not following the naming scheme are left alone.
func partitionDay(table, name string) (time.Time, bool) {
	prefix := table + "_p"
	if len(name) != len(prefix)+len(partitionDayFormat) || name[:len(prefix)] != prefix {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(partitionDayFormat, name[len(prefix):], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// expiredPartitions picks the children whose whole day range lies past the
// cutoff. Retention is partition-aligned: a day drops only once all of it is
// out of policy.
func expiredPartitions(table string, children []string, cutoff time.Time) []string {
	var out []string
	for _, child := range children {
		day, ok := partitionDay(table, child)
		if !ok {
			continue
		}
		if !day.AddDate(0, 0, 1).After(cutoff) {
			out = append(out, child)
		}
	}
	return out
}

// EnsurePartitions creates the daily partitions covering the write window:
// one trailing day for skewed kit clocks through partitionLeadDays ahead.
func (s *Store) EnsurePartitions(ctx context.Context) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, t := range partitionedTables {
		for d := -partitionTrailDays; d <= partitionLeadDays; d++ {
			day := today.AddDate(0, 0, d)
			if err := s.createPartition(ctx, t.name, day); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) createPartition(ctx context.Context, table string, day time.Time) error {
	name := partitionName(table, day)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, table,
		day.Format("2006-01-02"), day.AddDate(0, 0, 1).Format("2006-01-02"),
	)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, classify(err))
	}
	return nil
}

func (s *Store) listPartitions(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT c.relname
FROM pg_inherits i
JOIN pg_class c ON c.oid = i.inhrelid
JOIN pg_class p ON p.oid = i.inhparent
WHERE p.relname = $1
ORDER BY c.relname`, table)
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, classify(err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, classify(err))
	}
	return names, nil
}

// DropExpired removes whole partitions past retention and prunes the hourly
// rollup. Dropping a child never locks its siblings, so live reads and
// writes continue.
func (s *Store) DropExpired(ctx context.Context, now time.Time) (int, error) {
	dropped := 0
	for _, t := range partitionedTables {
		children, err := s.listPartitions(ctx, t.name)
		if err != nil {
			return dropped, err
		}
		for _, child := range expiredPartitions(t.name, children, now.Add(-t.retention)) {
			if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, child)); err != nil {
				return dropped, fmt.Errorf("dropping partition %s: %w", child, classify(err))
			}
			_ = level.Info(s.logger).Log("msg", "dropped expired partition", "partition", child)
			dropped++
		}
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM drones_hourly WHERE hour < $1`, now.Add(-retentionHourly)); err != nil {
		return dropped, fmt.Errorf("pruning hourly rollup: %w", classify(err))
	}
	return dropped, nil
}

// RefreshHourly recomputes rollup buckets across the lookback span up to the
// refresh horizon. Buckets older than the span stay frozen; upserts make the
// recomputation idempotent.
func (s *Store) RefreshHourly(ctx context.Context, now time.Time) error {
	horizon := now.Add(-hourlyRefreshLag)
	from := horizon.Add(-hourlyRefreshLookback).Truncate(time.Hour)
	_, err := s.pool.Exec(ctx, `
INSERT INTO drones_hourly (hour, kit_id, unique_drones, avg_altitude, avg_speed, detections)
SELECT date_trunc('hour', "time"), kit_id,
       COUNT(DISTINCT drone_id), AVG(alt), AVG(speed), COUNT(*)
FROM drones
WHERE "time" >= $1 AND "time" <= $2
GROUP BY 1, 2
ON CONFLICT (hour, kit_id) DO UPDATE SET
    unique_drones = EXCLUDED.unique_drones,
    avg_altitude  = EXCLUDED.avg_altitude,
    avg_speed     = EXCLUDED.avg_speed,
    detections    = EXCLUDED.detections`,
		from, horizon)
	if err != nil {
		return fmt.Errorf("refreshing hourly rollup: %w", classify(err))
	}
	return nil
}

// RunMaintenance owns the background schedule: rollup refresh every five
// minutes, partition create-ahead and retention sweep hourly. It returns nil
// once ctx is cancelled; maintenance failures are logged and retried next
// tick rather than taking the process down.
func (s *Store) RunMaintenance(ctx context.Context) error {
	refresh := time.NewTicker(hourlyRefreshEvery)
	defer refresh.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			opCtx, cancel := context.WithTimeout(ctx, maintenanceOpTimeout)
			if err := s.RefreshHourly(opCtx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				_ = level.Warn(s.logger).Log("msg", "hourly rollup refresh failed", "err", err)
			}
			cancel()
		case <-sweep.C:
			opCtx, cancel := context.WithTimeout(ctx, maintenanceOpTimeout)
			now := time.Now().UTC()
			if err := s.EnsurePartitions(opCtx); err != nil && ctx.Err() == nil {
				_ = level.Warn(s.logger).Log("msg", "partition create-ahead failed", "err", err)
			}
			if dropped, err := s.DropExpired(opCtx, now); err != nil && ctx.Err() == nil {
				_ = level.Warn(s.logger).Log("msg", "retention sweep failed", "err", err)
			} else if dropped > 0 {
				_ = level.Info(s.logger).Log("msg", "retention sweep complete", "dropped", dropped)
			}
			cancel()
		}
	}
}
