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
	"math"
	"sort"
	"time"
)

const (
	// patternResultLimit caps every pattern query's finding list.
	patternResultLimit = 1000
	// clusterCandidateLimit bounds how many positioned observations feed
	// the in-process clustering passes.
	clusterCandidateLimit = 10000
	// maxSampleLocations is how many positions a repeated-drone finding
	// carries, spread across the window.
	maxSampleLocations = 20
	// appearanceGap separates two appearances of the same drone.
	appearanceGap = 5 * time.Minute
	// climbWindow is the span over which rapid altitude change is measured.
	climbWindow = 10 * time.Second
	// climbContinuityGap splits a drone's altitude series into independent
	// runs; no change is measured across a wider gap.
	climbContinuityGap = 30 * time.Second
)

// SampleLocation is one representative position inside a finding.
type SampleLocation struct {
	Time time.Time
	Lat  float64
	Lon  float64
	Alt  *float64
}

// RepeatedDrone reports a drone that came back to the area repeatedly.
type RepeatedDrone struct {
	DroneID      string
	Appearances  int
	FirstSeen    time.Time
	LastSeen     time.Time
	Observations int64
	Locations    []SampleLocation
}

// RepeatedDrones groups the window's observations into appearances (maximal
// runs with no gap above five minutes) and returns drones with at least
// minAppearances of them, most appearances first.
func (s *Store) RepeatedDrones(ctx context.Context, start, end time.Time, minAppearances int) ([]RepeatedDrone, error) {
	rows, err := s.pool.Query(ctx, `
WITH obs AS (
    SELECT drone_id, "time",
           CASE WHEN "time" - LAG("time") OVER (PARTITION BY drone_id ORDER BY "time") > make_interval(secs => $3)
                THEN 1 ELSE 0 END AS gap
    FROM drones
    WHERE "time" >= $1 AND "time" <= $2
),
runs AS (
    SELECT drone_id, "time",
           SUM(gap) OVER (PARTITION BY drone_id ORDER BY "time") AS run
    FROM obs
)
SELECT drone_id,
       COUNT(DISTINCT run)::int AS appearances,
       MIN("time")              AS first_seen,
       MAX("time")              AS last_seen,
       COUNT(*)                 AS observations
FROM runs
GROUP BY drone_id
HAVING COUNT(DISTINCT run) >= $4
ORDER BY appearances DESC, last_seen DESC
LIMIT $5`,
		start, end, appearanceGap.Seconds(), minAppearances, patternResultLimit)
	if err != nil {
		return nil, fmt.Errorf("querying repeated drones: %w", classify(err))
	}
	defer rows.Close()

	var findings []RepeatedDrone
	var ids []string
	for rows.Next() {
		var f RepeatedDrone
		if err := rows.Scan(&f.DroneID, &f.Appearances, &f.FirstSeen, &f.LastSeen, &f.Observations); err != nil {
			return nil, fmt.Errorf("scanning repeated drone: %w", err)
		}
		findings = append(findings, f)
		ids = append(ids, f.DroneID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying repeated drones: %w", classify(err))
	}
	if len(findings) == 0 {
		return nil, nil
	}

	locs, err := s.sampleLocations(ctx, start, end, ids)
	if err != nil {
		return nil, err
	}
	for i := range findings {
		findings[i].Locations = locs[findings[i].DroneID]
	}
	return findings, nil
}

// sampleLocations picks up to maxSampleLocations positioned observations per
// drone, evenly spread over the window.
func (s *Store) sampleLocations(ctx context.Context, start, end time.Time, droneIDs []string) (map[string][]SampleLocation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT drone_id, "time", lat, lon, alt FROM (
    SELECT drone_id, "time", lat, lon, alt,
           row_number() OVER (PARTITION BY drone_id ORDER BY "time") AS rn,
           COUNT(*)     OVER (PARTITION BY drone_id)                 AS n
    FROM drones
    WHERE "time" >= $1 AND "time" <= $2 AND drone_id = ANY($3)
      AND lat IS NOT NULL AND lon IS NOT NULL
) t
WHERE (rn - 1) % GREATEST(n / $4, 1) = 0
ORDER BY drone_id, "time"`,
		start, end, droneIDs, maxSampleLocations)
	if err != nil {
		return nil, fmt.Errorf("sampling drone locations: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[string][]SampleLocation, len(droneIDs))
	for rows.Next() {
		var id string
		var loc SampleLocation
		if err := rows.Scan(&id, &loc.Time, &loc.Lat, &loc.Lon, &loc.Alt); err != nil {
			return nil, fmt.Errorf("scanning sample location: %w", err)
		}
		if len(out[id]) < maxSampleLocations {
			out[id] = append(out[id], loc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sampling drone locations: %w", classify(err))
	}
	return out, nil
}

// CoordinatedCluster is a group of at least two drones moving together in
// time and space.
type CoordinatedCluster struct {
	Score       Severity
	StartTime   time.Time
	CentroidLat float64
	CentroidLon float64
	DroneCount  int
	DroneIDs    []string
	KitIDs      []string
	PointCount  int
}

// CoordinatedActivity density-clusters positioned observations into
// (minute-bucket, position) groups and keeps clusters holding two or more
// distinct drones. Five drones and up score high, three or four medium, two
// low; equal scores order by earliest cluster time.
func (s *Store) CoordinatedActivity(ctx context.Context, start, end time.Time, distanceThresholdM float64) ([]CoordinatedCluster, error) {
	rows, err := s.pool.Query(ctx, `
SELECT drone_id, kit_id, "time", lat, lon
FROM drones
WHERE "time" >= $1 AND "time" <= $2 AND lat IS NOT NULL AND lon IS NOT NULL
ORDER BY "time"
LIMIT $3`,
		start, end, clusterCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("querying coordinated candidates: %w", classify(err))
	}
	defer rows.Close()

	var points []clusterPoint
	for rows.Next() {
		var p clusterPoint
		if err := rows.Scan(&p.DroneID, &p.KitID, &p.Time, &p.Lat, &p.Lon); err != nil {
			return nil, fmt.Errorf("scanning coordinated candidate: %w", err)
		}
		p.Bucket = minuteBucket(p.Time)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying coordinated candidates: %w", classify(err))
	}

	var clusters []CoordinatedCluster
	for _, group := range clusterPoints(points, distanceThresholdM) {
		drones := distinctDrones(points, group)
		if drones < 2 {
			continue
		}
		var score Severity
		switch {
		case drones >= 5:
			score = SeverityHigh
		case drones >= 3:
			score = SeverityMedium
		default:
			score = SeverityLow
		}
		lat, lon := centroid(points, group)
		c := CoordinatedCluster{
			Score:       score,
			StartTime:   points[group[0]].Time,
			CentroidLat: lat,
			CentroidLon: lon,
			DroneCount:  drones,
			PointCount:  len(group),
		}
		droneSet := make(map[string]struct{})
		kitSet := make(map[string]struct{})
		for _, i := range group {
			if points[i].Time.Before(c.StartTime) {
				c.StartTime = points[i].Time
			}
			droneSet[points[i].DroneID] = struct{}{}
			kitSet[points[i].KitID] = struct{}{}
		}
		c.DroneIDs = sortedKeys(droneSet)
		c.KitIDs = sortedKeys(kitSet)
		clusters = append(clusters, c)
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		ri, rj := SeverityRank(clusters[i].Score), SeverityRank(clusters[j].Score)
		if ri != rj {
			return ri > rj
		}
		return clusters[i].StartTime.Before(clusters[j].StartTime)
	})
	if len(clusters) > patternResultLimit {
		clusters = clusters[:patternResultLimit]
	}
	return clusters, nil
}

// DroneSpan is a drone's first and last sighting inside one finding.
type DroneSpan struct {
	DroneID   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Pilot-reuse correlation methods.
const (
	PilotMethodOperator = "operator_id"
	PilotMethodLocation = "pilot_location"
)

// PilotReuseFinding links distinct drones to one operator, either through a
// shared operator id or through pilot positions clustering together.
type PilotReuseFinding struct {
	Method      string
	OperatorID  string
	CentroidLat *float64
	CentroidLon *float64
	Drones      []DroneSpan
}

// PilotReuse unions both correlation methods over the window. Findings are
// ordered by involved-drone count, then recency.
func (s *Store) PilotReuse(ctx context.Context, start, end time.Time, proximityThresholdM float64) ([]PilotReuseFinding, error) {
	findings, err := s.sharedOperatorFindings(ctx, start, end)
	if err != nil {
		return nil, err
	}
	located, err := s.pilotLocationFindings(ctx, start, end, proximityThresholdM)
	if err != nil {
		return nil, err
	}
	findings = append(findings, located...)

	sort.SliceStable(findings, func(i, j int) bool {
		if len(findings[i].Drones) != len(findings[j].Drones) {
			return len(findings[i].Drones) > len(findings[j].Drones)
		}
		return lastSeen(findings[i].Drones).After(lastSeen(findings[j].Drones))
	})
	if len(findings) > patternResultLimit {
		findings = findings[:patternResultLimit]
	}
	return findings, nil
}

func lastSeen(spans []DroneSpan) time.Time {
	var last time.Time
	for _, s := range spans {
		if s.LastSeen.After(last) {
			last = s.LastSeen
		}
	}
	return last
}

func (s *Store) sharedOperatorFindings(ctx context.Context, start, end time.Time) ([]PilotReuseFinding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT operator_id, drone_id, MIN("time") AS first_seen, MAX("time") AS last_seen
FROM drones
WHERE "time" >= $1 AND "time" <= $2 AND operator_id IS NOT NULL AND operator_id <> ''
GROUP BY operator_id, drone_id
ORDER BY operator_id, drone_id`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("querying shared operators: %w", classify(err))
	}
	defer rows.Close()

	byOperator := make(map[string][]DroneSpan)
	var order []string
	for rows.Next() {
		var op string
		var span DroneSpan
		if err := rows.Scan(&op, &span.DroneID, &span.FirstSeen, &span.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning shared operator: %w", err)
		}
		if _, seen := byOperator[op]; !seen {
			order = append(order, op)
		}
		byOperator[op] = append(byOperator[op], span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying shared operators: %w", classify(err))
	}

	var findings []PilotReuseFinding
	for _, op := range order {
		spans := byOperator[op]
		if len(spans) < 2 {
			continue
		}
		findings = append(findings, PilotReuseFinding{
			Method:     PilotMethodOperator,
			OperatorID: op,
			Drones:     spans,
		})
	}
	return findings, nil
}

func (s *Store) pilotLocationFindings(ctx context.Context, start, end time.Time, proximityThresholdM float64) ([]PilotReuseFinding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT drone_id, "time", pilot_lat, pilot_lon
FROM drones
WHERE "time" >= $1 AND "time" <= $2 AND pilot_lat IS NOT NULL AND pilot_lon IS NOT NULL
ORDER BY "time"
LIMIT $3`,
		start, end, clusterCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("querying pilot positions: %w", classify(err))
	}
	defer rows.Close()

	var points []clusterPoint
	for rows.Next() {
		var p clusterPoint
		if err := rows.Scan(&p.DroneID, &p.Time, &p.Lat, &p.Lon); err != nil {
			return nil, fmt.Errorf("scanning pilot position: %w", err)
		}
		// Pilot clustering is purely spatial within the window.
		p.Bucket = 0
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying pilot positions: %w", classify(err))
	}

	var findings []PilotReuseFinding
	for _, group := range clusterPoints(points, proximityThresholdM) {
		if distinctDrones(points, group) < 2 {
			continue
		}
		spans := make(map[string]*DroneSpan)
		var ids []string
		for _, i := range group {
			p := points[i]
			span, ok := spans[p.DroneID]
			if !ok {
				spans[p.DroneID] = &DroneSpan{DroneID: p.DroneID, FirstSeen: p.Time, LastSeen: p.Time}
				ids = append(ids, p.DroneID)
				continue
			}
			if p.Time.Before(span.FirstSeen) {
				span.FirstSeen = p.Time
			}
			if p.Time.After(span.LastSeen) {
				span.LastSeen = p.Time
			}
		}
		sort.Strings(ids)
		lat, lon := centroid(points, group)
		f := PilotReuseFinding{
			Method:      PilotMethodLocation,
			CentroidLat: &lat,
			CentroidLon: &lon,
		}
		for _, id := range ids {
			f.Drones = append(f.Drones, *spans[id])
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// Anomaly finding types.
const (
	AnomalySpeed          = "speed"
	AnomalyAltitude       = "altitude"
	AnomalyAltitudeChange = "altitude_change"
)

// Anomaly is one behavioral rule violation.
type Anomaly struct {
	Type     string
	Severity Severity
	DroneID  string
	KitID    string
	Time     time.Time
	// Value is the measured quantity: speed in m/s, altitude in m, or the
	// absolute altitude change in m.
	Value float64
	Lat   *float64
	Lon   *float64
}

// Anomalies applies the speed, altitude and rapid-altitude-change rules over
// the window and orders findings worst first.
func (s *Store) Anomalies(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	findings, err := s.thresholdAnomalies(ctx, start, end)
	if err != nil {
		return nil, err
	}
	climbs, err := s.climbAnomalies(ctx, start, end)
	if err != nil {
		return nil, err
	}
	findings = append(findings, climbs...)

	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := SeverityRank(findings[i].Severity), SeverityRank(findings[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return findings[i].Time.After(findings[j].Time)
	})
	if len(findings) > patternResultLimit {
		findings = findings[:patternResultLimit]
	}
	return findings, nil
}

func (s *Store) thresholdAnomalies(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	rows, err := s.pool.Query(ctx, `
SELECT drone_id, kit_id, "time", lat, lon, alt, speed
FROM drones
WHERE "time" >= $1 AND "time" <= $2 AND (speed >= $3 OR alt >= $4)
ORDER BY "time" DESC
LIMIT $5`,
		start, end, speedMediumMS, altMediumM, clusterCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("querying threshold anomalies: %w", classify(err))
	}
	defer rows.Close()

	var findings []Anomaly
	for rows.Next() {
		var droneID, kitID string
		var t time.Time
		var lat, lon, alt, speed *float64
		if err := rows.Scan(&droneID, &kitID, &t, &lat, &lon, &alt, &speed); err != nil {
			return nil, fmt.Errorf("scanning threshold anomaly: %w", err)
		}
		if speed != nil {
			if sev := band(*speed, speedMediumMS, speedHighMS, speedCriticalMS); sev != "" {
				findings = append(findings, Anomaly{
					Type: AnomalySpeed, Severity: sev, DroneID: droneID, KitID: kitID,
					Time: t, Value: *speed, Lat: lat, Lon: lon,
				})
			}
		}
		if alt != nil {
			if sev := band(*alt, altMediumM, altHighM, altCriticalM); sev != "" {
				findings = append(findings, Anomaly{
					Type: AnomalyAltitude, Severity: sev, DroneID: droneID, KitID: kitID,
					Time: t, Value: *alt, Lat: lat, Lon: lon,
				})
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying threshold anomalies: %w", classify(err))
	}
	return findings, nil
}

// altSample is one altitude-bearing observation feeding the climb detector.
type altSample struct {
	DroneID string
	KitID   string
	Time    time.Time
	Lat     *float64
	Lon     *float64
	Alt     float64
}

// climbAnomalies flags rapid altitude change per drone over a sliding
// ten-second window; see detectClimbs for the windowing rules.
func (s *Store) climbAnomalies(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	rows, err := s.pool.Query(ctx, `
SELECT drone_id, kit_id, "time", lat, lon, alt
FROM drones
WHERE "time" >= $1 AND "time" <= $2 AND alt IS NOT NULL
ORDER BY drone_id, "time"
LIMIT $3`,
		start, end, clusterCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("querying climb candidates: %w", classify(err))
	}
	defer rows.Close()

	var samples []altSample
	for rows.Next() {
		var p altSample
		if err := rows.Scan(&p.DroneID, &p.KitID, &p.Time, &p.Lat, &p.Lon, &p.Alt); err != nil {
			return nil, fmt.Errorf("scanning climb candidate: %w", err)
		}
		samples = append(samples, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying climb candidates: %w", classify(err))
	}
	return detectClimbs(samples), nil
}

// detectClimbs slides a climbWindow-long window over each drone's altitude
// series and bands the window's min-to-max altitude spread at the sample
// closing the window. A gap above climbContinuityGap starts a new run; a
// cadence sparser than the window but still within a run is measured against
// the previous sample instead. Input must be ordered by drone, then time.
func detectClimbs(samples []altSample) []Anomaly {
	var findings []Anomaly
	var run []altSample
	lo := 0
	for _, s := range samples {
		if n := len(run); n > 0 {
			prev := run[n-1]
			if s.DroneID != prev.DroneID || s.Time.Sub(prev.Time) > climbContinuityGap {
				run = run[:0]
				lo = 0
			}
		}
		run = append(run, s)
		for lo < len(run)-1 && s.Time.Sub(run[lo].Time) > climbWindow {
			lo++
		}

		var delta float64
		if window := run[lo:]; len(window) >= 2 {
			minAlt, maxAlt := window[0].Alt, window[0].Alt
			for _, w := range window[1:] {
				minAlt = math.Min(minAlt, w.Alt)
				maxAlt = math.Max(maxAlt, w.Alt)
			}
			delta = maxAlt - minAlt
		} else if len(run) >= 2 {
			delta = math.Abs(s.Alt - run[len(run)-2].Alt)
		} else {
			continue
		}

		sev := band(delta, climbMediumM, climbHighM, climbCriticalM)
		if sev == "" {
			continue
		}
		findings = append(findings, Anomaly{
			Type:     AnomalyAltitudeChange,
			Severity: sev,
			DroneID:  s.DroneID,
			KitID:    s.KitID,
			Time:     s.Time,
			Value:    delta,
			Lat:      s.Lat,
			Lon:      s.Lon,
		})
	}
	return findings
}

// KitDetection is one kit's view of a drone within a multi-kit bucket.
type KitDetection struct {
	KitID string
	Time  time.Time
	RSSI  *float64
	Lat   *float64
	Lon   *float64
}

// MultiKitDetection is one drone seen by several kits inside one 1-minute
// bucket.
type MultiKitDetection struct {
	Bucket                time.Time
	DroneID               string
	DistinctKits          int
	TriangulationPossible bool
	Detections            []KitDetection
}

// MultiKitDetections buckets the window into minutes and returns every
// (drone, bucket) observed by at least two distinct kits, keeping each kit's
// latest in-bucket tuple. Three or more kits flag the bucket as
// triangulation-possible.
func (s *Store) MultiKitDetections(ctx context.Context, start, end time.Time) ([]MultiKitDetection, error) {
	rows, err := s.pool.Query(ctx, `
WITH bucketed AS (
    SELECT date_trunc('minute', "time") AS bucket, drone_id, kit_id, rssi, lat, lon, "time"
    FROM drones
    WHERE "time" >= $1 AND "time" <= $2
),
flagged AS (
    SELECT bucket, drone_id
    FROM bucketed
    GROUP BY bucket, drone_id
    HAVING COUNT(DISTINCT kit_id) >= 2
)
SELECT b.bucket, b.drone_id, b.kit_id, b.rssi, b.lat, b.lon, b."time"
FROM bucketed b
JOIN flagged f USING (bucket, drone_id)
ORDER BY b.bucket DESC, b.drone_id, b."time"`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("querying multi-kit detections: %w", classify(err))
	}
	defer rows.Close()

	type key struct {
		bucket  time.Time
		droneID string
	}
	grouped := make(map[key]map[string]KitDetection)
	var order []key
	for rows.Next() {
		var k key
		var d KitDetection
		if err := rows.Scan(&k.bucket, &k.droneID, &d.KitID, &d.RSSI, &d.Lat, &d.Lon, &d.Time); err != nil {
			return nil, fmt.Errorf("scanning multi-kit detection: %w", err)
		}
		byKit, seen := grouped[k]
		if !seen {
			byKit = make(map[string]KitDetection)
			grouped[k] = byKit
			order = append(order, k)
		}
		if prev, ok := byKit[d.KitID]; !ok || d.Time.After(prev.Time) {
			byKit[d.KitID] = d
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying multi-kit detections: %w", classify(err))
	}

	findings := make([]MultiKitDetection, 0, len(order))
	for _, k := range order {
		byKit := grouped[k]
		f := MultiKitDetection{
			Bucket:                k.bucket,
			DroneID:               k.droneID,
			DistinctKits:          len(byKit),
			TriangulationPossible: len(byKit) >= 3,
		}
		for _, kitID := range sortedDetectionKits(byKit) {
			f.Detections = append(f.Detections, byKit[kitID])
		}
		findings = append(findings, f)
		if len(findings) == patternResultLimit {
			break
		}
	}
	return findings, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedDetectionKits(byKit map[string]KitDetection) []string {
	out := make([]string, 0, len(byKit))
	for k := range byKit {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
