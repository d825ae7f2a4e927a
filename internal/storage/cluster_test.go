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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceMeters(t *testing.T) {
	for _, tc := range []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tol                    float64
	}{
		{"zero distance", 47.6, -122.3, 47.6, -122.3, 0, 0.001},
		{"one degree longitude at equator", 0, 0, 0, 1, 111195, 5},
		{"one degree latitude", 0, 0, 1, 0, 111195, 5},
		{"hundred meters north", 0, 0, 0.0008993, 0, 100, 0.5},
		{"antimeridian neighbors", 0, 179.9995, 0, -179.9995, 111.2, 0.5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := DistanceMeters(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			assert.InDelta(t, tc.want, got, tc.tol)
			back := DistanceMeters(tc.lat2, tc.lon2, tc.lat1, tc.lon1)
			assert.InDelta(t, got, back, 1e-9, "distance must be symmetric")
		})
	}
}

func TestSeverityBands(t *testing.T) {
	speed := func(v float64) Severity { return band(v, speedMediumMS, speedHighMS, speedCriticalMS) }
	alt := func(v float64) Severity { return band(v, altMediumM, altHighM, altCriticalM) }
	climb := func(v float64) Severity { return band(v, climbMediumM, climbHighM, climbCriticalM) }

	assert.Equal(t, Severity(""), speed(29.99))
	assert.Equal(t, SeverityMedium, speed(30.00))
	assert.Equal(t, SeverityHigh, speed(40.00))
	assert.Equal(t, SeverityCritical, speed(50.01))

	assert.Equal(t, SeverityMedium, alt(400.00))
	assert.Equal(t, SeverityHigh, alt(450.00))
	assert.Equal(t, SeverityCritical, alt(500.01))
	assert.Equal(t, Severity(""), alt(399.99))

	assert.Equal(t, Severity(""), climb(49.99))
	assert.Equal(t, SeverityMedium, climb(50.00))
	assert.Equal(t, SeverityHigh, climb(75.01))
	assert.Equal(t, SeverityCritical, climb(100.01))
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Greater(t, SeverityRank(SeverityCritical), SeverityRank(SeverityHigh))
	assert.Greater(t, SeverityRank(SeverityHigh), SeverityRank(SeverityMedium))
	assert.Greater(t, SeverityRank(SeverityMedium), SeverityRank(SeverityLow))
	assert.Greater(t, SeverityRank(SeverityLow), SeverityRank(Severity("")))
}

func clusterTestPoint(droneID string, bucket int64, lat, lon float64) clusterPoint {
	return clusterPoint{
		DroneID: droneID,
		KitID:   "kit-1",
		Time:    time.Unix(bucket*60, 0).UTC(),
		Lat:     lat,
		Lon:     lon,
		Bucket:  bucket,
	}
}

func TestClusterPointsGroupsNearbySameBucket(t *testing.T) {
	// 0.0009 degrees of latitude is just over 100 m.
	points := []clusterPoint{
		clusterTestPoint("A", 10, 47.6000, -122.3000),
		clusterTestPoint("B", 10, 47.6009, -122.3000),
		clusterTestPoint("C", 10, 47.7000, -122.3000), // ~11 km away
	}
	groups := clusterPoints(points, 200)
	require.Len(t, groups, 2)

	sizes := map[int]int{}
	for _, g := range groups {
		sizes[len(g)]++
	}
	assert.Equal(t, map[int]int{2: 1, 1: 1}, sizes)
}

func TestClusterPointsAdjacentBucketsLink(t *testing.T) {
	points := []clusterPoint{
		clusterTestPoint("A", 10, 0, 0),
		clusterTestPoint("B", 11, 0.0005, 0),
	}
	groups := clusterPoints(points, 200)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}

func TestClusterPointsNonAdjacentBucketsDoNotLink(t *testing.T) {
	points := []clusterPoint{
		clusterTestPoint("A", 10, 0, 0),
		clusterTestPoint("B", 12, 0.0005, 0),
	}
	groups := clusterPoints(points, 200)
	require.Len(t, groups, 2)
}

func TestClusterPointsTransitiveChain(t *testing.T) {
	// A-B and B-C are each ~150 m apart; A-C is ~300 m. Density clustering
	// still joins all three through B.
	points := []clusterPoint{
		clusterTestPoint("A", 5, 0, 0),
		clusterTestPoint("B", 5, 0.00135, 0),
		clusterTestPoint("C", 5, 0.00270, 0),
	}
	groups := clusterPoints(points, 200)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 3)
	assert.Equal(t, 3, distinctDrones(points, groups[0]))
}

func TestClusterPointsEmpty(t *testing.T) {
	assert.Nil(t, clusterPoints(nil, 100))
}

func TestDistinctDronesAndCentroid(t *testing.T) {
	points := []clusterPoint{
		clusterTestPoint("A", 1, 10, 20),
		clusterTestPoint("A", 1, 12, 22),
		clusterTestPoint("B", 1, 14, 24),
	}
	group := []int{0, 1, 2}
	assert.Equal(t, 2, distinctDrones(points, group))
	lat, lon := centroid(points, group)
	assert.InDelta(t, 12.0, lat, 1e-9)
	assert.InDelta(t, 22.0, lon, 1e-9)
}
