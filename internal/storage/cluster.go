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
	"math"
	"time"
)

const earthRadiusM = 6371000.0

// DistanceMeters is the great-circle haversine distance between two WGS84
// points. It mirrors the calc_distance_m SQL function so in-process
// clustering and SQL filtering agree.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Severity grades a pattern finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for sorting; higher is worse. Unknown
// severities rank below low.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Anomaly thresholds. Medium and high include their bound; critical is
// strictly above its own.
const (
	speedMediumMS   = 30.0
	speedHighMS     = 40.0
	speedCriticalMS = 50.0

	altMediumM   = 400.0
	altHighM     = 450.0
	altCriticalM = 500.0

	climbMediumM   = 50.0
	climbHighM     = 75.0
	climbCriticalM = 100.0
)

// band grades v against a threshold triple; empty means below medium.
func band(v, medium, high, critical float64) Severity {
	switch {
	case v > critical:
		return SeverityCritical
	case v >= high:
		return SeverityHigh
	case v >= medium:
		return SeverityMedium
	default:
		return ""
	}
}

// clusterPoint is one observation projected for density clustering.
type clusterPoint struct {
	DroneID string
	KitID   string
	Time    time.Time
	Lat     float64
	Lon     float64
	// Bucket is the point's minute index. Points cluster only when their
	// buckets are equal or adjacent; timeless clustering uses one shared
	// bucket.
	Bucket int64
}

func minuteBucket(t time.Time) int64 { return t.Unix() / 60 }

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]] // path halving
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri != rj {
		u.parent[ri] = rj
	}
}

// clusterPoints groups points whose buckets are equal or adjacent and whose
// great-circle distance is at most maxDistM. Returned groups are index lists
// into points, in first-seen order.
func clusterPoints(points []clusterPoint, maxDistM float64) [][]int {
	if len(points) == 0 {
		return nil
	}
	uf := newUnionFind(len(points))

	byBucket := make(map[int64][]int)
	for i, p := range points {
		byBucket[p.Bucket] = append(byBucket[p.Bucket], i)
	}

	// A degree of latitude is ~111 km; reject on the cheap bound before
	// paying for the haversine.
	latBound := maxDistM / 111000.0

	near := func(i, j int) bool {
		pi, pj := points[i], points[j]
		if math.Abs(pi.Lat-pj.Lat) > latBound {
			return false
		}
		return DistanceMeters(pi.Lat, pi.Lon, pj.Lat, pj.Lon) <= maxDistM
	}

	for bucket, idxs := range byBucket {
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				if near(idxs[a], idxs[b]) {
					uf.union(idxs[a], idxs[b])
				}
			}
		}
		next, ok := byBucket[bucket+1]
		if !ok {
			continue
		}
		for _, i := range idxs {
			for _, j := range next {
				if near(i, j) {
					uf.union(i, j)
				}
			}
		}
	}

	groups := make(map[int][]int)
	var order []int
	for i := range points {
		root := uf.find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], i)
	}
	out := make([][]int, 0, len(order))
	for _, root := range order {
		out = append(out, groups[root])
	}
	return out
}

// distinctDrones counts unique drone ids across the group's points.
func distinctDrones(points []clusterPoint, group []int) int {
	seen := make(map[string]struct{}, len(group))
	for _, i := range group {
		seen[points[i].DroneID] = struct{}{}
	}
	return len(seen)
}

// centroid averages the group's coordinates.
func centroid(points []clusterPoint, group []int) (lat, lon float64) {
	for _, i := range group {
		lat += points[i].Lat
		lon += points[i].Lon
	}
	n := float64(len(group))
	return lat / n, lon / n
}
