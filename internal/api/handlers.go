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
	"net/http"
	"strings"
	"time"

	"github.com/wardragon/aggregator/internal/registry"
	"github.com/wardragon/aggregator/internal/storage"
)

// kitJSON is a registry row plus its freshness-derived status.
type kitJSON struct {
	KitID     string          `json:"kit_id"`
	Name      string          `json:"name"`
	Location  string          `json:"location,omitempty"`
	APIURL    string          `json:"api_url"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	LastSeen  *time.Time      `json:"last_seen,omitempty"`
	Status    registry.Status `json:"status"`
}

func (a *API) handleKits(w http.ResponseWriter, r *http.Request) {
	kits := a.registry.List(r.URL.Query().Get("kit_id"))
	now := time.Now().UTC()
	out := make([]kitJSON, 0, len(kits))
	for _, k := range kits {
		out = append(out, kitJSON{
			KitID:     k.KitID,
			Name:      k.Name,
			Location:  k.Location,
			APIURL:    k.APIURL,
			Enabled:   k.Enabled,
			CreatedAt: k.CreatedAt,
			LastSeen:  k.LastSeen,
			Status:    registry.DeriveStatus(k.LastSeen, now),
		})
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"kits": out, "count": len(out)})
}

// droneJSON mirrors a stored observation; absent fields stay absent.
type droneJSON struct {
	Time       time.Time `json:"time"`
	KitID      string    `json:"kit_id"`
	DroneID    string    `json:"drone_id"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	Alt        *float64  `json:"alt,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	PilotLat   *float64  `json:"pilot_lat,omitempty"`
	PilotLon   *float64  `json:"pilot_lon,omitempty"`
	HomeLat    *float64  `json:"home_lat,omitempty"`
	HomeLon    *float64  `json:"home_lon,omitempty"`
	MAC        *string   `json:"mac,omitempty"`
	RSSI       *float64  `json:"rssi,omitempty"`
	Freq       *float64  `json:"freq,omitempty"`
	UAType     *string   `json:"ua_type,omitempty"`
	OperatorID *string   `json:"operator_id,omitempty"`
	CAAID      *string   `json:"caa_id,omitempty"`
	RIDMake    *string   `json:"rid_make,omitempty"`
	RIDModel   *string   `json:"rid_model,omitempty"`
	RIDSource  *string   `json:"rid_source,omitempty"`
	TrackType  string    `json:"track_type"`
}

func droneToJSON(o storage.DroneObservation) droneJSON {
	return droneJSON{
		Time: o.Time, KitID: o.KitID, DroneID: o.DroneID,
		Lat: o.Lat, Lon: o.Lon, Alt: o.Alt, Speed: o.Speed, Heading: o.Heading,
		PilotLat: o.PilotLat, PilotLon: o.PilotLon, HomeLat: o.HomeLat, HomeLon: o.HomeLon,
		MAC: o.MAC, RSSI: o.RSSI, Freq: o.Freq, UAType: o.UAType,
		OperatorID: o.OperatorID, CAAID: o.CAAID,
		RIDMake: o.RIDMake, RIDModel: o.RIDModel, RIDSource: o.RIDSource,
		TrackType: o.TrackType,
	}
}

// droneFilterFromRequest parses the shared /api/drones and /api/export/csv
// query surface.
func (a *API) droneFilterFromRequest(r *http.Request) (storage.DroneFilter, timeRange, error) {
	tr, err := parseTimeRange(r.URL.Query().Get("time_range"), time.Now())
	if err != nil {
		return storage.DroneFilter{}, timeRange{}, err
	}
	limit, err := intQuery(r, "limit", 10000, 1, 10000)
	if err != nil {
		return storage.DroneFilter{}, timeRange{}, err
	}
	return storage.DroneFilter{
		Start:     tr.Start,
		End:       tr.End,
		KitIDs:    csvParam(r.URL.Query().Get("kit_id")),
		RIDMake:   r.URL.Query().Get("rid_make"),
		TrackType: r.URL.Query().Get("track_type"),
		Limit:     limit,
	}, tr, nil
}

func (a *API) handleDrones(w http.ResponseWriter, r *http.Request) {
	f, tr, err := a.droneFilterFromRequest(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	obs, err := a.store.QueryDrones(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]droneJSON, 0, len(obs))
	for _, o := range obs {
		out = append(out, droneToJSON(o))
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"drones": out, "count": len(out), "time_range": tr.Label,
	})
}

type signalJSON struct {
	Time          time.Time `json:"time"`
	KitID         string    `json:"kit_id"`
	FreqMHz       float64   `json:"freq_mhz"`
	PowerDBm      *float64  `json:"power_dbm,omitempty"`
	BandwidthMHz  *float64  `json:"bandwidth_mhz,omitempty"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	Alt           *float64  `json:"alt,omitempty"`
	DetectionType *string   `json:"detection_type,omitempty"`
}

func (a *API) handleSignals(w http.ResponseWriter, r *http.Request) {
	tr, err := parseTimeRange(r.URL.Query().Get("time_range"), time.Now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 10000, 1, 10000)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	minFreq, err := optionalFloatQuery(r, "min_freq_mhz")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	maxFreq, err := optionalFloatQuery(r, "max_freq_mhz")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	obs, err := a.store.QuerySignals(r.Context(), storage.SignalFilter{
		Start:         tr.Start,
		End:           tr.End,
		KitIDs:        csvParam(r.URL.Query().Get("kit_id")),
		DetectionType: r.URL.Query().Get("detection_type"),
		MinFreqMHz:    minFreq,
		MaxFreqMHz:    maxFreq,
		Limit:         limit,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]signalJSON, 0, len(obs))
	for _, o := range obs {
		out = append(out, signalJSON{
			Time: o.Time, KitID: o.KitID, FreqMHz: o.FreqMHz,
			PowerDBm: o.PowerDBm, BandwidthMHz: o.BandwidthMHz,
			Lat: o.Lat, Lon: o.Lon, Alt: o.Alt, DetectionType: o.DetectionType,
		})
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"signals": out, "count": len(out), "time_range": tr.Label,
	})
}

type hourlyJSON struct {
	Hour         time.Time `json:"hour"`
	KitID        string    `json:"kit_id"`
	UniqueDrones int64     `json:"unique_drones"`
	AvgAltitude  *float64  `json:"avg_altitude,omitempty"`
	AvgSpeed     *float64  `json:"avg_speed,omitempty"`
	Detections   int64     `json:"detections"`
}

func (a *API) handleHourly(w http.ResponseWriter, r *http.Request) {
	tr, err := parseTimeRange(r.URL.Query().Get("time_range"), time.Now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	buckets, err := a.store.QueryHourly(r.Context(), tr.Start, tr.End, csvParam(r.URL.Query().Get("kit_id")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]hourlyJSON, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, hourlyJSON{
			Hour: b.Hour, KitID: b.KitID, UniqueDrones: b.UniqueDrones,
			AvgAltitude: b.AvgAltitude, AvgSpeed: b.AvgSpeed, Detections: b.Detections,
		})
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"buckets": out, "count": len(out), "time_range": tr.Label,
	})
}

type sampleLocationJSON struct {
	Time time.Time `json:"time"`
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	Alt  *float64  `json:"alt,omitempty"`
}

type repeatedDroneJSON struct {
	DroneID         string               `json:"drone_id"`
	AppearanceCount int                  `json:"appearance_count"`
	FirstSeen       time.Time            `json:"first_seen"`
	LastSeen        time.Time            `json:"last_seen"`
	Observations    int64                `json:"observations"`
	Locations       []sampleLocationJSON `json:"locations"`
}

func (a *API) handleRepeatedDrones(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "time_window_hours", 24, 1, 168)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	minAppearances, err := intQuery(r, "min_appearances", 2, 2, 1000)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tr := windowFromHours(hours, time.Now())
	findings, err := a.store.RepeatedDrones(r.Context(), tr.Start, tr.End, minAppearances)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]repeatedDroneJSON, 0, len(findings))
	for _, f := range findings {
		j := repeatedDroneJSON{
			DroneID:         f.DroneID,
			AppearanceCount: f.Appearances,
			FirstSeen:       f.FirstSeen,
			LastSeen:        f.LastSeen,
			Observations:    f.Observations,
			Locations:       make([]sampleLocationJSON, 0, len(f.Locations)),
		}
		for _, l := range f.Locations {
			j.Locations = append(j.Locations, sampleLocationJSON{Time: l.Time, Lat: l.Lat, Lon: l.Lon, Alt: l.Alt})
		}
		out = append(out, j)
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"findings": out, "count": len(out), "time_window_hours": hours,
	})
}

type coordinatedJSON struct {
	Score       storage.Severity `json:"score"`
	StartTime   time.Time        `json:"start_time"`
	CentroidLat float64          `json:"centroid_lat"`
	CentroidLon float64          `json:"centroid_lon"`
	DroneCount  int              `json:"drone_count"`
	DroneIDs    []string         `json:"drone_ids"`
	KitIDs      []string         `json:"kit_ids"`
	PointCount  int              `json:"point_count"`
}

func (a *API) handleCoordinated(w http.ResponseWriter, r *http.Request) {
	minutes, err := intQuery(r, "time_window_minutes", 60, 1, 1440)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	threshold, err := floatQuery(r, "distance_threshold_m", 500, 10)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tr := windowFromMinutes(minutes, time.Now())
	clusters, err := a.store.CoordinatedActivity(r.Context(), tr.Start, tr.End, threshold)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]coordinatedJSON, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, coordinatedJSON{
			Score: c.Score, StartTime: c.StartTime,
			CentroidLat: c.CentroidLat, CentroidLon: c.CentroidLon,
			DroneCount: c.DroneCount, DroneIDs: c.DroneIDs, KitIDs: c.KitIDs,
			PointCount: c.PointCount,
		})
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"findings": out, "count": len(out), "time_window_minutes": minutes,
	})
}

type droneSpanJSON struct {
	DroneID   string    `json:"drone_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type pilotReuseJSON struct {
	Method      string          `json:"method"`
	OperatorID  string          `json:"operator_id,omitempty"`
	CentroidLat *float64        `json:"centroid_lat,omitempty"`
	CentroidLon *float64        `json:"centroid_lon,omitempty"`
	Drones      []droneSpanJSON `json:"drones"`
}

func (a *API) handlePilotReuse(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "time_window_hours", 24, 1, 168)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	threshold, err := floatQuery(r, "proximity_threshold_m", 100, 1)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tr := windowFromHours(hours, time.Now())
	findings, err := a.store.PilotReuse(r.Context(), tr.Start, tr.End, threshold)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]pilotReuseJSON, 0, len(findings))
	for _, f := range findings {
		j := pilotReuseJSON{
			Method:      f.Method,
			OperatorID:  f.OperatorID,
			CentroidLat: f.CentroidLat,
			CentroidLon: f.CentroidLon,
			Drones:      make([]droneSpanJSON, 0, len(f.Drones)),
		}
		for _, d := range f.Drones {
			j.Drones = append(j.Drones, droneSpanJSON{DroneID: d.DroneID, FirstSeen: d.FirstSeen, LastSeen: d.LastSeen})
		}
		out = append(out, j)
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"findings": out, "count": len(out), "time_window_hours": hours,
	})
}

type anomalyJSON struct {
	Type     string           `json:"type"`
	Severity storage.Severity `json:"severity"`
	DroneID  string           `json:"drone_id"`
	KitID    string           `json:"kit_id"`
	Time     time.Time        `json:"time"`
	Value    float64          `json:"value"`
	Lat      *float64         `json:"lat,omitempty"`
	Lon      *float64         `json:"lon,omitempty"`
}

func (a *API) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "time_window_hours", 24, 1, 24)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tr := windowFromHours(hours, time.Now())
	findings, err := a.store.Anomalies(r.Context(), tr.Start, tr.End)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]anomalyJSON, 0, len(findings))
	for _, f := range findings {
		out = append(out, anomalyJSON{
			Type: f.Type, Severity: f.Severity, DroneID: f.DroneID, KitID: f.KitID,
			Time: f.Time, Value: f.Value, Lat: f.Lat, Lon: f.Lon,
		})
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"findings": out, "count": len(out), "time_window_hours": hours,
	})
}

type kitDetectionJSON struct {
	KitID string    `json:"kit_id"`
	Time  time.Time `json:"time"`
	RSSI  *float64  `json:"rssi,omitempty"`
	Lat   *float64  `json:"lat,omitempty"`
	Lon   *float64  `json:"lon,omitempty"`
}

type multiKitJSON struct {
	Bucket                time.Time          `json:"bucket"`
	DroneID               string             `json:"drone_id"`
	DistinctKits          int                `json:"distinct_kits"`
	TriangulationPossible bool               `json:"triangulation_possible"`
	Detections            []kitDetectionJSON `json:"detections"`
}

func (a *API) handleMultiKit(w http.ResponseWriter, r *http.Request) {
	minutes, err := intQuery(r, "time_window_minutes", 60, 1, 1440)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tr := windowFromMinutes(minutes, time.Now())
	findings, err := a.store.MultiKitDetections(r.Context(), tr.Start, tr.End)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]multiKitJSON, 0, len(findings))
	for _, f := range findings {
		j := multiKitJSON{
			Bucket:                f.Bucket,
			DroneID:               f.DroneID,
			DistinctKits:          f.DistinctKits,
			TriangulationPossible: f.TriangulationPossible,
			Detections:            make([]kitDetectionJSON, 0, len(f.Detections)),
		}
		for _, d := range f.Detections {
			j.Detections = append(j.Detections, kitDetectionJSON{
				KitID: d.KitID, Time: d.Time, RSSI: d.RSSI, Lat: d.Lat, Lon: d.Lon,
			})
		}
		out = append(out, j)
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{
		"findings": out, "count": len(out), "time_window_minutes": minutes,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.stats.Snapshot()
	a.writeJSON(w, r, http.StatusOK, map[string]any{"kits": stats, "count": len(stats)})
}

// csvParam splits a comma-separated query value, dropping empty elements.
func csvParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
