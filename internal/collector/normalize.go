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
	"math"
	"strings"
	"time"

	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

// Track types stored on drone observations.
const (
	TrackTypeDrone    = "drone"
	TrackTypeAircraft = "aircraft"
)

// Signal detection types. Firmware hints win; absent hints fall back to the
// frequency band.
const (
	DetectionAnalogFPV = "analog_fpv"
	DetectionDJIFPV    = "dji_fpv"
	DetectionRCControl = "rc_control"
	DetectionWiFi      = "wifi"
	DetectionUnknown   = "unknown"
)

// normalizeDrones converts one /drones payload into storable observations.
// Records without any identity are dropped; everything else degrades field by
// field. Timestamps missing from the record take the receive instant.
func normalizeDrones(kitID string, recs []kitclient.DroneRecord, received time.Time) []storage.DroneObservation {
	out := make([]storage.DroneObservation, 0, len(recs))
	for _, rec := range recs {
		id := rec.DroneID.String
		if !rec.DroneID.Valid || id == "" {
			// A MAC still identifies the track; a record with neither is
			// unusable.
			if !rec.MAC.Valid || rec.MAC.String == "" {
				continue
			}
			id = rec.MAC.String
		}

		o := storage.DroneObservation{
			Time:      obsTime(rec.Time, received),
			KitID:     kitID,
			DroneID:   id,
			Speed:     optNonNegative(rec.Speed),
			Heading:   optHeading(rec.Heading),
			Alt:       opt(rec.Alt),
			MAC:       optText(rec.MAC),
			RSSI:      opt(rec.RSSI),
			Freq:      optNonNegative(rec.Freq),
			UAType:    optText(rec.UAType),
			CAAID:     optText(rec.CAAID),
			RIDMake:   optText(rec.RIDMake),
			RIDModel:  optText(rec.RIDModel),
			RIDSource: optText(rec.RIDSource),
			TrackType: inferTrackType(rec),
		}
		o.Lat, o.Lon = optPosition(rec.Lat, rec.Lon, false)
		o.PilotLat, o.PilotLon = optPosition(rec.PilotLat, rec.PilotLon, true)
		o.HomeLat, o.HomeLon = optPosition(rec.HomeLat, rec.HomeLon, true)
		if rec.OperatorID.Valid && rec.OperatorID.String != "" {
			o.OperatorID = optText(rec.OperatorID)
		}
		out = append(out, o)
	}
	return out
}

// normalizeSignals converts one /signals payload. Frequency is the signal's
// identity; records without one are dropped.
func normalizeSignals(kitID string, recs []kitclient.SignalRecord, received time.Time) []storage.SignalObservation {
	out := make([]storage.SignalObservation, 0, len(recs))
	for _, rec := range recs {
		if !rec.FreqMHz.Valid || rec.FreqMHz.Float64 <= 0 {
			continue
		}
		o := storage.SignalObservation{
			Time:         obsTime(rec.Time, received),
			KitID:        kitID,
			FreqMHz:      rec.FreqMHz.Float64,
			PowerDBm:     opt(rec.PowerDBm),
			BandwidthMHz: optNonNegative(rec.BandwidthMHz),
			Alt:          opt(rec.Alt),
		}
		o.Lat, o.Lon = optPosition(rec.Lat, rec.Lon, false)
		dt := inferDetectionType(rec)
		o.DetectionType = &dt
		out = append(out, o)
	}
	return out
}

// normalizeStatus converts one /status payload into a health sample.
func normalizeStatus(kitID string, rec *kitclient.StatusRecord, received time.Time) storage.HealthSample {
	h := storage.HealthSample{
		Time:          obsTime(rec.Time, received),
		KitID:         kitID,
		Alt:           opt(rec.GPS.Alt),
		CPUPercent:    optPercent(rec.CPUPercent),
		MemoryPercent: optPercent(rec.MemoryPercent),
		DiskPercent:   optPercent(rec.DiskPercent),
		UptimeHours:   optNonNegative(rec.UptimeHours),
		TempCPU:       opt(rec.TempCPU),
		TempGPU:       opt(rec.TempGPU),
	}
	// A kit without GPS lock reports (0,0); store the fix as absent.
	h.Lat, h.Lon = optPosition(rec.GPS.Lat, rec.GPS.Lon, true)
	return h
}

// obsTime picks the record's own instant when it carries one, else the
// receive instant. Stored resolution is microseconds.
func obsTime(ts kitclient.Timestamp, received time.Time) time.Time {
	t := received
	if ts.Valid {
		t = ts.Time
	}
	return t.UTC().Truncate(time.Microsecond)
}

// inferTrackType tags manned aircraft. An explicit track_type wins; otherwise
// any ADS-B marker (rid_source, an ICAO hex or a squawk code) implies
// aircraft and everything else is a drone.
func inferTrackType(rec kitclient.DroneRecord) string {
	if rec.TrackType.Valid {
		if strings.EqualFold(rec.TrackType.String, TrackTypeAircraft) {
			return TrackTypeAircraft
		}
		return TrackTypeDrone
	}
	if rec.RIDSource.Valid && strings.EqualFold(rec.RIDSource.String, "adsb") {
		return TrackTypeAircraft
	}
	if (rec.ICAO.Valid && rec.ICAO.String != "") || (rec.Squawk.Valid && rec.Squawk.String != "") {
		return TrackTypeAircraft
	}
	return TrackTypeDrone
}

// inferDetectionType keeps a known firmware hint, else classifies by band:
// 5.6-6.0 GHz analog FPV video, 2.4/5.8 GHz ISM WiFi, and the sub-GHz
// control bands around 433/868/915 MHz.
func inferDetectionType(rec kitclient.SignalRecord) string {
	if rec.DetectionType.Valid {
		switch dt := strings.ToLower(rec.DetectionType.String); dt {
		case DetectionAnalogFPV, DetectionDJIFPV, DetectionRCControl, DetectionWiFi:
			return dt
		}
	}
	f := rec.FreqMHz.Float64
	switch {
	case f >= 5600 && f <= 6000:
		return DetectionAnalogFPV
	case f >= 2400 && f <= 2500:
		return DetectionWiFi
	case (f >= 420 && f <= 450) || (f >= 860 && f <= 930):
		return DetectionRCControl
	default:
		return DetectionUnknown
	}
}

func opt(n kitclient.Number) *float64 {
	if !n.Valid || math.IsNaN(n.Float64) || math.IsInf(n.Float64, 0) {
		return nil
	}
	v := n.Float64
	return &v
}

func optNonNegative(n kitclient.Number) *float64 {
	p := opt(n)
	if p == nil || *p < 0 {
		return nil
	}
	return p
}

func optPercent(n kitclient.Number) *float64 {
	p := opt(n)
	if p == nil || *p < 0 || *p > 100 {
		return nil
	}
	return p
}

// optHeading wraps into [0, 360).
func optHeading(n kitclient.Number) *float64 {
	p := opt(n)
	if p == nil {
		return nil
	}
	h := math.Mod(*p, 360)
	if h < 0 {
		h += 360
	}
	return &h
}

func optText(t kitclient.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

// optPosition validates a coordinate pair together: both present and in WGS84
// range, or both absent. zeroIsAbsent additionally treats an exact (0,0) as
// "no fix", which is what kit firmware emits for unknown pilot, home and GPS
// positions.
func optPosition(lat, lon kitclient.Number, zeroIsAbsent bool) (*float64, *float64) {
	la, lo := opt(lat), opt(lon)
	if la == nil || lo == nil {
		return nil, nil
	}
	if *la < -90 || *la > 90 || *lo < -180 || *lo > 180 {
		return nil, nil
	}
	if zeroIsAbsent && *la == 0 && *lo == 0 {
		return nil, nil
	}
	return la, lo
}
