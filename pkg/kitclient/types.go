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

package kitclient

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Kit firmware varies widely in how it serializes values. Numbers arrive as
// JSON numbers or quoted strings, timestamps as RFC 3339, epoch seconds or
// epoch milliseconds, and fields appear and disappear between firmware
// versions. The types below absorb that drift: anything absent, null or
// unparseable decodes as invalid instead of failing the record.

// Number is an optional float64.
type Number struct {
	Float64 float64
	Valid   bool
}

// Num is a convenience constructor, mainly for tests.
func Num(v float64) Number { return Number{Float64: v, Valid: true} }

func (n *Number) UnmarshalJSON(data []byte) error {
	n.Float64, n.Valid = 0, false
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var q string
		if err := json.Unmarshal(data, &q); err != nil {
			return nil
		}
		s = strings.TrimSpace(q)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n.Float64, n.Valid = v, true
	return nil
}

// Text is an optional string. Bare JSON numbers and booleans are accepted
// and kept in their literal form.
type Text struct {
	String string
	Valid  bool
}

// Txt is a convenience constructor, mainly for tests.
func Txt(s string) Text { return Text{String: s, Valid: true} }

func (t *Text) UnmarshalJSON(data []byte) error {
	t.String, t.Valid = "", false
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var q string
		if err := json.Unmarshal(data, &q); err != nil {
			return nil
		}
		if q == "" {
			return nil
		}
		t.String, t.Valid = q, true
		return nil
	}
	if s[0] == '{' || s[0] == '[' {
		return nil
	}
	t.String, t.Valid = s, true
	return nil
}

// Timestamp is an optional UTC instant. Accepted encodings: RFC 3339 (with
// or without fractional seconds), a bare "2006-01-02T15:04:05" assumed UTC,
// epoch seconds (integer or fractional) and epoch milliseconds. Epoch values
// at or above 1e11 are read as milliseconds; plausible epoch-second values
// stay below that bound for the next three thousand years.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

const epochMillisBound = 1e11

var bareLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	ts.Time, ts.Valid = time.Time{}, false
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var q string
		if err := json.Unmarshal(data, &q); err != nil {
			return nil
		}
		q = strings.TrimSpace(q)
		if q == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, q); err == nil {
			ts.Time, ts.Valid = t.UTC(), true
			return nil
		}
		for _, layout := range bareLayouts {
			if t, err := time.ParseInLocation(layout, q, time.UTC); err == nil {
				ts.Time, ts.Valid = t, true
				return nil
			}
		}
		s = q // fall through to numeric parsing for quoted epochs
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return nil
	}
	if v >= epochMillisBound {
		v /= 1000
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	ts.Time, ts.Valid = time.Unix(sec, nsec).UTC(), true
	return nil
}

// DroneRecord is one track sample from GET /drones. Every field except the
// identifier is best-effort.
type DroneRecord struct {
	Time       Timestamp `json:"time"`
	DroneID    Text      `json:"drone_id"`
	Lat        Number    `json:"lat"`
	Lon        Number    `json:"lon"`
	Alt        Number    `json:"alt"`
	Speed      Number    `json:"speed"`
	Heading    Number    `json:"heading"`
	PilotLat   Number    `json:"pilot_lat"`
	PilotLon   Number    `json:"pilot_lon"`
	HomeLat    Number    `json:"home_lat"`
	HomeLon    Number    `json:"home_lon"`
	MAC        Text      `json:"mac"`
	RSSI       Number    `json:"rssi"`
	Freq       Number    `json:"freq"`
	UAType     Text      `json:"ua_type"`
	OperatorID Text      `json:"operator_id"`
	CAAID      Text      `json:"caa_id"`
	RIDMake    Text      `json:"rid_make"`
	RIDModel   Text      `json:"rid_model"`
	RIDSource  Text      `json:"rid_source"`
	TrackType  Text      `json:"track_type"`
	ICAO       Text      `json:"icao"`
	Squawk     Text      `json:"squawk"`
}

// SignalRecord is one RF detection from GET /signals.
type SignalRecord struct {
	Time          Timestamp `json:"time"`
	FreqMHz       Number    `json:"freq_mhz"`
	PowerDBm      Number    `json:"power_dbm"`
	BandwidthMHz  Number    `json:"bandwidth_mhz"`
	Lat           Number    `json:"lat"`
	Lon           Number    `json:"lon"`
	Alt           Number    `json:"alt"`
	DetectionType Text      `json:"detection_type"`
}

// GPSFix is the kit's own position inside a status payload.
type GPSFix struct {
	Lat Number `json:"lat"`
	Lon Number `json:"lon"`
	Alt Number `json:"alt"`
}

// StatusRecord is the kit self-report from GET /status. KitID is optional;
// kits that know their fleet identity include it.
type StatusRecord struct {
	Time          Timestamp `json:"time"`
	KitID         Text      `json:"kit_id"`
	GPS           GPSFix    `json:"gps"`
	CPUPercent    Number    `json:"cpu_percent"`
	MemoryPercent Number    `json:"memory_percent"`
	DiskPercent   Number    `json:"disk_percent"`
	UptimeHours   Number    `json:"uptime_hours"`
	TempCPU       Number    `json:"temp_cpu"`
	TempGPU       Number    `json:"temp_gpu"`
}
