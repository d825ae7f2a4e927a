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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNumberUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want Number
	}{
		{"number", `12.5`, Num(12.5)},
		{"negative", `-88`, Num(-88)},
		{"quoted", `"42.25"`, Num(42.25)},
		{"quoted padded", `" 7 "`, Num(7)},
		{"null", `null`, Number{}},
		{"empty string", `""`, Number{}},
		{"garbage string", `"n/a"`, Number{}},
		{"object", `{"v":1}`, Number{}},
		{"bool", `true`, Number{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got Number
			require.NoError(t, json.Unmarshal([]byte(tc.in), &got))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTextUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want Text
	}{
		{"string", `"DJI-0001"`, Txt("DJI-0001")},
		{"bare number", `12345`, Txt("12345")},
		{"bool", `false`, Txt("false")},
		{"null", `null`, Text{}},
		{"empty", `""`, Text{}},
		{"object", `{"a":1}`, Text{}},
		{"array", `[1,2]`, Text{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got Text
			require.NoError(t, json.Unmarshal([]byte(tc.in), &got))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTimestampUnmarshal(t *testing.T) {
	ref := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		in    string
		want  time.Time
		valid bool
	}{
		{"rfc3339", `"2025-06-15T10:30:00Z"`, ref, true},
		{"rfc3339 offset", `"2025-06-15T12:30:00+02:00"`, ref, true},
		{"rfc3339 fractional", `"2025-06-15T10:30:00.250Z"`, ref.Add(250 * time.Millisecond), true},
		{"bare datetime", `"2025-06-15T10:30:00"`, ref, true},
		{"space datetime", `"2025-06-15 10:30:00"`, ref, true},
		{"epoch seconds", `1749983400`, time.Unix(1749983400, 0).UTC(), true},
		{"epoch seconds fractional", `1749983400.5`, time.Unix(1749983400, 500000000).UTC(), true},
		{"epoch millis", `1749983400250`, time.Unix(1749983400, 250000000).UTC(), true},
		{"quoted epoch", `"1749983400"`, time.Unix(1749983400, 0).UTC(), true},
		{"null", `null`, time.Time{}, false},
		{"zero", `0`, time.Time{}, false},
		{"negative", `-5`, time.Time{}, false},
		{"garbage", `"yesterday"`, time.Time{}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got Timestamp
			require.NoError(t, json.Unmarshal([]byte(tc.in), &got))
			require.Equal(t, tc.valid, got.Valid)
			if tc.valid {
				require.True(t, got.Time.Equal(tc.want), "got %v want %v", got.Time, tc.want)
				require.Equal(t, time.UTC, got.Time.Location())
			}
		})
	}
}

func TestDroneRecordTolerantDecode(t *testing.T) {
	// A payload with mixed value types, missing fields and unknown extras,
	// the way mixed-firmware fleets actually answer.
	payload := `[
		{
			"time": "2025-06-15T10:30:00Z",
			"drone_id": "AA:BB:CC:DD:EE:FF",
			"lat": "47.6097", "lon": -122.3331,
			"alt": 120.5, "speed": "14.2",
			"rssi": -71,
			"operator_id": null,
			"rid_source": "WiFi",
			"firmware_blob": {"nested": true}
		},
		{
			"time": 1749983400,
			"drone_id": 90210,
			"heading": 359.9
		}
	]`
	var records []DroneRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &records))
	require.Len(t, records, 2)

	first := records[0]
	require.Equal(t, Txt("AA:BB:CC:DD:EE:FF"), first.DroneID)
	require.Equal(t, Num(47.6097), first.Lat)
	require.Equal(t, Num(-122.3331), first.Lon)
	require.Equal(t, Num(14.2), first.Speed)
	require.Equal(t, Num(-71), first.RSSI)
	require.False(t, first.OperatorID.Valid)
	require.Equal(t, Txt("WiFi"), first.RIDSource)
	require.False(t, first.PilotLat.Valid)

	second := records[1]
	require.Equal(t, Txt("90210"), second.DroneID)
	require.True(t, second.Time.Valid)
	require.Equal(t, time.Unix(1749983400, 0).UTC(), second.Time.Time)
	require.Equal(t, Num(359.9), second.Heading)
	require.False(t, second.Lat.Valid)
}

func TestStatusRecordDecode(t *testing.T) {
	payload := `{
		"time": "2025-06-15T10:30:00Z",
		"kit_id": "wardragon-07",
		"gps": {"lat": 47.61, "lon": -122.33, "alt": 56.0},
		"cpu_percent": 23.4,
		"memory_percent": "61.2",
		"disk_percent": 48,
		"uptime_hours": 102.7,
		"temp_cpu": 54.0,
		"temp_gpu": null
	}`
	var status StatusRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &status))
	require.Equal(t, Txt("wardragon-07"), status.KitID)
	require.Equal(t, Num(47.61), status.GPS.Lat)
	require.Equal(t, Num(61.2), status.MemoryPercent)
	require.False(t, status.TempGPU.Valid)
}
