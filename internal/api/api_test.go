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
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wardragon/aggregator/internal/collector"
	"github.com/wardragon/aggregator/internal/registry"
	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

type fakeStore struct {
	err error

	drones  []storage.DroneObservation
	signals []storage.SignalObservation
	hourly  []storage.HourlyBucket

	repeated    []storage.RepeatedDrone
	coordinated []storage.CoordinatedCluster
	pilots      []storage.PilotReuseFinding
	anomalies   []storage.Anomaly
	multiKit    []storage.MultiKitDetection

	lastDroneFilter  storage.DroneFilter
	lastSignalFilter storage.SignalFilter
	lastStart        time.Time
	lastEnd          time.Time
	lastThreshold    float64
	lastMin          int
}

func (f *fakeStore) Ping(context.Context) error { return f.err }

func (f *fakeStore) QueryDrones(_ context.Context, flt storage.DroneFilter) ([]storage.DroneObservation, error) {
	f.lastDroneFilter = flt
	return f.drones, f.err
}

func (f *fakeStore) QuerySignals(_ context.Context, flt storage.SignalFilter) ([]storage.SignalObservation, error) {
	f.lastSignalFilter = flt
	return f.signals, f.err
}

func (f *fakeStore) QueryHourly(_ context.Context, start, end time.Time, _ []string) ([]storage.HourlyBucket, error) {
	f.lastStart, f.lastEnd = start, end
	return f.hourly, f.err
}

func (f *fakeStore) RepeatedDrones(_ context.Context, start, end time.Time, minAppearances int) ([]storage.RepeatedDrone, error) {
	f.lastStart, f.lastEnd, f.lastMin = start, end, minAppearances
	return f.repeated, f.err
}

func (f *fakeStore) CoordinatedActivity(_ context.Context, start, end time.Time, threshold float64) ([]storage.CoordinatedCluster, error) {
	f.lastStart, f.lastEnd, f.lastThreshold = start, end, threshold
	return f.coordinated, f.err
}

func (f *fakeStore) PilotReuse(_ context.Context, start, end time.Time, threshold float64) ([]storage.PilotReuseFinding, error) {
	f.lastStart, f.lastEnd, f.lastThreshold = start, end, threshold
	return f.pilots, f.err
}

func (f *fakeStore) Anomalies(_ context.Context, start, end time.Time) ([]storage.Anomaly, error) {
	f.lastStart, f.lastEnd = start, end
	return f.anomalies, f.err
}

func (f *fakeStore) MultiKitDetections(_ context.Context, start, end time.Time) ([]storage.MultiKitDetection, error) {
	f.lastStart, f.lastEnd = start, end
	return f.multiKit, f.err
}

type fakeRegistry struct {
	kits     []storage.Kit
	added    storage.Kit
	addErr   error
	removed  string
	remErr   error
	probe    *kitclient.ProbeResult
	probeErr error
}

func (f *fakeRegistry) List(kitID string) []storage.Kit {
	if kitID == "" {
		return f.kits
	}
	var out []storage.Kit
	for _, k := range f.kits {
		if k.KitID == kitID {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeRegistry) Add(_ context.Context, apiURL, name, location string, enabled bool) (storage.Kit, error) {
	if f.addErr != nil {
		return storage.Kit{}, f.addErr
	}
	f.added = storage.Kit{KitID: "kit-added", Name: name, Location: location, APIURL: apiURL, Enabled: enabled, CreatedAt: time.Now().UTC()}
	return f.added, nil
}

func (f *fakeRegistry) Remove(_ context.Context, kitID string) error {
	f.removed = kitID
	return f.remErr
}

func (f *fakeRegistry) Probe(context.Context, string) (*kitclient.ProbeResult, error) {
	return f.probe, f.probeErr
}

type fakeStats struct {
	stats []collector.KitStats
}

func (f *fakeStats) Snapshot() []collector.KitStats { return f.stats }

func newTestAPI(t *testing.T, store *fakeStore, reg *fakeRegistry, stats *fakeStats) *httptest.Server {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	if reg == nil {
		reg = &fakeRegistry{}
	}
	if stats == nil {
		stats = &fakeStats{}
	}
	a := New(log.NewNopLogger(), store, reg, stats, prometheus.NewRegistry(), Options{})
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, wantCode int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantCode, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func fptr(v float64) *float64 { return &v }

func sptr(v string) *string { return &v }

func TestHealth(t *testing.T) {
	srv := newTestAPI(t, nil, nil, nil)
	body := getJSON(t, srv.URL+"/health", http.StatusOK)
	require.Equal(t, "healthy", body["status"])
}

func TestHealthDatabaseDown(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("ping: %w", storage.ErrUnavailable)}
	srv := newTestAPI(t, store, nil, nil)
	body := getJSON(t, srv.URL+"/health", http.StatusServiceUnavailable)
	require.Contains(t, body["detail"], "unavailable")
}

func TestKitsDerivesStatus(t *testing.T) {
	now := time.Now().UTC()
	fresh := now.Add(-5 * time.Second)
	old := now.Add(-10 * time.Minute)
	reg := &fakeRegistry{kits: []storage.Kit{
		{KitID: "kit-a", Name: "a", APIURL: "http://a:8088", Enabled: true, LastSeen: &fresh},
		{KitID: "kit-b", Name: "b", APIURL: "http://b:8088", Enabled: true, LastSeen: &old},
		{KitID: "kit-c", Name: "c", APIURL: "http://c:8088", Enabled: true},
	}}
	srv := newTestAPI(t, nil, reg, nil)

	body := getJSON(t, srv.URL+"/api/kits", http.StatusOK)
	require.EqualValues(t, 3, body["count"])
	kits := body["kits"].([]any)
	require.Equal(t, "online", kits[0].(map[string]any)["status"])
	require.Equal(t, "offline", kits[1].(map[string]any)["status"])
	require.Equal(t, "unknown", kits[2].(map[string]any)["status"])
}

func TestDrones(t *testing.T) {
	store := &fakeStore{drones: []storage.DroneObservation{{
		Time: time.Now().UTC(), KitID: "kit-a", DroneID: "drone-1",
		Lat: fptr(51.5), Lon: fptr(-0.1), TrackType: "drone",
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/drones?time_range=6h&kit_id=kit-a,kit-b&rid_make=DJI&limit=50", http.StatusOK)
	require.EqualValues(t, 1, body["count"])
	require.Equal(t, "6h", body["time_range"])

	require.Equal(t, []string{"kit-a", "kit-b"}, store.lastDroneFilter.KitIDs)
	require.Equal(t, "DJI", store.lastDroneFilter.RIDMake)
	require.Equal(t, 50, store.lastDroneFilter.Limit)
	require.WithinDuration(t, store.lastDroneFilter.End.Add(-6*time.Hour), store.lastDroneFilter.Start, time.Second)

	drone := body["drones"].([]any)[0].(map[string]any)
	require.Equal(t, "drone-1", drone["drone_id"])
	require.InDelta(t, 51.5, drone["lat"], 1e-9)
	// Absent optionals are absent, not null.
	_, present := drone["speed"]
	require.False(t, present)
}

func TestDronesBadTimeRange(t *testing.T) {
	srv := newTestAPI(t, nil, nil, nil)
	body := getJSON(t, srv.URL+"/api/drones?time_range=banana", http.StatusUnprocessableEntity)
	require.Contains(t, body["detail"], "time_range")
}

func TestDronesLimitBounds(t *testing.T) {
	srv := newTestAPI(t, nil, nil, nil)
	getJSON(t, srv.URL+"/api/drones?limit=10001", http.StatusUnprocessableEntity)
	getJSON(t, srv.URL+"/api/drones?limit=0", http.StatusUnprocessableEntity)
}

func TestDronesStorageDown(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("query: %w", storage.ErrUnavailable)}
	srv := newTestAPI(t, store, nil, nil)
	getJSON(t, srv.URL+"/api/drones", http.StatusServiceUnavailable)
}

func TestSignals(t *testing.T) {
	store := &fakeStore{signals: []storage.SignalObservation{{
		Time: time.Now().UTC(), KitID: "kit-a", FreqMHz: 5785,
		PowerDBm: fptr(-62), DetectionType: sptr("analog_fpv"),
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/signals?detection_type=analog_fpv&min_freq_mhz=5600&max_freq_mhz=6000", http.StatusOK)
	require.EqualValues(t, 1, body["count"])
	require.Equal(t, "analog_fpv", store.lastSignalFilter.DetectionType)
	require.NotNil(t, store.lastSignalFilter.MinFreqMHz)
	require.InDelta(t, 5600, *store.lastSignalFilter.MinFreqMHz, 1e-9)
	require.NotNil(t, store.lastSignalFilter.MaxFreqMHz)

	sig := body["signals"].([]any)[0].(map[string]any)
	require.InDelta(t, 5785, sig["freq_mhz"], 1e-9)
	require.Equal(t, "analog_fpv", sig["detection_type"])
}

func TestHourly(t *testing.T) {
	hour := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{hourly: []storage.HourlyBucket{{
		Hour: hour, KitID: "kit-a", UniqueDrones: 4, Detections: 120, AvgSpeed: fptr(11.2),
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/analytics/hourly?time_range=1d", http.StatusOK)
	require.EqualValues(t, 1, body["count"])
	bucket := body["buckets"].([]any)[0].(map[string]any)
	require.EqualValues(t, 4, bucket["unique_drones"])
	require.EqualValues(t, 120, bucket["detections"])
}

func TestRepeatedDrones(t *testing.T) {
	store := &fakeStore{repeated: []storage.RepeatedDrone{{
		DroneID: "drone-1", Appearances: 3,
		FirstSeen: time.Now().Add(-3 * time.Hour), LastSeen: time.Now(),
		Observations: 90,
		Locations:    []storage.SampleLocation{{Time: time.Now(), Lat: 51.5, Lon: -0.1}},
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/patterns/repeated-drones?time_window_hours=48&min_appearances=3", http.StatusOK)
	require.EqualValues(t, 48, body["time_window_hours"])
	require.Equal(t, 3, store.lastMin)
	require.WithinDuration(t, store.lastEnd.Add(-48*time.Hour), store.lastStart, time.Second)

	finding := body["findings"].([]any)[0].(map[string]any)
	require.EqualValues(t, 3, finding["appearance_count"])
	require.Len(t, finding["locations"], 1)
}

func TestRepeatedDronesDefaultsAndBounds(t *testing.T) {
	store := &fakeStore{}
	srv := newTestAPI(t, store, nil, nil)

	getJSON(t, srv.URL+"/api/patterns/repeated-drones", http.StatusOK)
	require.Equal(t, 2, store.lastMin)
	require.WithinDuration(t, store.lastEnd.Add(-24*time.Hour), store.lastStart, time.Second)

	getJSON(t, srv.URL+"/api/patterns/repeated-drones?time_window_hours=169", http.StatusUnprocessableEntity)
	getJSON(t, srv.URL+"/api/patterns/repeated-drones?min_appearances=1", http.StatusUnprocessableEntity)
}

func TestCoordinated(t *testing.T) {
	store := &fakeStore{coordinated: []storage.CoordinatedCluster{{
		Score: storage.SeverityHigh, StartTime: time.Now(),
		CentroidLat: 51.5, CentroidLon: -0.1,
		DroneCount: 5, DroneIDs: []string{"a", "b", "c", "d", "e"},
		KitIDs: []string{"kit-a"}, PointCount: 40,
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/patterns/coordinated?time_window_minutes=30&distance_threshold_m=250", http.StatusOK)
	require.EqualValues(t, 30, body["time_window_minutes"])
	require.InDelta(t, 250, store.lastThreshold, 1e-9)

	finding := body["findings"].([]any)[0].(map[string]any)
	require.Equal(t, "high", finding["score"])
	require.EqualValues(t, 5, finding["drone_count"])
}

func TestPilotReuse(t *testing.T) {
	store := &fakeStore{pilots: []storage.PilotReuseFinding{{
		Method: storage.PilotMethodOperator, OperatorID: "OP-123",
		Drones: []storage.DroneSpan{
			{DroneID: "a", FirstSeen: time.Now().Add(-time.Hour), LastSeen: time.Now()},
			{DroneID: "b", FirstSeen: time.Now().Add(-time.Hour), LastSeen: time.Now()},
		},
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/patterns/pilot-reuse?proximity_threshold_m=50", http.StatusOK)
	require.InDelta(t, 50, store.lastThreshold, 1e-9)
	finding := body["findings"].([]any)[0].(map[string]any)
	require.Equal(t, "operator_id", finding["method"])
	require.Equal(t, "OP-123", finding["operator_id"])
	require.Len(t, finding["drones"], 2)
}

func TestAnomaliesWindowCappedAtOneDay(t *testing.T) {
	store := &fakeStore{anomalies: []storage.Anomaly{{
		Type: storage.AnomalySpeed, Severity: storage.SeverityCritical,
		DroneID: "drone-1", KitID: "kit-a", Time: time.Now(), Value: 55,
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/patterns/anomalies?time_window_hours=12", http.StatusOK)
	finding := body["findings"].([]any)[0].(map[string]any)
	require.Equal(t, "critical", finding["severity"])
	require.InDelta(t, 55, finding["value"].(float64), 1e-9)

	getJSON(t, srv.URL+"/api/patterns/anomalies?time_window_hours=25", http.StatusUnprocessableEntity)
}

func TestMultiKit(t *testing.T) {
	bucket := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	store := &fakeStore{multiKit: []storage.MultiKitDetection{{
		Bucket: bucket, DroneID: "drone-1", DistinctKits: 3, TriangulationPossible: true,
		Detections: []storage.KitDetection{
			{KitID: "kit-a", Time: bucket.Add(10 * time.Second), RSSI: fptr(-70)},
			{KitID: "kit-b", Time: bucket.Add(20 * time.Second)},
			{KitID: "kit-c", Time: bucket.Add(30 * time.Second)},
		},
	}}}
	srv := newTestAPI(t, store, nil, nil)

	body := getJSON(t, srv.URL+"/api/patterns/multi-kit", http.StatusOK)
	require.EqualValues(t, 60, body["time_window_minutes"])
	finding := body["findings"].([]any)[0].(map[string]any)
	require.Equal(t, true, finding["triangulation_possible"])
	require.Len(t, finding["detections"], 3)
}

func TestExportCSV(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	store := &fakeStore{drones: []storage.DroneObservation{{
		Time: now, KitID: "kit-a", DroneID: "drone-1",
		Lat: fptr(51.5), Lon: fptr(-0.1), Alt: fptr(120),
		MAC: sptr("aa:bb:cc:dd:ee:ff"), RIDMake: sptr("DJI"), TrackType: "drone",
	}}}
	srv := newTestAPI(t, store, nil, nil)

	resp, err := http.Get(srv.URL + "/api/export/csv?time_range=1h")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "wardragon_analytics_")

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, csvHeader, records[0])

	row := records[1]
	require.Equal(t, "kit-a", row[1])
	require.Equal(t, "drone-1", row[2])
	require.Equal(t, "51.5", row[3])
	// Absent fields are empty cells.
	require.Equal(t, "", row[6])
	require.Equal(t, "aa:bb:cc:dd:ee:ff", row[12])
	require.Equal(t, "DJI", row[18])
	require.Equal(t, "drone", row[21])
}

func TestAddKit(t *testing.T) {
	reg := &fakeRegistry{}
	srv := newTestAPI(t, nil, reg, nil)

	resp := postJSON(t, srv.URL+"/api/admin/kits", `{"api_url":"http://10.0.0.9:8088","name":"east"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body kitJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "kit-added", body.KitID)
	require.Equal(t, "east", body.Name)
	require.True(t, body.Enabled)
	require.Equal(t, registry.StatusUnknown, body.Status)
}

func TestAddKitValidation(t *testing.T) {
	srv := newTestAPI(t, nil, &fakeRegistry{}, nil)

	for name, body := range map[string]string{
		"missing url":   `{"name":"east"}`,
		"malformed url": `{"api_url":"not a url"}`,
		"bad json":      `{`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/admin/kits", body)
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		})
	}
}

func TestAddKitUnreachable(t *testing.T) {
	reg := &fakeRegistry{addErr: errors.New("probing http://10.0.0.9:8088: connection refused")}
	srv := newTestAPI(t, nil, reg, nil)

	resp := postJSON(t, srv.URL+"/api/admin/kits", `{"api_url":"http://10.0.0.9:8088"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body["detail"], "connection refused")
}

func TestAddKitDuplicate(t *testing.T) {
	reg := &fakeRegistry{addErr: fmt.Errorf("kit %q: %w", "kit-a", registry.ErrDuplicate)}
	srv := newTestAPI(t, nil, reg, nil)

	resp := postJSON(t, srv.URL+"/api/admin/kits", `{"api_url":"http://10.0.0.9:8088"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRemoveKit(t *testing.T) {
	reg := &fakeRegistry{}
	srv := newTestAPI(t, nil, reg, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/admin/kits/kit-a", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "kit-a", reg.removed)
}

func TestRemoveKitNotFound(t *testing.T) {
	reg := &fakeRegistry{remErr: fmt.Errorf("kit %q: %w", "nope", registry.ErrNotFound)}
	srv := newTestAPI(t, nil, reg, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/admin/kits/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestKit(t *testing.T) {
	reg := &fakeRegistry{probe: &kitclient.ProbeResult{RoundTrip: 42 * time.Millisecond, KitID: "wardragon-01"}}
	srv := newTestAPI(t, nil, reg, nil)

	resp := postJSON(t, srv.URL+"/api/admin/kits/test", `{"api_url":"http://10.0.0.9:8088"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body probeJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Reachable)
	require.InDelta(t, 42, body.RoundTripMS, 0.01)
	require.Equal(t, "wardragon-01", body.KitID)
}

func TestTestKitUnreachableIs200(t *testing.T) {
	reg := &fakeRegistry{probeErr: errors.New("dial tcp: i/o timeout")}
	srv := newTestAPI(t, nil, reg, nil)

	resp := postJSON(t, srv.URL+"/api/admin/kits/test", `{"kit_id":"kit-a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body probeJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.Reachable)
	require.Contains(t, body.Detail, "timeout")
}

func TestTestKitWantsATarget(t *testing.T) {
	srv := newTestAPI(t, nil, &fakeRegistry{}, nil)
	resp := postJSON(t, srv.URL+"/api/admin/kits/test", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdminStats(t *testing.T) {
	stats := &fakeStats{stats: []collector.KitStats{{
		KitID: "kit-a", State: collector.StateOnline,
		TotalPolls: 100, SuccessfulPolls: 98, FailedPolls: 2,
		SuccessRate: 0.98,
	}}}
	srv := newTestAPI(t, nil, nil, stats)

	body := getJSON(t, srv.URL+"/api/admin/stats", http.StatusOK)
	require.EqualValues(t, 1, body["count"])
	kit := body["kits"].([]any)[0].(map[string]any)
	require.Equal(t, "kit-a", kit["kit_id"])
	require.EqualValues(t, 100, kit["total_polls"])
	require.InDelta(t, 0.98, kit["success_rate"], 1e-9)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestAPI(t, nil, nil, nil)
	// Serve one instrumented request so the counters exist.
	getJSON(t, srv.URL+"/health", http.StatusOK)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
