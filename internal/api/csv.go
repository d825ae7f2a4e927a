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
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"

	"github.com/wardragon/aggregator/internal/storage"
)

// csvHeader is the export column order. Consumers key on positions, so it
// never changes.
var csvHeader = []string{
	"time", "kit_id", "drone_id", "lat", "lon", "alt", "speed", "heading",
	"pilot_lat", "pilot_lon", "home_lat", "home_lon", "mac", "rssi", "freq",
	"ua_type", "operator_id", "caa_id", "rid_make", "rid_model", "rid_source",
	"track_type",
}

// handleExportCSV serves the /api/drones result set as a CSV attachment. The
// filter surface is identical to the JSON endpoint.
func (a *API) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	f, _, err := a.droneFilterFromRequest(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	obs, err := a.store.QueryDrones(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("wardragon_analytics_%s.csv", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		_ = level.Debug(a.logger).Log("msg", "writing csv header failed", "err", err)
		return
	}
	for i := range obs {
		if err := cw.Write(csvRecord(&obs[i])); err != nil {
			_ = level.Debug(a.logger).Log("msg", "writing csv record failed", "err", err)
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = level.Debug(a.logger).Log("msg", "flushing csv failed", "err", err)
	}
}

func csvRecord(o *storage.DroneObservation) []string {
	return []string{
		o.Time.UTC().Format(time.RFC3339Nano),
		o.KitID,
		o.DroneID,
		csvFloat(o.Lat),
		csvFloat(o.Lon),
		csvFloat(o.Alt),
		csvFloat(o.Speed),
		csvFloat(o.Heading),
		csvFloat(o.PilotLat),
		csvFloat(o.PilotLon),
		csvFloat(o.HomeLat),
		csvFloat(o.HomeLon),
		csvText(o.MAC),
		csvFloat(o.RSSI),
		csvFloat(o.Freq),
		csvText(o.UAType),
		csvText(o.OperatorID),
		csvText(o.CAAID),
		csvText(o.RIDMake),
		csvText(o.RIDModel),
		csvText(o.RIDSource),
		o.TrackType,
	}
}

// Absent optionals export as empty cells.
func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvText(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
