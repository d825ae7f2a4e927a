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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/wardragon/aggregator/internal/registry"
	"github.com/wardragon/aggregator/internal/storage"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type addKitRequest struct {
	APIURL   string `json:"api_url" validate:"required,url"`
	Name     string `json:"name" validate:"omitempty,max=256"`
	Location string `json:"location" validate:"omitempty,max=256"`
	Enabled  *bool  `json:"enabled"`
}

func (a *API) decodeBody(r *http.Request, into any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return invalidf("reading request body: %v", err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return invalidf("malformed JSON body: %v", err)
	}
	if err := validate.Struct(into); err != nil {
		return invalidf("invalid request body: %v", err)
	}
	return nil
}

// handleAddKit probes the URL and registers the kit. An unreachable or
// malformed URL is the caller's problem, not an internal one.
func (a *API) handleAddKit(w http.ResponseWriter, r *http.Request) {
	var req addKitRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	kit, err := a.registry.Add(r.Context(), req.APIURL, req.Name, req.Location, enabled)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicate), errors.Is(err, storage.ErrUnavailable):
			a.writeError(w, r, err)
		default:
			a.writeError(w, r, invalidf("%v", err))
		}
		return
	}

	now := time.Now().UTC()
	a.writeJSON(w, r, http.StatusOK, kitJSON{
		KitID:     kit.KitID,
		Name:      kit.Name,
		Location:  kit.Location,
		APIURL:    kit.APIURL,
		Enabled:   kit.Enabled,
		CreatedAt: kit.CreatedAt,
		LastSeen:  kit.LastSeen,
		Status:    registry.DeriveStatus(kit.LastSeen, now),
	})
}

func (a *API) handleRemoveKit(w http.ResponseWriter, r *http.Request) {
	kitID := chi.URLParam(r, "kit_id")
	if err := a.registry.Remove(r.Context(), kitID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{"kit_id": kitID, "status": "removed"})
}

type testKitRequest struct {
	APIURL string `json:"api_url" validate:"omitempty,url"`
	KitID  string `json:"kit_id" validate:"omitempty,max=256"`
}

type probeJSON struct {
	Reachable   bool    `json:"reachable"`
	RoundTripMS float64 `json:"round_trip_ms,omitempty"`
	KitID       string  `json:"kit_id,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// handleTestKit probes a registered kit or a raw URL. An unreachable kit is
// a successful test with a negative result, so the response stays 200.
func (a *API) handleTestKit(w http.ResponseWriter, r *http.Request) {
	var req testKitRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	target := req.APIURL
	if target == "" {
		target = req.KitID
	}
	if target == "" {
		a.writeError(w, r, invalidf("either api_url or kit_id is required"))
		return
	}

	res, err := a.registry.Probe(r.Context(), target)
	if err != nil {
		a.writeJSON(w, r, http.StatusOK, probeJSON{Reachable: false, Detail: err.Error()})
		return
	}
	a.writeJSON(w, r, http.StatusOK, probeJSON{
		Reachable:   true,
		RoundTripMS: float64(res.RoundTrip.Microseconds()) / 1000,
		KitID:       res.KitID,
	})
}
