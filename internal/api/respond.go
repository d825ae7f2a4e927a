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
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/wardragon/aggregator/internal/registry"
	"github.com/wardragon/aggregator/internal/storage"
)

// validationError marks a request the caller needs to fix; it surfaces as
// 422 with the message as detail.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// errorDetail is the error body shape: {"detail": "..."}.
type errorDetail struct {
	Detail string `json:"detail"`
}

func (a *API) writeJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(payload)
	if err != nil {
		_ = level.Error(a.logger).Log("msg", "marshaling response failed", "path", r.URL.Path, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"encoding response failed"}`))
		return
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		_ = level.Debug(a.logger).Log("msg", "writing response failed", "path", r.URL.Path, "err", err)
	}
}

// writeError maps an error onto the status contract and emits the detail
// body. Validation problems are the caller's; everything else is logged.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *validationError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &vErr):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, storage.ErrKitNotFound):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicate):
		code = http.StatusConflict
	}
	if code >= http.StatusInternalServerError {
		_ = level.Error(a.logger).Log("msg", "request failed", "path", r.URL.Path, "code", code, "err", err)
	}
	a.writeJSON(w, r, code, errorDetail{Detail: err.Error()})
}

// intQuery parses an optional integer query parameter and enforces its
// bounds inclusively.
func intQuery(r *http.Request, name string, def, minVal, maxVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidf("parameter %q must be an integer, got %q", name, raw)
	}
	if v < minVal || v > maxVal {
		return 0, invalidf("parameter %q must be in [%d, %d], got %d", name, minVal, maxVal, v)
	}
	return v, nil
}

// floatQuery parses an optional float query parameter with a lower bound.
func floatQuery(r *http.Request, name string, def, minVal float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalidf("parameter %q must be a number, got %q", name, raw)
	}
	if v < minVal {
		return 0, invalidf("parameter %q must be at least %g, got %g", name, minVal, v)
	}
	return v, nil
}

// optionalFloatQuery parses a float parameter that may be absent entirely.
func optionalFloatQuery(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, invalidf("parameter %q must be a number, got %q", name, raw)
	}
	return &v, nil
}
