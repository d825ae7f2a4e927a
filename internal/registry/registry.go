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

// Package registry owns the authoritative kit set: the durable rows in
// storage plus an in-memory snapshot the collector and API read. Mutations
// go through here so every change lands in the database and pokes the
// collector's reconcile loop.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

// Derived kit status thresholds.
const (
	OnlineWithin = 30 * time.Second
	StaleWithin  = 120 * time.Second

	probeTimeout = 10 * time.Second
)

// Status is the registry's view of a kit's freshness, derived from last_seen
// at read time.
type Status string

const (
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// DeriveStatus grades last_seen against the wall clock. A kit never heard
// from is unknown, not offline.
func DeriveStatus(lastSeen *time.Time, now time.Time) Status {
	if lastSeen == nil {
		return StatusUnknown
	}
	age := now.Sub(*lastSeen)
	switch {
	case age < OnlineWithin:
		return StatusOnline
	case age < StaleWithin:
		return StatusStale
	default:
		return StatusOffline
	}
}

var (
	// ErrNotFound reports an unknown kit id.
	ErrNotFound = errors.New("kit not found")
	// ErrDuplicate reports an id collision on add.
	ErrDuplicate = errors.New("kit already registered")
)

// KitEntry is one kit from the startup config file.
type KitEntry struct {
	ID       string
	URL      string
	Name     string
	Location string
	Enabled  bool
}

// kitStore is the slice of the storage API the registry writes through.
type kitStore interface {
	UpsertKit(ctx context.Context, k storage.Kit) error
	DeleteKit(ctx context.Context, kitID string) error
	ListKits(ctx context.Context) ([]storage.Kit, error)
}

// prober performs the synchronous reachability check used by add and test.
type prober interface {
	Probe(ctx context.Context, baseURL string) (*kitclient.ProbeResult, error)
}

// Registry is safe for concurrent use. Reads are snapshot copies; writers
// hold the lock only around map mutation, never across I/O to a kit.
type Registry struct {
	logger log.Logger
	store  kitStore
	prober prober

	mtx  sync.RWMutex
	kits map[string]storage.Kit

	// changec wakes the collector's reconcile loop. Buffered by one and
	// sent without blocking, so a slow consumer coalesces bursts.
	changec chan struct{}

	kitCount prometheus.Gauge
}

// New builds an empty registry; call Load before serving.
func New(logger log.Logger, store kitStore, p prober, reg prometheus.Registerer) *Registry {
	r := &Registry{
		logger:  logger,
		store:   store,
		prober:  p,
		kits:    make(map[string]storage.Kit),
		changec: make(chan struct{}, 1),
		kitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wardragon_registry_kits",
			Help: "Kits currently registered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.kitCount)
	}
	return r
}

// Changes signals after any mutation. Receivers reconcile against List
// rather than replaying individual events, so a coalesced signal loses
// nothing.
func (r *Registry) Changes() <-chan struct{} {
	return r.changec
}

func (r *Registry) notify() {
	select {
	case r.changec <- struct{}{}:
	default:
	}
}

// Load hydrates the in-memory snapshot from storage at startup.
func (r *Registry) Load(ctx context.Context) error {
	kits, err := r.store.ListKits(ctx)
	if err != nil {
		return fmt.Errorf("loading kits: %w", err)
	}
	r.mtx.Lock()
	r.kits = make(map[string]storage.Kit, len(kits))
	for _, k := range kits {
		r.kits[k.KitID] = k
	}
	r.kitCount.Set(float64(len(r.kits)))
	r.mtx.Unlock()
	_ = level.Info(r.logger).Log("msg", "registry loaded", "kits", len(kits))
	return nil
}

// List returns a sorted snapshot, optionally filtered to one id.
func (r *Registry) List(kitID string) []storage.Kit {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]storage.Kit, 0, len(r.kits))
	for _, k := range r.kits {
		if kitID != "" && k.KitID != kitID {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KitID < out[j].KitID })
	return out
}

// Get returns one kit from the snapshot.
func (r *Registry) Get(kitID string) (storage.Kit, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	k, ok := r.kits[kitID]
	return k, ok
}

// Add probes the URL, derives an id when the kit does not self-report one,
// and registers the kit. The probe runs under its own deadline independent
// of the caller's polling cadence.
func (r *Registry) Add(ctx context.Context, apiURL, name, location string, enabled bool) (storage.Kit, error) {
	apiURL = strings.TrimRight(apiURL, "/")
	if err := validateKitURL(apiURL); err != nil {
		return storage.Kit{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	probe, err := r.prober.Probe(probeCtx, apiURL)
	if err != nil {
		return storage.Kit{}, fmt.Errorf("probing %s: %w", apiURL, err)
	}

	kitID := probe.KitID
	if kitID == "" {
		kitID = uuid.NewString()
	}
	if name == "" {
		name = kitID
	}

	kit := storage.Kit{
		KitID:     kitID,
		Name:      name,
		Location:  location,
		APIURL:    apiURL,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}

	// Check and reserve under one lock so a concurrent add of the same id
	// fails here instead of overwriting after the store write.
	r.mtx.Lock()
	if _, exists := r.kits[kitID]; exists {
		r.mtx.Unlock()
		return storage.Kit{}, fmt.Errorf("kit %q: %w", kitID, ErrDuplicate)
	}
	r.kits[kitID] = kit
	r.kitCount.Set(float64(len(r.kits)))
	r.mtx.Unlock()

	if err := r.store.UpsertKit(ctx, kit); err != nil {
		r.mtx.Lock()
		delete(r.kits, kitID)
		r.kitCount.Set(float64(len(r.kits)))
		r.mtx.Unlock()
		return storage.Kit{}, err
	}

	_ = level.Info(r.logger).Log("msg", "kit added", "kit", kitID, "url", apiURL)
	r.notify()
	return kit, nil
}

// Remove deletes the kit's registry row. Observations already stored under
// its id remain queryable.
func (r *Registry) Remove(ctx context.Context, kitID string) error {
	if err := r.store.DeleteKit(ctx, kitID); err != nil {
		if errors.Is(err, storage.ErrKitNotFound) {
			return fmt.Errorf("kit %q: %w", kitID, ErrNotFound)
		}
		return err
	}
	r.mtx.Lock()
	delete(r.kits, kitID)
	r.kitCount.Set(float64(len(r.kits)))
	r.mtx.Unlock()

	_ = level.Info(r.logger).Log("msg", "kit removed", "kit", kitID)
	r.notify()
	return nil
}

// Probe checks reachability of a registered kit or a raw URL. The argument
// is tried as a kit id first.
func (r *Registry) Probe(ctx context.Context, kitIDOrURL string) (*kitclient.ProbeResult, error) {
	target := kitIDOrURL
	if kit, ok := r.Get(kitIDOrURL); ok {
		target = kit.APIURL
	} else if err := validateKitURL(target); err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return r.prober.Probe(probeCtx, target)
}

// MarkSeen records a successful poll: the snapshot and the durable row both
// advance, neither ever backwards.
func (r *Registry) MarkSeen(ctx context.Context, kitID string, at time.Time) {
	type seenStore interface {
		TouchKitLastSeen(ctx context.Context, kitID string, seen time.Time) error
	}

	r.mtx.Lock()
	k, ok := r.kits[kitID]
	if ok && (k.LastSeen == nil || at.After(*k.LastSeen)) {
		t := at
		k.LastSeen = &t
		r.kits[kitID] = k
	}
	r.mtx.Unlock()
	if !ok {
		return
	}

	if ts, hasTouch := r.store.(seenStore); hasTouch {
		if err := ts.TouchKitLastSeen(ctx, kitID, at); err != nil && ctx.Err() == nil {
			_ = level.Warn(r.logger).Log("msg", "persisting last_seen failed", "kit", kitID, "err", err)
		}
	}
}

// ReloadFromConfig union-merges config entries into the registry. Existing
// ids win unless authoritative is set, in which case the file overwrites
// name, location, URL and enabled. Nothing is ever removed by a reload.
func (r *Registry) ReloadFromConfig(ctx context.Context, entries []KitEntry, authoritative bool) error {
	added, updated := 0, 0
	for _, e := range entries {
		kitID := e.ID
		if kitID == "" {
			// Config entries without explicit ids get a stable one derived
			// from the URL host so repeated reloads do not multiply kits.
			kitID = idFromURL(e.URL)
		}

		r.mtx.RLock()
		existing, exists := r.kits[kitID]
		r.mtx.RUnlock()

		if exists && !authoritative {
			continue
		}

		kit := storage.Kit{
			KitID:     kitID,
			Name:      e.Name,
			Location:  e.Location,
			APIURL:    strings.TrimRight(e.URL, "/"),
			Enabled:   e.Enabled,
			CreatedAt: time.Now().UTC(),
		}
		if kit.Name == "" {
			kit.Name = kitID
		}
		if exists {
			kit.CreatedAt = existing.CreatedAt
			kit.LastSeen = existing.LastSeen
		}

		if err := r.store.UpsertKit(ctx, kit); err != nil {
			return fmt.Errorf("merging kit %q: %w", kitID, err)
		}
		r.mtx.Lock()
		r.kits[kitID] = kit
		r.kitCount.Set(float64(len(r.kits)))
		r.mtx.Unlock()

		if exists {
			updated++
		} else {
			added++
		}
	}
	if added > 0 || updated > 0 {
		_ = level.Info(r.logger).Log("msg", "config merge complete", "added", added, "updated", updated)
		r.notify()
	}
	return nil
}

func validateKitURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid kit URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid kit URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid kit URL %q: missing host", raw)
	}
	return nil
}

// idFromURL derives a deterministic kit id for config entries lacking one.
func idFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return uuid.NewString()
	}
	host := strings.ReplaceAll(u.Host, ":", "-")
	return "kit-" + strings.ReplaceAll(host, ".", "-")
}
