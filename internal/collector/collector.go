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

// Package collector runs the fleet polling loops. A supervisor reconciles
// the set of running pollers against the registry; each enabled kit gets one
// fast loop for /drones and /signals and one slow loop for /status, each with
// its own backoff state. Everything cancels cooperatively: shutdown and kit
// removal both stop loops between or inside polls, while an in-flight batch
// write is left to finish under a bounded drain deadline.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

const (
	defaultFastInterval   = 5 * time.Second
	defaultStatusInterval = 30 * time.Second
	defaultMaxBackoff     = 300 * time.Second
	defaultStaleThreshold = 60 * time.Second
	defaultDrainTimeout   = 10 * time.Second
)

// Options configures the polling cadences and drain behavior. Zero fields
// take the defaults above.
type Options struct {
	// FastInterval is the steady-state period of the drones/signals loop.
	FastInterval time.Duration
	// StatusInterval is the period of the status loop.
	StatusInterval time.Duration
	// MaxBackoff caps the exponential backoff after consecutive failures.
	MaxBackoff time.Duration
	// StaleThreshold is how old a kit's last success may grow before its
	// derived state reads stale.
	StaleThreshold time.Duration
	// DrainTimeout bounds how long an in-flight batch write may run after
	// its poller has been cancelled.
	DrainTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.FastInterval == 0 {
		o.FastInterval = defaultFastInterval
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.StaleThreshold == 0 {
		o.StaleThreshold = defaultStaleThreshold
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
}

// observationStore is the slice of the storage API the collector writes
// through.
type observationStore interface {
	UpsertDrones(ctx context.Context, obs []storage.DroneObservation) (storage.BatchResult, error)
	UpsertSignals(ctx context.Context, obs []storage.SignalObservation) (storage.BatchResult, error)
	UpsertHealth(ctx context.Context, samples []storage.HealthSample) (storage.BatchResult, error)
}

// kitSource is the registry surface the supervisor reconciles against.
type kitSource interface {
	List(kitID string) []storage.Kit
	Changes() <-chan struct{}
	MarkSeen(ctx context.Context, kitID string, at time.Time)
}

// fleetClient speaks the kit protocol.
type fleetClient interface {
	Drones(ctx context.Context, baseURL string) ([]kitclient.DroneRecord, error)
	Signals(ctx context.Context, baseURL string) ([]kitclient.SignalRecord, error)
	Status(ctx context.Context, baseURL string) (*kitclient.StatusRecord, error)
}

type metrics struct {
	polls               *prometheus.CounterVec
	pollDuration        *prometheus.HistogramVec
	kitUp               *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
}

func newCollectorMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardragon_kit_polls_total",
			Help: "Poll cycles per kit and endpoint group.",
		}, []string{"kit_id", "endpoint", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardragon_kit_poll_duration_seconds",
			Help:    "Duration of poll cycles, fetch through commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		kitUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wardragon_kit_up",
			Help: "1 while the kit's fast loop is succeeding.",
		}, []string{"kit_id"}),
		consecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wardragon_kit_consecutive_failures",
			Help: "Consecutive failed fast cycles per kit.",
		}, []string{"kit_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.pollDuration, m.kitUp, m.consecutiveFailures)
	}
	return m
}

// Collector supervises one poller pair per enabled kit.
type Collector struct {
	logger  log.Logger
	opts    Options
	client  fleetClient
	store   observationStore
	kits    kitSource
	metrics *metrics

	mtx     sync.Mutex
	pollers map[string]*poller
}

// New builds a Collector. Run starts polling.
func New(logger log.Logger, opts Options, client fleetClient, store observationStore, kits kitSource, reg prometheus.Registerer) *Collector {
	opts.fillDefaults()
	return &Collector{
		logger:  logger,
		opts:    opts,
		client:  client,
		store:   store,
		kits:    kits,
		metrics: newCollectorMetrics(reg),
		pollers: make(map[string]*poller),
	}
}

// Run reconciles pollers against the registry until ctx is cancelled, then
// waits for every poller to wind down. Registry change signals coalesce;
// reconciling is idempotent against the full snapshot.
func (c *Collector) Run(ctx context.Context) error {
	c.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return nil
		case <-c.kits.Changes():
			c.reconcile(ctx)
		}
	}
}

// reconcile diffs the registry snapshot against running pollers. A changed
// URL counts as a different kit: the old poller is cancelled and a fresh one
// spawned.
func (c *Collector) reconcile(ctx context.Context) {
	desired := make(map[string]storage.Kit)
	for _, kit := range c.kits.List("") {
		if kit.Enabled {
			desired[kit.KitID] = kit
		}
	}

	var stopped []*poller
	c.mtx.Lock()
	for id, p := range c.pollers {
		kit, keep := desired[id]
		if keep && kit.APIURL == p.kit.APIURL {
			delete(desired, id)
			continue
		}
		p.cancel()
		stopped = append(stopped, p)
		delete(c.pollers, id)
	}
	for id, kit := range desired {
		if ctx.Err() != nil {
			break
		}
		p := c.spawn(ctx, kit)
		c.pollers[id] = p
		_ = level.Info(c.logger).Log("msg", "poller started", "kit", id, "url", kit.APIURL)
	}
	c.mtx.Unlock()

	for _, p := range stopped {
		<-p.done
		c.metrics.kitUp.DeleteLabelValues(p.kit.KitID)
		c.metrics.consecutiveFailures.DeleteLabelValues(p.kit.KitID)
		_ = level.Info(c.logger).Log("msg", "poller stopped", "kit", p.kit.KitID)
	}
}

func (c *Collector) stopAll() {
	c.mtx.Lock()
	pollers := make([]*poller, 0, len(c.pollers))
	for id, p := range c.pollers {
		p.cancel()
		pollers = append(pollers, p)
		delete(c.pollers, id)
	}
	c.mtx.Unlock()
	for _, p := range pollers {
		<-p.done
	}
}

// Snapshot aggregates every running poller's statistics, sorted by kit id.
func (c *Collector) Snapshot() []KitStats {
	now := time.Now().UTC()
	c.mtx.Lock()
	out := make([]KitStats, 0, len(c.pollers))
	for _, p := range c.pollers {
		out = append(out, p.health.snapshot(p.kit.KitID, now, c.opts.StaleThreshold))
	}
	c.mtx.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].KitID < out[j].KitID })
	return out
}

// poller is one kit's pair of loops plus their shared health state.
type poller struct {
	kit    storage.Kit
	health *health
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Collector) spawn(ctx context.Context, kit storage.Kit) *poller {
	pollCtx, cancel := context.WithCancel(ctx)
	p := &poller{
		kit:    kit,
		health: newHealth(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := log.With(c.logger, "kit", kit.KitID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runFastLoop(pollCtx, logger, p)
	}()
	go func() {
		defer wg.Done()
		c.runStatusLoop(pollCtx, logger, p)
	}()
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// runFastLoop polls /drones and /signals at the fast cadence, widening the
// delay exponentially while the kit misbehaves.
func (c *Collector) runFastLoop(ctx context.Context, logger log.Logger, p *poller) {
	for {
		delay := c.fastCycle(ctx, logger, p)
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

// fastCycle runs one poll of both fast endpoints and returns the delay until
// the next. The endpoints are fetched concurrently; one failing does not
// fail the other, and the cycle succeeds iff at least one endpoint yielded
// data that then committed.
func (c *Collector) fastCycle(ctx context.Context, logger log.Logger, p *poller) time.Duration {
	started := time.Now()
	received := started.UTC()

	var (
		g          errgroup.Group
		drones     []kitclient.DroneRecord
		signals    []kitclient.SignalRecord
		dronesErr  error
		signalsErr error
	)
	g.Go(func() error {
		drones, dronesErr = c.client.Drones(ctx, p.kit.APIURL)
		return nil
	})
	g.Go(func() error {
		signals, signalsErr = c.client.Signals(ctx, p.kit.APIURL)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		// Cancellation is not a health event.
		return 0
	}

	// A failed endpoint degrades the cycle; a failed batch write sinks it.
	var writeErr error
	committed := 0
	if dronesErr == nil {
		if err := c.write(ctx, func(wctx context.Context) error {
			_, err := c.store.UpsertDrones(wctx, normalizeDrones(p.kit.KitID, drones, received))
			return err
		}); err != nil {
			writeErr = fmt.Errorf("writing drones: %w", err)
		} else {
			committed++
		}
	} else {
		_ = level.Debug(logger).Log("msg", "drones poll failed", "err", dronesErr)
	}
	if signalsErr == nil {
		if err := c.write(ctx, func(wctx context.Context) error {
			_, err := c.store.UpsertSignals(wctx, normalizeSignals(p.kit.KitID, signals, received))
			return err
		}); err != nil {
			writeErr = fmt.Errorf("writing signals: %w", err)
		} else {
			committed++
		}
	} else {
		_ = level.Debug(logger).Log("msg", "signals poll failed", "err", signalsErr)
	}

	c.metrics.pollDuration.WithLabelValues("fast").Observe(time.Since(started).Seconds())
	if writeErr == nil && committed > 0 {
		return c.observeSuccess(ctx, p, "fast", received)
	}
	cycleErr := writeErr
	if cycleErr == nil {
		cycleErr = dronesErr
		if cycleErr == nil {
			cycleErr = signalsErr
		}
	}
	return c.observeFailure(logger, p, "fast", cycleErr)
}

// runStatusLoop polls /status at the slow cadence with its own backoff.
func (c *Collector) runStatusLoop(ctx context.Context, logger log.Logger, p *poller) {
	// The slow loop keeps its own failure counter; sharing the fast loop's
	// would couple the two cadences.
	h := newHealth()
	for {
		delay := c.statusCycle(ctx, logger, p, h)
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

func (c *Collector) statusCycle(ctx context.Context, logger log.Logger, p *poller, h *health) time.Duration {
	started := time.Now()
	received := started.UTC()

	status, err := c.client.Status(ctx, p.kit.APIURL)
	if ctx.Err() != nil {
		return 0
	}
	if err == nil {
		err = c.write(ctx, func(wctx context.Context) error {
			_, werr := c.store.UpsertHealth(wctx, []storage.HealthSample{normalizeStatus(p.kit.KitID, status, received)})
			return werr
		})
	}
	c.metrics.pollDuration.WithLabelValues("status").Observe(time.Since(started).Seconds())

	if err != nil {
		c.metrics.polls.WithLabelValues(p.kit.KitID, "status", "error").Inc()
		_ = level.Debug(logger).Log("msg", "status poll failed", "err", err)
		return h.failure(err, kitclient.IsPermanent(err), c.opts.StatusInterval, c.opts.MaxBackoff)
	}
	c.metrics.polls.WithLabelValues(p.kit.KitID, "status", "success").Inc()
	c.kits.MarkSeen(ctx, p.kit.KitID, received)
	return h.success(received, c.opts.StatusInterval)
}

func (c *Collector) observeSuccess(ctx context.Context, p *poller, endpoint string, at time.Time) time.Duration {
	c.metrics.polls.WithLabelValues(p.kit.KitID, endpoint, "success").Inc()
	c.metrics.kitUp.WithLabelValues(p.kit.KitID).Set(1)
	c.metrics.consecutiveFailures.WithLabelValues(p.kit.KitID).Set(0)
	c.kits.MarkSeen(ctx, p.kit.KitID, at)
	return p.health.success(at, c.opts.FastInterval)
}

func (c *Collector) observeFailure(logger log.Logger, p *poller, endpoint string, err error) time.Duration {
	c.metrics.polls.WithLabelValues(p.kit.KitID, endpoint, "error").Inc()
	c.metrics.kitUp.WithLabelValues(p.kit.KitID).Set(0)
	delay := p.health.failure(err, kitclient.IsPermanent(err), c.opts.FastInterval, c.opts.MaxBackoff)
	c.metrics.consecutiveFailures.WithLabelValues(p.kit.KitID).Set(float64(p.health.failures()))
	_ = level.Warn(logger).Log("msg", "poll cycle failed", "endpoint", endpoint, "err", err, "backoff", delay)
	return delay
}

// write runs fn under the drain contract: the batch is detached from the
// poller's cancellation so a kit removal or shutdown lets it commit, but
// never for longer than DrainTimeout.
func (c *Collector) write(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DrainTimeout)
	defer cancel()
	return fn(wctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
