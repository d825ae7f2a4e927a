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

// The aggregator polls a fleet of WarDragon kits, persists the normalized
// observations in Postgres and serves the analytics and admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wardragon/aggregator/internal/api"
	"github.com/wardragon/aggregator/internal/collector"
	"github.com/wardragon/aggregator/internal/registry"
	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

func main() {
	a := kingpin.New("aggregator", "The WarDragon fleet telemetry aggregator")
	a.HelpFlag.Short('h')

	opts := options{
		KitsConfig:     "/config/kits.yaml",
		FastInterval:   5 * time.Second,
		StatusInterval: 30 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     300 * time.Second,
		StaleThreshold: 60 * time.Second,
		ListenPort:     8090,
		LogLevel:       "info",
		LogFormat:      "logfmt",
	}
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing commandline arguments:", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	logger, err := opts.newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	store, err := storage.Open(ctx, log.With(logger, "component", "storage"), storage.Options{
		DatabaseURL: opts.DatabaseURL,
	}, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening storage failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		_ = level.Error(logger).Log("msg", "migrating schema failed", "err", err)
		os.Exit(1)
	}

	client := kitclient.New(kitclient.Options{
		Timeout:    opts.RequestTimeout,
		MaxRetries: opts.MaxRetries,
		RetryStep:  opts.InitialBackoff,
	}, reg)

	reg2 := registry.New(log.With(logger, "component", "registry"), store, client, reg)
	if err := reg2.Load(ctx); err != nil {
		_ = level.Error(logger).Log("msg", "loading kit registry failed", "err", err)
		os.Exit(1)
	}
	if err := mergeKitsConfig(ctx, logger, reg2, opts.KitsConfig); err != nil {
		_ = level.Error(logger).Log("msg", "merging kit config failed", "err", err)
		os.Exit(1)
	}

	coll := collector.New(log.With(logger, "component", "collector"), collector.Options{
		FastInterval:   opts.FastInterval,
		StatusInterval: opts.StatusInterval,
		MaxBackoff:     opts.MaxBackoff,
		StaleThreshold: opts.StaleThreshold,
	}, client, store, reg2, reg)

	apiSrv := api.New(log.With(logger, "component", "api"), store, reg2, coll, reg, api.Options{
		CORSOrigins: opts.CORSOrigins,
	})

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Collector supervisor.
		ctxPoll, cancelPoll := context.WithCancel(ctx)
		g.Add(func() error {
			err := coll.Run(ctxPoll)
			_ = level.Info(logger).Log("msg", "collector stopped")
			return err
		}, func(error) {
			_ = level.Info(logger).Log("msg", "stopping collector...")
			cancelPoll()
		})
	}
	{
		// Storage maintenance: partition sweeps and rollup refresh.
		ctxMaint, cancelMaint := context.WithCancel(ctx)
		g.Add(func() error {
			err := store.RunMaintenance(ctxMaint)
			_ = level.Info(logger).Log("msg", "storage maintenance stopped")
			return err
		}, func(error) {
			cancelMaint()
		})
	}
	{
		// Web server.
		server := &http.Server{
			Addr:        net.JoinHostPort("", strconv.Itoa(opts.ListenPort)),
			Handler:     apiSrv.Router(),
			ReadTimeout: 30 * time.Second,
		}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "starting web server", "listen", server.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(ctx, 30*time.Second)
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "server failed to shut down gracefully", "err", err)
			}
			cancelServer()
		})
	}
	{
		// Config reload on SIGHUP or a change to the kits file.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		ctxReload, cancelReload := context.WithCancel(ctx)
		g.Add(
			func() error {
				watch, err := watchKitsConfig(logger, opts.KitsConfig)
				if err != nil {
					// Watching is best effort; SIGHUP still works.
					_ = level.Warn(logger).Log("msg", "watching kit config failed", "path", opts.KitsConfig, "err", err)
				} else {
					defer watch.Close()
				}
				var fsEvents chan struct{}
				if watch != nil {
					fsEvents = watch.events
				}
				for {
					select {
					case <-hup:
					case <-fsEvents:
					case <-ctxReload.Done():
						return nil
					}
					if err := mergeKitsConfig(ctxReload, logger, reg2, opts.KitsConfig); err != nil {
						_ = level.Error(logger).Log("msg", "reloading kit config failed", "err", err)
					}
				}
			},
			func(error) {
				cancelReload()
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running aggregator failed", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "see you next mission")
}

type options struct {
	DatabaseURL    string
	KitsConfig     string
	FastInterval   time.Duration
	StatusInterval time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleThreshold time.Duration
	ListenPort     int
	CORSOrigins    []string
	LogLevel       string
	LogFormat      string
}

func (opts *options) setupFlags(a *kingpin.Application) {
	a.Flag("database.url", "Postgres connection URL for observation storage.").
		Envar("DATABASE_URL").Required().
		StringVar(&opts.DatabaseURL)

	a.Flag("kits.config", "Path to the kits.yaml startup config; merged into the registry on startup and reload.").
		Envar("KITS_CONFIG").Default(opts.KitsConfig).
		StringVar(&opts.KitsConfig)

	a.Flag("poll.interval-fast", "Period of the drones/signals polling loop.").
		Envar("POLL_INTERVAL_FAST").Default(opts.FastInterval.String()).
		DurationVar(&opts.FastInterval)

	a.Flag("poll.interval-status", "Period of the kit status polling loop.").
		Envar("POLL_INTERVAL_STATUS").Default(opts.StatusInterval.String()).
		DurationVar(&opts.StatusInterval)

	a.Flag("poll.request-timeout", "Hard per-request deadline for kit HTTP calls.").
		Envar("REQUEST_TIMEOUT").Default(opts.RequestTimeout.String()).
		DurationVar(&opts.RequestTimeout)

	a.Flag("poll.max-retries", "In-poll retry attempts after a transient kit failure.").
		Envar("MAX_RETRIES").Default(strconv.Itoa(opts.MaxRetries)).
		IntVar(&opts.MaxRetries)

	a.Flag("poll.initial-backoff", "Linear backoff unit between in-poll retries.").
		Envar("INITIAL_BACKOFF").Default(opts.InitialBackoff.String()).
		DurationVar(&opts.InitialBackoff)

	a.Flag("poll.max-backoff", "Cap on the exponential backoff between failed poll cycles.").
		Envar("MAX_BACKOFF").Default(opts.MaxBackoff.String()).
		DurationVar(&opts.MaxBackoff)

	a.Flag("kits.stale-threshold", "Age of the last successful poll before a kit's collector state reads stale.").
		Envar("STALE_THRESHOLD").Default(opts.StaleThreshold.String()).
		DurationVar(&opts.StaleThreshold)

	a.Flag("web.listen-port", "Port the API and /metrics listen on.").
		Envar("HTTP_PORT").Default(strconv.Itoa(opts.ListenPort)).
		IntVar(&opts.ListenPort)

	a.Flag("web.cors-origins", "Allowed CORS origins; repeat or comma-separate. Empty disables cross-origin access.").
		Envar("CORS_ORIGINS").
		StringsVar(&opts.CORSOrigins)

	a.Flag("log.level", "Log level (debug, info, warn, error).").
		Default(opts.LogLevel).EnumVar(&opts.LogLevel, "debug", "info", "warn", "error")

	a.Flag("log.format", "Log format (logfmt, json).").
		Default(opts.LogFormat).EnumVar(&opts.LogFormat, "logfmt", "json")
}

func (opts *options) validate() error {
	if opts.FastInterval <= 0 || opts.StatusInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if opts.StatusInterval < opts.FastInterval {
		return errors.New("--poll.interval-status must not be shorter than --poll.interval-fast")
	}
	if opts.MaxBackoff < opts.FastInterval {
		return errors.New("--poll.max-backoff must not be shorter than --poll.interval-fast")
	}
	if opts.MaxRetries < 0 {
		return errors.New("--poll.max-retries must not be negative")
	}
	if opts.ListenPort <= 0 || opts.ListenPort > 65535 {
		return fmt.Errorf("invalid --web.listen-port %d", opts.ListenPort)
	}
	// CORS_ORIGINS arrives as one comma-separated value; flatten it.
	var origins []string
	for _, o := range opts.CORSOrigins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	opts.CORSOrigins = origins
	return nil
}

func (opts *options) newLogger() (log.Logger, error) {
	var logger log.Logger
	switch opts.LogFormat {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	default:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	var lvl level.Option
	switch opts.LogLevel {
	case "debug":
		lvl = level.AllowDebug()
	case "info":
		lvl = level.AllowInfo()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", opts.LogLevel)
	}
	logger = level.NewFilter(logger, lvl)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

// mergeKitsConfig loads the startup file and union-merges it into the
// registry. A missing file is not an error; a kit fleet can be driven purely
// through the admin API.
func mergeKitsConfig(ctx context.Context, logger log.Logger, reg *registry.Registry, path string) error {
	entries, authoritative, err := registry.LoadConfig(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_ = level.Debug(logger).Log("msg", "no kits in config", "path", path)
		return nil
	}
	return reg.ReloadFromConfig(ctx, entries, authoritative)
}

// configWatcher debounces fsnotify events on the kits file into reload
// signals. Editors and config mounts replace the file rather than write in
// place, so the parent directory is watched and events are filtered by name.
type configWatcher struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	done    chan struct{}
}

func watchKitsConfig(logger log.Logger, path string) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &configWatcher{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go func() {
		base := filepath.Base(path)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case w.events <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				_ = level.Warn(logger).Log("msg", "config watcher error", "err", err)
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

func (w *configWatcher) Close() {
	close(w.done)
	_ = w.watcher.Close()
}
