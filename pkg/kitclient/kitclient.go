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

// Package kitclient speaks the sensor-kit HTTP protocol: the /drones,
// /signals and /status JSON endpoints every field kit exposes on its local
// network. One Client serves the whole fleet; callers pass the kit's base
// URL per request.
package kitclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryStep  = time.Second
	defaultMaxPerHost = 4

	// maxBodyBytes is a hard ceiling on a single endpoint response. A kit
	// tracking a few hundred targets stays well under 1 MiB; reads stop at
	// the ceiling and the truncated payload fails decoding.
	maxBodyBytes = 8 << 20
)

// Options configures the shared fleet client. The zero value is usable;
// unset fields take the defaults above.
type Options struct {
	// Timeout is the hard per-request deadline.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a transient
	// failure within a single poll. Client errors (4xx) never retry.
	MaxRetries int
	// RetryStep is the linear backoff unit between in-poll attempts:
	// attempt k waits k*RetryStep before retrying.
	RetryStep time.Duration
	// MaxConnsPerHost bounds concurrent connections to one kit so a slow
	// host cannot starve the rest of the fleet.
	MaxConnsPerHost int
}

func (o *Options) fillDefaults() {
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryStep == 0 {
		o.RetryStep = defaultRetryStep
	}
	if o.MaxConnsPerHost == 0 {
		o.MaxConnsPerHost = defaultMaxPerHost
	}
}

// StatusError reports a non-2xx endpoint response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kit endpoint %s returned status %d", e.URL, e.Code)
}

// Permanent reports whether the response must not be retried.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent reports whether err is a client error a retry cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client is a fleet-wide HTTP client with a shared keep-alive pool and
// per-request retry handling per the kit polling contract.
type Client struct {
	httpClient *http.Client
	opts       Options
}

// New builds a Client around a pooled transport instrumented with request
// counts and latencies on reg.
func New(opts Options, reg prometheus.Registerer) *Client {
	opts.fillDefaults()

	requestCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardragon_kit_http_requests_total",
			Help: "Requests sent to kit endpoints.",
		},
		[]string{"code", "method"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wardragon_kit_http_request_duration_seconds",
			Help:    "Latency of requests sent to kit endpoints.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)
	if reg != nil {
		reg.MustRegister(requestCounter, requestDuration)
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxConnsPerHost = opts.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = opts.MaxConnsPerHost

	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: promhttp.InstrumentRoundTripperCounter(requestCounter,
				promhttp.InstrumentRoundTripperDuration(requestDuration, transport)),
		},
		opts: opts,
	}
}

// Drones fetches the kit's current drone and aircraft tracks.
func (c *Client) Drones(ctx context.Context, baseURL string) ([]DroneRecord, error) {
	var out []DroneRecord
	if err := c.getJSON(ctx, baseURL, "drones", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Signals fetches the kit's current RF detections.
func (c *Client) Signals(ctx context.Context, baseURL string) ([]SignalRecord, error) {
	var out []SignalRecord
	if err := c.getJSON(ctx, baseURL, "signals", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the kit's self-reported system health.
func (c *Client) Status(ctx context.Context, baseURL string) (*StatusRecord, error) {
	var out StatusRecord
	if err := c.getJSON(ctx, baseURL, "status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProbeResult describes a single synchronous reachability check.
type ProbeResult struct {
	RoundTrip time.Duration
	// KitID is the identity the kit self-reported in /status, if any.
	KitID string
}

// Probe performs one /status GET with no retries and reports the round-trip
// time and any self-reported kit identity. The caller owns the deadline.
func (c *Client) Probe(ctx context.Context, baseURL string) (*ProbeResult, error) {
	u, err := url.JoinPath(baseURL, "status")
	if err != nil {
		return nil, fmt.Errorf("invalid kit URL %q: %w", baseURL, err)
	}
	start := time.Now()
	body, err := c.getOnce(ctx, u)
	rtt := time.Since(start)
	if err != nil {
		return nil, err
	}
	var status StatusRecord
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("kit %s returned malformed status: %w", baseURL, err)
	}
	res := &ProbeResult{RoundTrip: rtt}
	if status.KitID.Valid {
		res.KitID = status.KitID.String
	}
	return res, nil
}

// getJSON fetches and decodes one endpoint, retrying transient failures with
// linear backoff. 4xx responses and context cancellation end the attempt
// immediately.
func (c *Client) getJSON(ctx context.Context, baseURL, endpoint string, out any) error {
	u, err := url.JoinPath(baseURL, endpoint)
	if err != nil {
		return fmt.Errorf("invalid kit URL %q: %w", baseURL, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*c.opts.RetryStep); err != nil {
				return err
			}
		}
		body, err := c.getOnce(ctx, u)
		if err != nil {
			if IsPermanent(err) || ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}
		if err := json.Unmarshal(body, out); err != nil {
			// Malformed payloads are not transport flakes; retrying the
			// same firmware bug buys nothing.
			return fmt.Errorf("decoding %s: %w", u, err)
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", u, c.opts.MaxRetries+1, lastErr)
}

func (c *Client) getOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "wardragon-aggregator")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}
	return body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
