// Copyright 2023 SPPMon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rest talks to the SPP server's session-authenticated HTTPS API.
// It owns login/logout, a server version probe, and a paginated object
// fetcher that adapts its page size to the server's response times.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/cenkalti/backoff/v4"

	"github.com/sppmontools/sppmon/internal/logs"
)

const (
	// Appliances take a moment to accept connections after a failover.
	connectTimeout  = 6050 * time.Millisecond
	sessionHeader   = "X-Endeavour-Sessionid"
	loginRetryDelay = 2 * time.Second
	loginRetries    = 3
)

// Profile bundles the paginator tuning knobs. Two presets exist: the
// normal one and a gentler one for servers already under heavy load.
type Profile struct {
	RequestTimeout    time.Duration
	PreferredSendTime time.Duration
	MaxScalingFactor  float64
	AllowedSendDelta  float64
	TimeoutReduction  float64
	MaxSendRetries    int
	StartingPageSize  int
	MinPageSize       int
}

// NormalProfile suits an idle or lightly loaded server.
func NormalProfile() Profile {
	return Profile{
		RequestTimeout:    60 * time.Second,
		PreferredSendTime: 30 * time.Second,
		MaxScalingFactor:  3.5,
		AllowedSendDelta:  0.10,
		TimeoutReduction:  0.70,
		MaxSendRetries:    3,
		StartingPageSize:  50,
		MinPageSize:       5,
	}
}

// LoadedProfile trades throughput for not tipping over a busy server:
// longer timeouts, smaller pages, near-total shrink on timeout.
func LoadedProfile() Profile {
	return Profile{
		RequestTimeout:    360 * time.Second,
		PreferredSendTime: 20 * time.Second,
		MaxScalingFactor:  3.5,
		AllowedSendDelta:  0.10,
		TimeoutReduction:  0.95,
		MaxSendRetries:    1,
		StartingPageSize:  10,
		MinPageSize:       1,
	}
}

// ClientConfig carries the connection half of the sppServer config block.
type ClientConfig struct {
	Address  string
	Port     int
	Username string
	Password string
	Profile  Profile
}

// MetricSink receives one telemetry row per API page fetched.
type MetricSink interface {
	RecordMetric(ctx context.Context, record map[string]any)
}

// Client is the stateful API session. It is not safe for concurrent use;
// collectors run sequentially and share one instance per invocation.
type Client struct {
	baseURL   string
	username  string
	password  string
	sessionID string

	profile  Profile
	pageSize int

	serverVersion *semver.Version

	http    *http.Client
	log     logs.StructuredLogger
	metrics MetricSink
	now     func() time.Time
}

// NewClient builds an unauthenticated client; call Login before use.
func NewClient(cfg ClientConfig, log logs.StructuredLogger, metrics MetricSink) *Client {
	profile := cfg.Profile
	if profile.StartingPageSize == 0 {
		profile = NormalProfile()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		// SPP appliances ship self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Client{
		baseURL:  fmt.Sprintf("https://%s:%d", cfg.Address, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		profile:  profile,
		pageSize: profile.StartingPageSize,
		http: &http.Client{
			Transport: transport,
			Timeout:   profile.RequestTimeout,
		},
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Login opens an API session. Failure after retries is a hard error; no
// collector can run without a session.
func (c *Client) Login(ctx context.Context) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/endeavour/session", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.username, c.password)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("login returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode == http.StatusUnauthorized {
				// wrong credentials will not get better with retries
				return backoff.Permanent(err)
			}
			return err
		}
		var session struct {
			SessionID string `json:"sessionid"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding login response: %w", err))
		}
		if session.SessionID == "" {
			return backoff.Permanent(errors.New("login response carried no sessionid"))
		}
		c.sessionID = session.SessionID
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewConstantBackOff(loginRetryDelay), ctx), loginRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("logging in to %s: %w", c.baseURL, err)
	}
	c.probeVersion(ctx)
	return nil
}

// probeVersion records the server version for feature gating. Best effort:
// older builds do not expose the endpoint.
func (c *Client) probeVersion(ctx context.Context) {
	body, _, err := c.get(ctx, c.baseURL+"/api/ngp/version")
	if err != nil {
		c.log.Warnf("probing server version: %v", err)
		return
	}
	raw, _ := body["version"].(string)
	version, err := semver.ParseTolerant(raw)
	if err != nil {
		c.log.Warnf("unparseable server version %q: %v", raw, err)
		return
	}
	c.serverVersion = &version
	c.log.Infof("connected to SPP server version %s", version)
}

// ServerVersion reports the probed server version, if any.
func (c *Client) ServerVersion() (semver.Version, bool) {
	if c.serverVersion == nil {
		return semver.Version{}, false
	}
	return *c.serverVersion, true
}

// Logout closes the session. Failures are logged, never propagated; the
// server expires orphaned sessions on its own.
func (c *Client) Logout(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/endeavour/session", nil)
	if err != nil {
		c.log.Warnf("building logout request: %v", err)
		return
	}
	req.Header.Set(sessionHeader, c.sessionID)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnf("logging out: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.log.Warnf("logout returned status %d", resp.StatusCode)
	}
	c.sessionID = ""
}

// get issues one authenticated GET and decodes the JSON body.
func (c *Client) get(ctx context.Context, rawURL string) (map[string]any, time.Duration, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

// do issues one authenticated request and decodes the JSON response. A
// non-nil body is sent as JSON.
func (c *Client) do(ctx context.Context, method, rawURL string, body map[string]any) (map[string]any, time.Duration, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request body: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, payload)
	if err != nil {
		return nil, 0, err
	}
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := c.now()
	resp, err := c.http.Do(req)
	elapsed := c.now().Sub(start)
	if err != nil {
		return nil, elapsed, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, elapsed, fmt.Errorf("%s %s returned status %d: %s",
			method, redactURL(rawURL), resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, elapsed, fmt.Errorf("decoding response of %s: %w", redactURL(rawURL), err)
	}
	return parsed, elapsed, nil
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}

// isTimeout reports whether err is a read timeout rather than a hard
// protocol or connection failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
