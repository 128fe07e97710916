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

package healthchecks

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sppmontools/sppmon/internal/logs"
)

const dialTimeout = 6050 * time.Millisecond

// ReachabilityCheck verifies a TCP endpoint accepts connections.
type ReachabilityCheck struct {
	CheckName string
	Address   string
	Port      int
}

func (c ReachabilityCheck) Name() string { return c.CheckName }

func (c ReachabilityCheck) RunCheck(ctx context.Context, _ logs.StructuredLogger) error {
	target := net.JoinHostPort(c.Address, fmt.Sprintf("%d", c.Port))
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return HealthCheckError{
			Code:    "ENDPOINT_UNREACHABLE",
			Message: fmt.Sprintf("cannot connect to %s", target),
			Action:  "check the address, port and firewall rules in the config file",
			Err:     err,
		}
	}
	return conn.Close()
}

// Pinger is the TSDB client slice the check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InfluxCheck verifies the TSDB answers its ping endpoint.
type InfluxCheck struct {
	Client Pinger
}

func (c InfluxCheck) Name() string { return "InfluxDB Ping" }

func (c InfluxCheck) RunCheck(ctx context.Context, _ logs.StructuredLogger) error {
	if err := c.Client.Ping(ctx); err != nil {
		return HealthCheckError{
			Code:    "INFLUX_UNREACHABLE",
			Message: "the TSDB did not answer its ping endpoint",
			Action:  "verify the influxDB block of the config and that the service is running",
			Err:     err,
		}
	}
	return nil
}

// SessionAPI is the REST client slice the login check needs.
type SessionAPI interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context)
}

// SPPLoginCheck verifies the REST credentials by opening and closing a
// session.
type SPPLoginCheck struct {
	Client SessionAPI
}

func (c SPPLoginCheck) Name() string { return "SPP Login" }

func (c SPPLoginCheck) RunCheck(ctx context.Context, _ logs.StructuredLogger) error {
	if err := c.Client.Login(ctx); err != nil {
		return HealthCheckError{
			Code:    "SPP_LOGIN_FAILED",
			Message: "could not open an API session",
			Action:  "verify the sppServer credentials in the config file",
			Err:     err,
		}
	}
	c.Client.Logout(ctx)
	return nil
}
