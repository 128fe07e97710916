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

// Package config reads the agent's JSON config file. Shared config files
// predate this agent, so decoding is deliberately lenient about scalar
// types ("8086" and 8086 both work) while validation of required keys is
// strict; a missing credential must fail at startup, not mid-run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/sppmontools/sppmon/internal/secret"
	"github.com/sppmontools/sppmon/internal/units"
)

// DefaultJobLogRetention caps how far back job logs are harvested when
// the config does not say otherwise.
const DefaultJobLogRetention = "60d"

type Config struct {
	InfluxDB  InfluxDB  `mapstructure:"influxDB"`
	SPPServer SPPServer `mapstructure:"sppServer"`
}

type InfluxDB struct {
	Username  string        `mapstructure:"username" validate:"required"`
	Password  secret.String `mapstructure:"password" validate:"required"`
	SSL       bool          `mapstructure:"ssl"`
	VerifySSL bool          `mapstructure:"verify_ssl"`
	Port      int           `mapstructure:"srv_port" validate:"required,min=1,max=65535"`
	Address   string        `mapstructure:"srv_address" validate:"required"`
	Database  string        `mapstructure:"dbName" validate:"required"`
	// ReadUser, when set, is granted read access on created databases.
	ReadUser string `mapstructure:"readUser"`
}

type SPPServer struct {
	Username        string         `mapstructure:"username" validate:"required"`
	Password        secret.String  `mapstructure:"password" validate:"required"`
	Address         string         `mapstructure:"srv_address" validate:"required"`
	Port            int            `mapstructure:"srv_port" validate:"required,min=1,max=65535"`
	JobLogRetention units.Duration `mapstructure:"jobLog_retention"`
}

// Load reads, decodes and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes config bytes; split from Load for tests.
func Parse(raw []byte) (*Config, error) {
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       durationHook,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.SPPServer.JobLogRetention.IsZero() {
		cfg.SPPServer.JobLogRetention = units.MustParseDuration(DefaultJobLogRetention)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config is missing required keys: %w", err)
	}
	return cfg, nil
}

// durationHook parses time literals like "60d" while decoding.
func durationHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(units.Duration{}) {
		return data, nil
	}
	return units.ParseDuration(data.(string))
}
