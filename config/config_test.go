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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

const validConfig = `{
	"influxDB": {
		"username": "influxAdmin",
		"password": "secret1",
		"ssl": true,
		"verify_ssl": false,
		"srv_port": 8086,
		"srv_address": "influx.example.com",
		"dbName": "spp"
	},
	"sppServer": {
		"username": "sppadmin",
		"password": "secret2",
		"srv_address": "spp.example.com",
		"srv_port": 443,
		"jobLog_retention": "14d"
	}
}`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	assert.NilError(t, err)
	assert.Equal(t, cfg.InfluxDB.Address, "influx.example.com")
	assert.Equal(t, cfg.InfluxDB.Port, 8086)
	assert.Equal(t, cfg.InfluxDB.Password.SecretValue(), "secret1")
	assert.Equal(t, cfg.SPPServer.JobLogRetention.String(), "14d")
}

func TestParseDefaultsJobLogRetention(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"influxDB": {"username":"u","password":"p","srv_port":8086,"srv_address":"a","dbName":"d"},
		"sppServer": {"username":"u","password":"p","srv_address":"a","srv_port":443}
	}`))
	assert.NilError(t, err)
	assert.Equal(t, cfg.SPPServer.JobLogRetention.String(), "60d")
}

func TestParseWeaklyTypedPort(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"influxDB": {"username":"u","password":"p","srv_port":"8086","srv_address":"a","dbName":"d"},
		"sppServer": {"username":"u","password":"p","srv_address":"a","srv_port":443}
	}`))
	assert.NilError(t, err)
	assert.Equal(t, cfg.InfluxDB.Port, 8086)
}

func TestParseMissingCriticalKey(t *testing.T) {
	_, err := Parse([]byte(`{
		"influxDB": {"username":"u","srv_port":8086,"srv_address":"a","dbName":"d"},
		"sppServer": {"username":"u","password":"p","srv_address":"a","srv_port":443}
	}`))
	assert.ErrorContains(t, err, "required")
}

func TestParseRejectsBadRetentionLiteral(t *testing.T) {
	_, err := Parse([]byte(`{
		"influxDB": {"username":"u","password":"p","srv_port":8086,"srv_address":"a","dbName":"d"},
		"sppServer": {"username":"u","password":"p","srv_address":"a","srv_port":443,"jobLog_retention":"14parsecs"}
	}`))
	assert.ErrorContains(t, err, "unknown duration unit")
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"influxDB": `))
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sppmon.conf")
	assert.NilError(t, os.WriteFile(path, []byte(validConfig), 0o600))
	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.InfluxDB.Database, "spp")

	_, err = Load(filepath.Join(t.TempDir(), "missing.conf"))
	assert.ErrorContains(t, err, "reading config")
}
