// Copyright 2023 SPPMon Authors
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

package secret_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sppmontools/sppmon/internal/secret"
)

func TestSecretStringStringer(t *testing.T) {
	var s secret.String = "My credit card number!"
	if !strings.Contains(s.String(), secret.RedactedValue) {
		t.Fatalf("expected redaction, got %q", s.String())
	}
	if fmt.Sprintf("%v", s) != secret.RedactedValue {
		t.Errorf("fmt verb leaked the value: %v", s)
	}
}

func TestSecretStringMarshalJSON(t *testing.T) {
	type credentials struct {
		Password secret.String `json:"password"`
	}
	out, err := json.Marshal(credentials{Password: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Fatalf("marshalled config leaked the secret: %s", out)
	}
}

func TestSecretStringRoundTrip(t *testing.T) {
	var s secret.String
	if err := json.Unmarshal([]byte(`"hunter2"`), &s); err != nil {
		t.Fatal(err)
	}
	if s.SecretValue() != "hunter2" {
		t.Errorf("SecretValue = %q", s.SecretValue())
	}
}
