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

// Package secret keeps credentials out of logs and dumps. A secret
// reads normally from config but renders redacted everywhere else.
package secret

import (
	"encoding/json"
	"fmt"
)

const RedactedValue = "xxxxx"

type Secret[T any] interface {
	fmt.Stringer
	json.Marshaler
	SecretValue() T
}

type String string

func (s String) String() string {
	return RedactedValue
}

// MarshalJSON redacts; a re-serialized config never leaks the value.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *String) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*s = String(value)
	return nil
}

func (s String) SecretValue() string {
	return string(s)
}
