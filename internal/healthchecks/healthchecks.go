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

// Package healthchecks backs the --test mode: connectivity and
// credential checks that run before any collector and report in a form
// an operator can act on.
package healthchecks

import (
	"context"
	"fmt"

	"github.com/sppmontools/sppmon/internal/logs"
)

type HealthCheck interface {
	Name() string
	RunCheck(ctx context.Context, log logs.StructuredLogger) error
}

// HealthCheckError pairs a failure with the action that fixes it.
type HealthCheckError struct {
	Code    string
	Message string
	Action  string
	Err     error
}

func (e HealthCheckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e HealthCheckError) Unwrap() error {
	return e.Err
}

type Registry []HealthCheck

// RunAll executes every check and returns a per-check verdict line. The
// error is non-nil when at least one check failed.
func (r Registry) RunAll(ctx context.Context, log logs.StructuredLogger) (map[string]string, error) {
	results := map[string]string{}
	failed := 0
	for _, check := range r {
		var message string
		err := check.RunCheck(ctx, log)
		switch typed := err.(type) {
		case nil:
			message = fmt.Sprintf("%s - Result: PASS", check.Name())
		case HealthCheckError:
			failed++
			message = fmt.Sprintf("%s - Result: FAIL, ERROR_CODE: %s, Failure: %s, Solution: %s",
				check.Name(), typed.Code, typed.Message, typed.Action)
		default:
			failed++
			message = fmt.Sprintf("%s - Result: ERROR, Detail: %s", check.Name(), err.Error())
		}
		log.Infof("%s", message)
		results[check.Name()] = message
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d health checks failed", failed, len(r))
	}
	return results, nil
}
