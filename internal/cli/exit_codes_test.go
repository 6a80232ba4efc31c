// Copyright 2025 Tom Barlow
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

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

func TestExitError(t *testing.T) {
	cause := errors.New("boom")

	t.Run("message with cause", func(t *testing.T) {
		err := NewExecutionError("server failed", cause)
		assert.Equal(t, "server failed: boom", err.Error())
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, ExitExecutionFailed, err.Code)
	})

	t.Run("message only", func(t *testing.T) {
		err := &ExitError{Code: ExitInvalidConfig, Message: "bad flags"}
		assert.Equal(t, "bad flags", err.Error())
		assert.Nil(t, err.Unwrap())
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitExecutionFailed},
		{"execution", NewExecutionError("failed", nil), ExitExecutionFailed},
		{"config", NewInvalidConfigError("invalid", nil), ExitInvalidConfig},
		{"wrapped config", fmt.Errorf("outer: %w", NewInvalidConfigError("invalid", nil)), ExitInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestReportError(t *testing.T) {
	t.Run("prints suggestion for user visible errors", func(t *testing.T) {
		var out bytes.Buffer
		err := NewInvalidConfigError("failed to load configuration", &devErrors.ConfigError{
			Key:    "config_file",
			Reason: "file onegov.yml does not exist",
		})

		code := reportError(&out, err)
		assert.Equal(t, ExitInvalidConfig, code)
		assert.Contains(t, out.String(), "Error: failed to load configuration")
		assert.Contains(t, out.String(), "Suggestion: ")
	})

	t.Run("plain error has no suggestion", func(t *testing.T) {
		var out bytes.Buffer
		code := reportError(&out, errors.New("boom"))
		assert.Equal(t, ExitExecutionFailed, code)
		assert.Equal(t, "Error: boom\n", out.String())
	})
}
