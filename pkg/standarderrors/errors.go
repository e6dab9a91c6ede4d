// Copyright 2025 UMH Systems GmbH
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

package standarderrors

import "errors"

var (
	// ErrConfigValidation is recorded on a connector whose configuration is incomplete.
	// It never prevents construction.
	ErrConfigValidation = errors.New("config validation error")

	// ErrDuplicateConnectorName is returned for the second file declaring an already loaded name.
	ErrDuplicateConnectorName = errors.New("duplicate connector name")

	// ErrDeserialization is returned when an inbound record is not a valid structured request.
	ErrDeserialization = errors.New("deserialization error")

	// ErrAuthentication is returned when no credential could be resolved or the
	// credential service rejected it.
	ErrAuthentication = errors.New("authentication error")

	// ErrNaming is returned when an agent name cannot be qualified.
	ErrNaming = errors.New("naming error")

	// ErrOverload is returned by the dispatcher when its admission queue is full.
	// Callers should treat it as transient.
	ErrOverload = errors.New("dispatcher overloaded")

	// ErrExecution is returned when the invocation itself failed.
	ErrExecution = errors.New("execution error")

	// ErrDispatcherClosed is returned for submissions after the dispatcher was closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrConnectorNotRunning is returned when publishing through a connector that is not running.
	ErrConnectorNotRunning = errors.New("connector not running")
)

// Error codes carried in error completion records and used as metric labels.
const (
	CodeConfigValidation = "CONFIG_VALIDATION"
	CodeDuplicateName    = "DUPLICATE_CONNECTOR_NAME"
	CodeDeserialization  = "DESERIALIZATION"
	CodeAuthentication   = "AUTHENTICATION"
	CodeNaming           = "NAMING"
	CodeOverload         = "OVERLOAD"
	CodeExecution        = "EXECUTION"
	CodeInternal         = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrConfigValidation, CodeConfigValidation},
	{ErrDuplicateConnectorName, CodeDuplicateName},
	{ErrDeserialization, CodeDeserialization},
	{ErrAuthentication, CodeAuthentication},
	{ErrNaming, CodeNaming},
	{ErrOverload, CodeOverload},
	{ErrDispatcherClosed, CodeOverload},
	{ErrExecution, CodeExecution},
}

// Kind returns the taxonomy code of err, or CodeInternal if err does not wrap a known sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsRetryable reports whether err may succeed when the same record is processed again.
// Malformed records, missing credentials and invalid names never will.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOverload) ||
		errors.Is(err, ErrDispatcherClosed) ||
		errors.Is(err, ErrExecution)
}
