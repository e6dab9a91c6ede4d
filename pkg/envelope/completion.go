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

package envelope

import "github.com/goccy/go-json"

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Completion is the terminal record published to a connector's output topic.
type Completion struct {
	ActivationID  string          `json:"activationId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Response      json.RawMessage `json:"response"`
	Status        string          `json:"status"`
}

// ErrorResponse is the response body of an error completion.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsError reports whether the completion is terminal with an error.
func (c Completion) IsError() bool {
	return c.Status == StatusError
}

// Key is the partitioning key of the completion: the correlation id, or the activation id
// when the request carried none.
func (c Completion) Key() string {
	if c.CorrelationID != "" {
		return c.CorrelationID
	}
	return c.ActivationID
}
