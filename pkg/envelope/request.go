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

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Request is the structured value of an inbound broker record.
type Request struct {
	Payload       json.RawMessage `json:"payload"`
	RequestID     string          `json:"requestId,omitempty"`
	ProjectID     string          `json:"projectId,omitempty"`
	AgentName     string          `json:"agentName,omitempty"`
	ServiceName   string          `json:"serviceName,omitempty"`
	SkillName     string          `json:"skillName,omitempty"`
	ChannelID     string          `json:"channelId,omitempty"`
	InputName     string          `json:"inputName,omitempty"`
	OutputName    string          `json:"outputName,omitempty"`
	Properties    map[string]any  `json:"properties,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	MessageID     string          `json:"messageId,omitempty"`
	Sync          bool            `json:"sync,omitempty"`
	Plan          *Plan           `json:"plan,omitempty"`
}

var errMissingPayload = errors.New("record has no payload")

// ParseRequest decodes a record value. Any failure wraps standarderrors.ErrDeserialization.
func ParseRequest(value []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", standarderrors.ErrDeserialization, err)
	}
	if len(req.Payload) == 0 || bytes.Equal(bytes.TrimSpace(req.Payload), []byte("null")) {
		return Request{}, fmt.Errorf("%w: %w", standarderrors.ErrDeserialization, errMissingPayload)
	}
	return req, nil
}

// RecoverCorrelationID extracts correlationId from a value that may not be valid JSON.
func RecoverCorrelationID(value []byte) string {
	res := gjson.GetBytes(value, "correlationId")
	if res.Type != gjson.String {
		return ""
	}
	return res.String()
}

// RecoverPayload returns the original payload of a record for the retry topic.
// Falls back to the whole value, as a JSON string when the value is not JSON.
func RecoverPayload(value []byte) json.RawMessage {
	if res := gjson.GetBytes(value, "payload"); res.Exists() && gjson.Valid(res.Raw) {
		return json.RawMessage(res.Raw)
	}
	if len(value) > 0 && json.Valid(value) {
		return json.RawMessage(value)
	}
	quoted, err := json.Marshal(string(value))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return quoted
}
