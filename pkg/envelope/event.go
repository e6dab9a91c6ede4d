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
	"time"

	"github.com/goccy/go-json"
)

// Headers that carry the caller's credential. They are kept on the envelope for
// credential resolution but never leave the process.
const (
	HeaderToken         = "token"
	HeaderAuthorization = "authorization"
)

// Event is the representation of an envelope that may leave the process.
// It never carries the access token, the caller's credential headers or the plan.
type Event struct {
	RequestID     string            `json:"requestId"`
	SessionID     string            `json:"sessionId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	AgentName     string            `json:"agentName,omitempty"`
	ServiceName   string            `json:"serviceName,omitempty"`
	SkillName     string            `json:"skillName,omitempty"`
	ProjectID     string            `json:"projectId,omitempty"`
	ChannelID     string            `json:"channelId,omitempty"`
	InputName     string            `json:"inputName,omitempty"`
	OutputName    string            `json:"outputName,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Properties    map[string]any    `json:"properties,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Username      string            `json:"username,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Sync          bool              `json:"sync"`
	Transitions   []Transition      `json:"transitions,omitempty"`
}

// Event strips the token, the credential headers and the plan. Maps are copies.
func (e *Envelope) Event() Event {
	var props map[string]any
	if len(e.Properties) > 0 {
		props = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
	}
	var headers map[string]string
	for k, v := range e.Headers {
		if k == HeaderToken || k == HeaderAuthorization {
			continue
		}
		if headers == nil {
			headers = make(map[string]string, len(e.Headers))
		}
		headers[k] = v
	}

	return Event{
		RequestID:     e.RequestID,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		MessageID:     e.MessageID,
		AgentName:     e.AgentName,
		ServiceName:   e.ServiceName,
		SkillName:     e.SkillName,
		ProjectID:     e.ProjectID,
		ChannelID:     e.ChannelID,
		InputName:     e.InputName,
		OutputName:    e.OutputName,
		Payload:       e.Payload,
		Properties:    props,
		Headers:       headers,
		Username:      e.Username,
		Timestamp:     e.Timestamp,
		Sync:          e.Sync,
		Transitions:   e.Transitions(),
	}
}
