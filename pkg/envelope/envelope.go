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

// Package envelope holds the in-flight representation of one agent or skill invocation.
//
// An Envelope is owned by the goroutine processing it. The only field that may be read
// concurrently is the transition log, which is guarded and only handed out as a copy.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// PropertyCallbackURL is injected into every envelope built from a broker record.
const PropertyCallbackURL = "callbackUrl"

// Transition statuses written by the dispatcher.
const (
	TransitionSuccess = "SUCCESS"
	TransitionError   = "ERROR"
)

var ErrTransitionOrder = errors.New("transition starts before the previous one")

// Transition is one recorded hop between two plan nodes.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// PlanStep is a node of an execution plan.
type PlanStep struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Plan is the execution plan an envelope is traversing.
type Plan struct {
	ID    string     `json:"id"`
	Steps []PlanStep `json:"steps"`
}

// Envelope is the canonical in-flight invocation record.
type Envelope struct {
	RequestID     string
	SessionID     string
	CorrelationID string
	MessageID     string

	AgentName   string
	ServiceName string
	SkillName   string
	ProjectID   string
	ChannelID   string
	InputName   string
	OutputName  string

	Payload    json.RawMessage
	Properties map[string]any
	Headers    map[string]string

	Token    string
	Username string

	Timestamp time.Time
	Sync      bool

	Plan *Plan

	mu          sync.RWMutex
	transitions []Transition
}

// Params are the inputs from which New builds an envelope.
type Params struct {
	RequestID     string
	SessionID     string
	CorrelationID string
	MessageID     string
	AgentName     string
	ServiceName   string
	SkillName     string
	ProjectID     string
	ChannelID     string
	InputName     string
	OutputName    string
	Payload       json.RawMessage
	Properties    map[string]any
	Headers       map[string]string
	Token         string
	Username      string
	Sync          bool
	Plan          *Plan
}

// New creates an envelope. A missing RequestID is generated and a missing SessionID
// defaults to the RequestID.
func New(p Params) *Envelope {
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = requestID
	}
	props := make(map[string]any, len(p.Properties)+1)
	for k, v := range p.Properties {
		props[k] = v
	}

	return &Envelope{
		RequestID:     requestID,
		SessionID:     sessionID,
		CorrelationID: p.CorrelationID,
		MessageID:     p.MessageID,
		AgentName:     p.AgentName,
		ServiceName:   p.ServiceName,
		SkillName:     p.SkillName,
		ProjectID:     p.ProjectID,
		ChannelID:     p.ChannelID,
		InputName:     p.InputName,
		OutputName:    p.OutputName,
		Payload:       p.Payload,
		Properties:    props,
		Headers:       NormalizeHeaders(p.Headers),
		Token:         p.Token,
		Username:      p.Username,
		Timestamp:     time.Now().UTC(),
		Sync:          p.Sync,
		Plan:          p.Plan,
	}
}

// NormalizeHeaders returns a copy of headers with lower-cased keys.
func NormalizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// CallbackURL returns the injected callbackUrl property.
func (e *Envelope) CallbackURL() string {
	s, _ := e.Properties[PropertyCallbackURL].(string)
	return s
}

// AddTransition appends t to the transition log. A zero Start is set to now.
// A transition may not start before the last recorded one.
func (e *Envelope) AddTransition(t Transition) error {
	if t.Start.IsZero() {
		t.Start = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.transitions); n > 0 && t.Start.Before(e.transitions[n-1].Start) {
		return fmt.Errorf("%w: %s at %s", ErrTransitionOrder, t.Name, t.Start.Format(time.RFC3339Nano))
	}
	e.transitions = append(e.transitions, t)
	return nil
}

// Transitions returns a snapshot of the transition log.
func (e *Envelope) Transitions() []Transition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// NextStep returns the first plan step that has no successful transition into it.
func (e *Envelope) NextStep() (PlanStep, bool) {
	if e.Plan == nil {
		return PlanStep{}, false
	}
	done := make(map[string]bool)
	for _, t := range e.Transitions() {
		if t.Status == TransitionSuccess {
			done[t.To] = true
		}
	}
	for _, step := range e.Plan.Steps {
		if !done[step.Name] {
			return step, true
		}
	}
	return PlanStep{}, false
}

// ReplacePayload returns the same logical request addressed to the next plan node:
// identity, routing, credentials and transitions are kept, payload and channel are replaced
// and the timestamp is renewed. e itself is not modified.
func (e *Envelope) ReplacePayload(payload json.RawMessage, channelID string) *Envelope {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	headers := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}

	next := &Envelope{
		RequestID:     e.RequestID,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		MessageID:     e.MessageID,
		AgentName:     e.AgentName,
		ServiceName:   e.ServiceName,
		SkillName:     e.SkillName,
		ProjectID:     e.ProjectID,
		ChannelID:     channelID,
		InputName:     e.InputName,
		OutputName:    e.OutputName,
		Payload:       payload,
		Properties:    props,
		Headers:       headers,
		Token:         e.Token,
		Username:      e.Username,
		Timestamp:     time.Now().UTC(),
		Sync:          e.Sync,
		Plan:          e.Plan,
		transitions:   e.Transitions(),
	}
	// Timestamps must move forward even on coarse clocks
	if !next.Timestamp.After(e.Timestamp) {
		next.Timestamp = e.Timestamp.Add(time.Nanosecond)
	}
	return next
}
