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

// Package connector binds one broker configuration to the invocation pipeline.
//
// A connector consumes records from its input topic, builds an envelope for each,
// submits it to the shared dispatcher and publishes the completion to its output topic,
// plus a retry record for failures when a retry topic is configured. Offsets are committed
// only after those records were accepted by the broker.
package connector

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/credentials"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/naming"
)

// Lifecycle states.
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Lifecycle events.
const (
	EventStart   = "start"
	EventStarted = "started"
	EventStop    = "stop"
	EventStopped = "stopped"
)

// Connector is one broker binding. Each broker technology is its own implementation.
type Connector interface {
	Name() string
	// Start connects to the broker and returns once the subscription is active.
	Start(ctx context.Context, d dispatcher.Dispatcher) error
	// Stop drains in-flight records and disconnects. It is idempotent.
	Stop(ctx context.Context) error
	// PublishCompletion publishes c and, if set, retry. It returns once both were accepted.
	PublishCompletion(ctx context.Context, c envelope.Completion, retry *RetryRecord) error
	State() string
	// ConfigErr is the validation error recorded at construction, if any.
	ConfigErr() error
}

// Deps are the collaborators shared by all connectors.
type Deps struct {
	Exchanger *credentials.Exchanger
	Qualifier naming.Qualifier
	Hooks     hooks.Hooks
	Log       *zap.SugaredLogger
}

func newLifecycle(log *zap.SugaredLogger, name string) *fsm.FSM {
	return fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: EventStart, Src: []string{StateCreated}, Dst: StateStarting},
			{Name: EventStarted, Src: []string{StateStarting}, Dst: StateRunning},
			{Name: EventStop, Src: []string{StateCreated, StateStarting, StateRunning}, Dst: StateStopping},
			{Name: EventStopped, Src: []string{StateStopping}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Connector %s: %s -> %s", name, e.Src, e.Dst)
			},
		},
	)
}

// Compile-time check
var _ Connector = (*KafkaConnector)(nil)

func newPipeline(cfg config.ConnectorConfig, deps Deps) *pipeline {
	h := deps.Hooks
	defaults := hooks.Defaults()
	if h.Retry == nil {
		h.Retry = defaults.Retry
	}
	if h.Before == nil {
		h.Before = defaults.Before
	}
	if h.After == nil {
		h.After = defaults.After
	}
	return &pipeline{
		connector:   cfg.Name,
		retryTopic:  cfg.Kafka.RetryTopic,
		callbackURL: CallbackURL(cfg),
		identity:    cfg.PAT,
		exchanger:   deps.Exchanger,
		qualifier:   deps.Qualifier,
		hooks:       h,
		log:         deps.Log,
	}
}
