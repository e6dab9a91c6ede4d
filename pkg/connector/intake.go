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

package connector

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/credentials"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/metrics"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/naming"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Outcome is the result of running one record through the pipeline.
type Outcome struct {
	Completion envelope.Completion
	// Retry is set when the completion is also routed to the retry topic.
	Retry *RetryRecord
	// Err is the failure behind an error completion, nil otherwise.
	Err error
}

// pipeline turns inbound records into completions. It knows nothing about the broker.
type pipeline struct {
	connector   string
	retryTopic  string
	callbackURL string
	identity    *config.StaticIdentity

	exchanger *credentials.Exchanger
	qualifier naming.Qualifier
	hooks     hooks.Hooks
	log       *zap.SugaredLogger
}

// CallbackURL identifies the connector an envelope came from.
func CallbackURL(cfg config.ConnectorConfig) string {
	return fmt.Sprintf("%s://%s/%s", cfg.Type, cfg.Name, cfg.Kafka.OutputTopic)
}

// build constructs the envelope of rec: parse, normalize headers, resolve the credential,
// qualify the agent name and inject the callback url.
func (p *pipeline) build(ctx context.Context, rec Record) (*envelope.Envelope, error) {
	req, err := envelope.ParseRequest(rec.Value)
	if err != nil {
		return nil, err
	}

	headers := envelope.NormalizeHeaders(rec.HeaderMap())

	cred, err := p.exchanger.Resolve(ctx, p.connector, headers, p.identity)
	if err != nil {
		return nil, err
	}

	agentName := req.AgentName
	if agentName != "" && p.qualifier != nil {
		if agentName, err = p.qualifier.Qualify(agentName); err != nil {
			return nil, err
		}
	}

	props := make(map[string]any, len(req.Properties)+1)
	for k, v := range req.Properties {
		props[k] = v
	}
	props[envelope.PropertyCallbackURL] = p.callbackURL

	return envelope.New(envelope.Params{
		RequestID:     req.RequestID,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		MessageID:     req.MessageID,
		AgentName:     agentName,
		ServiceName:   req.ServiceName,
		SkillName:     req.SkillName,
		ProjectID:     req.ProjectID,
		ChannelID:     req.ChannelID,
		InputName:     req.InputName,
		OutputName:    req.OutputName,
		Payload:       req.Payload,
		Properties:    props,
		Headers:       headers,
		Token:         cred.Token,
		Username:      cred.Username,
		Sync:          req.Sync,
		Plan:          req.Plan,
	}), nil
}

// process never fails. Every error between receipt and publish becomes an error completion.
func (p *pipeline) process(ctx context.Context, d dispatcher.Dispatcher, rec Record) Outcome {
	var out Outcome

	env, err := p.build(ctx, rec)
	if err != nil {
		out = p.failed(uuid.NewString(), envelope.RecoverCorrelationID(rec.Value), err)
	} else {
		out = p.dispatch(ctx, d, env)
	}

	if after, err := p.after(out.Completion); err != nil {
		out = p.failed(out.Completion.ActivationID, out.Completion.CorrelationID, err)
	} else {
		out.Completion = after
	}
	if out.Err != nil {
		p.log.Warnf("Record %s/%d/%d of connector %s failed: %s", rec.Topic, rec.Partition, rec.Offset, p.connector, out.Err)
		metrics.IncIntakeError(p.connector, standarderrors.Kind(out.Err))
	}

	if p.retryTopic != "" && out.Completion.IsError() && p.retry(out) {
		out.Retry = newRetryRecord(out.Completion, rec)
	}
	return out
}

func (p *pipeline) dispatch(ctx context.Context, d dispatcher.Dispatcher, env *envelope.Envelope) Outcome {
	next, err := p.before(ctx, env)
	if err != nil {
		return p.failed(env.RequestID, env.CorrelationID, fmt.Errorf("%w: before hook: %w", standarderrors.ErrExecution, err))
	}
	if next != nil {
		env = next
	}

	resp, err := d.Run(ctx, env)
	if err != nil {
		return p.failed(env.RequestID, env.CorrelationID, err)
	}

	body := resp.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	return Outcome{Completion: envelope.Completion{
		ActivationID:  env.RequestID,
		CorrelationID: env.CorrelationID,
		Response:      body,
		Status:        resp.Status,
	}}
}

// before runs the Before hook. Hooks run outside the dispatcher, so their panics
// are recovered here.
func (p *pipeline) before(ctx context.Context, env *envelope.Envelope) (next *envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Before hook of connector %s panicked: %v", p.connector, r)
			next, err = nil, fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return p.hooks.Before(ctx, env)
}

func (p *pipeline) after(c envelope.Completion) (out envelope.Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("After hook of connector %s panicked: %v", p.connector, r)
			err = fmt.Errorf("%w: after hook panicked: %v", standarderrors.ErrExecution, r)
		}
	}()
	return p.hooks.After(c), nil
}

// retry routes to the retry topic when the predicate panics, the record must not be lost.
func (p *pipeline) retry(out Outcome) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Retry hook of connector %s panicked: %v", p.connector, r)
			ok = true
		}
	}()
	return p.hooks.Retry(out.Completion, out.Err)
}

func (p *pipeline) failed(activationID, correlationID string, err error) Outcome {
	body, mErr := json.Marshal(envelope.ErrorResponse{Code: standarderrors.Kind(err), Message: err.Error()})
	if mErr != nil {
		body = json.RawMessage("null")
	}
	return Outcome{
		Completion: envelope.Completion{
			ActivationID:  activationID,
			CorrelationID: correlationID,
			Response:      body,
			Status:        envelope.StatusError,
		},
		Err: err,
	}
}
