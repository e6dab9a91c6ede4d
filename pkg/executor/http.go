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

package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

const maxResponseSize = 8 << 20

// HTTPExecutor invokes agents on the execution engine over HTTP.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewHTTPExecutor creates an executor for the engine at baseURL.
func NewHTTPExecutor(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *HTTPExecutor {
	if log == nil {
		log = logger.For(logger.ComponentExecutor)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout: 90 * time.Second,
			},
		},
		log: log,
	}
}

// Client returns the underlying HTTP client.
func (x *HTTPExecutor) Client() *http.Client {
	return x.httpClient
}

var _ dispatcher.Executor = (*HTTPExecutor)(nil)

// Execute posts the envelope event to /invoke/<agentName>.
//
// A 2xx body of the form {"status": "...", "response": ...} is unwrapped. Any other
// 2xx body is taken as the response itself with status SUCCESS.
func (x *HTTPExecutor) Execute(ctx context.Context, env *envelope.Envelope) (dispatcher.Response, error) {
	if env.AgentName == "" {
		return dispatcher.Response{}, fmt.Errorf("%w: envelope %s names no agent", standarderrors.ErrExecution, env.RequestID)
	}

	body, err := json.Marshal(env.Event())
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("%w: failed to marshal envelope: %w", standarderrors.ErrExecution, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/invoke/"+env.AgentName, bytes.NewBuffer(body))
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("%w: failed to create request: %w", standarderrors.ErrExecution, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.Token != "" {
		req.Header.Set("Authorization", "Bearer "+env.Token)
	}
	if env.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", env.CorrelationID)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("%w: invoke %s: %w", standarderrors.ErrExecution, env.AgentName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return dispatcher.Response{}, fmt.Errorf("%w: failed to read response: %w", standarderrors.ErrExecution, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		x.log.Debugf("Invocation of %s returned %d", env.AgentName, resp.StatusCode)
		return dispatcher.Response{}, fmt.Errorf("%w: invoke %s: status %d: %s", standarderrors.ErrExecution, env.AgentName, resp.StatusCode, truncate(data, 512))
	}

	return parseResponse(data), nil
}

func parseResponse(data []byte) dispatcher.Response {
	if len(bytes.TrimSpace(data)) == 0 {
		return dispatcher.Response{Status: dispatcher.StatusSuccess, Body: json.RawMessage("null")}
	}
	if !gjson.ValidBytes(data) {
		quoted, _ := json.Marshal(string(data))
		return dispatcher.Response{Status: dispatcher.StatusSuccess, Body: quoted}
	}

	status := gjson.GetBytes(data, "status")
	inner := gjson.GetBytes(data, "response")
	if status.Type == gjson.String && inner.Exists() {
		return dispatcher.Response{Status: strings.ToUpper(status.String()), Body: json.RawMessage(inner.Raw)}
	}
	return dispatcher.Response{Status: dispatcher.StatusSuccess, Body: json.RawMessage(data)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
