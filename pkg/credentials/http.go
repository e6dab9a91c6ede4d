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

package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// ExchangeRequest is sent to the credential service.
type ExchangeRequest struct {
	ShadowToken string `json:"shadowToken,omitempty"`
	Identity    string `json:"identity,omitempty"`
	Subject     string `json:"subject,omitempty"`
}

// ExchangeResponse is returned by the credential service.
type ExchangeResponse struct {
	AccessToken string `json:"accessToken"`
}

// HTTPService talks to the credential service over HTTP.
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPService creates an HTTPService for baseURL.
func NewHTTPService(baseURL string) *HTTPService {
	return &HTTPService{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Client returns the underlying HTTP client.
func (s *HTTPService) Client() *http.Client {
	return s.httpClient
}

// ExchangeShadowToken calls POST /v1/token/exchange.
func (s *HTTPService) ExchangeShadowToken(ctx context.Context, shadowToken string) (string, error) {
	return s.exchange(ctx, "/v1/token/exchange", ExchangeRequest{ShadowToken: shadowToken})
}

// ExchangeStaticIdentity calls POST /v1/token/identity.
func (s *HTTPService) ExchangeStaticIdentity(ctx context.Context, identity config.StaticIdentity) (string, error) {
	return s.exchange(ctx, "/v1/token/identity", ExchangeRequest{Identity: identity.Token, Subject: identity.Subject})
}

func (s *HTTPService) exchange(ctx context.Context, path string, req ExchangeRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal exchange request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: exchange request failed: %w", standarderrors.ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: exchange failed with status %d: %s", standarderrors.ErrAuthentication, resp.StatusCode, string(bodyBytes))
	}

	var exchangeResp ExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exchangeResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode exchange response: %w", standarderrors.ErrAuthentication, err)
	}
	return exchangeResp.AccessToken, nil
}
