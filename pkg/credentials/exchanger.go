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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

const (
	HeaderToken         = envelope.HeaderToken
	HeaderAuthorization = envelope.HeaderAuthorization
)

// Service is the external credential service.
type Service interface {
	// ExchangeShadowToken trades a short-lived caller token for an access token.
	ExchangeShadowToken(ctx context.Context, shadowToken string) (string, error)
	// ExchangeStaticIdentity trades a configured service identity for an access token.
	ExchangeStaticIdentity(ctx context.Context, identity config.StaticIdentity) (string, error)
}

// Credential is the resolved identity of one invocation.
type Credential struct {
	Token    string
	Username string
}

// Exchanger resolves the credential of every inbound record. Results are not cached.
type Exchanger struct {
	service Service
	log     *zap.SugaredLogger
}

// NewExchanger creates an Exchanger backed by service.
func NewExchanger(service Service, log *zap.SugaredLogger) *Exchanger {
	if log == nil {
		log = logger.For(logger.ComponentCredentials)
	}
	return &Exchanger{service: service, log: log}
}

// ShadowToken looks for a caller token in lower-cased headers: first the token header,
// then an "authorization: bearer <token>" header.
func ShadowToken(headers map[string]string) (string, bool) {
	if t := strings.TrimSpace(headers[HeaderToken]); t != "" {
		return t, true
	}
	parts := strings.Fields(headers[HeaderAuthorization])
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1], true
	}
	return "", false
}

// Resolve returns the credential for a record received by connector. A shadow token in the
// headers takes precedence over the static identity; without either the call fails.
// Every failure wraps standarderrors.ErrAuthentication.
func (x *Exchanger) Resolve(ctx context.Context, connector string, headers map[string]string, identity *config.StaticIdentity) (Credential, error) {
	var token string
	var err error

	if shadow, ok := ShadowToken(headers); ok {
		token, err = x.service.ExchangeShadowToken(ctx, shadow)
		if err != nil {
			return Credential{}, wrapAuth(connector, "shadow token exchange failed", err)
		}
	} else if identity != nil && identity.Token != "" {
		token, err = x.service.ExchangeStaticIdentity(ctx, *identity)
		if err != nil {
			return Credential{}, wrapAuth(connector, "static identity exchange failed", err)
		}
	} else {
		return Credential{}, fmt.Errorf("%w: unauthorized, connector %q has no credential for this record", standarderrors.ErrAuthentication, connector)
	}

	if token == "" {
		return Credential{}, fmt.Errorf("%w: connector %q: credential service returned an empty token", standarderrors.ErrAuthentication, connector)
	}

	username := Subject(token)
	if username == "" && identity != nil {
		username = identity.Subject
	}
	if username == "" {
		x.log.Debugf("Access token for connector %s carries no subject claim", connector)
	}
	return Credential{Token: token, Username: username}, nil
}

func wrapAuth(connector, msg string, err error) error {
	if errors.Is(err, standarderrors.ErrAuthentication) {
		return fmt.Errorf("connector %q: %s: %w", connector, msg, err)
	}
	return fmt.Errorf("%w: connector %q: %s: %w", standarderrors.ErrAuthentication, connector, msg, err)
}

// Subject returns the sub claim of a JWT access token, or "" if the token is opaque.
// The signature is not verified, the credential service already did that.
func Subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
