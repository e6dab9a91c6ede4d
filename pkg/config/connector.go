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

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

const (
	// TypeKafka is the only broker kind currently implemented.
	TypeKafka = "kafka"

	// SerializationJSON is the only supported record serialization.
	SerializationJSON = "json"

	DefaultHeartbeatIntervalMs = 6000
	DefaultMaxInFlight         = 16
)

// ConnectorConfig is the content of one connector file.
type ConnectorConfig struct {
	Name  string          `json:"name" validate:"required"`
	Type  string          `json:"type" validate:"required"`
	Kafka KafkaConfig     `json:"kafka"`
	PAT   *StaticIdentity `json:"pat,omitempty"`
	Hooks HookConfig      `json:"hooks"`
}

// KafkaConfig holds the broker section of a connector.
type KafkaConfig struct {
	ClientID          string   `json:"clientId" validate:"required"`
	Brokers           []string `json:"brokers" validate:"required,min=1,dive,required"`
	GroupID           string   `json:"groupId" validate:"required"`
	Topic             string   `json:"topic" validate:"required"`
	OutputTopic       string   `json:"outputTopic" validate:"required"`
	RetryTopic        string   `json:"retryTopic,omitempty"`
	Serialization     string   `json:"serialization,omitempty" validate:"omitempty,oneof=json"`
	HeartbeatInterval int      `json:"heartbeatInterval,omitempty" validate:"gte=0"`
	FromBeginning     bool     `json:"fromBeginning,omitempty"`
	// MaxInFlight bounds how many records of one partition claim may be dispatched at once.
	MaxInFlight int `json:"maxInFlight,omitempty" validate:"gte=0"`
}

// StaticIdentity is the service identity used when a record carries no credential.
type StaticIdentity struct {
	Token   string `json:"token" validate:"required"`
	Subject string `json:"subject,omitempty"`
}

// HookConfig names the policy hooks of a connector. The names are resolved by pkg/hooks.
type HookConfig struct {
	Retry  string `json:"retry,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// HeartbeatDuration returns the heartbeat interval as a duration.
func (k KafkaConfig) HeartbeatDuration() time.Duration {
	return time.Duration(k.HeartbeatInterval) * time.Millisecond
}

// HasRetryTopic reports whether error records are also routed to a retry topic.
func (k KafkaConfig) HasRetryTopic() bool {
	return k.RetryTopic != ""
}

// ApplyDefaults fills optional fields.
func (c *ConnectorConfig) ApplyDefaults() {
	if c.Kafka.HeartbeatInterval == 0 {
		c.Kafka.HeartbeatInterval = DefaultHeartbeatIntervalMs
	}
	if c.Kafka.Serialization == "" {
		c.Kafka.Serialization = SerializationJSON
	}
	if c.Kafka.MaxInFlight == 0 {
		c.Kafka.MaxInFlight = DefaultMaxInFlight
	}
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names, they are what operators see in the files
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks all required fields and returns every violation in one error
// wrapping standarderrors.ErrConfigValidation.
func (c *ConnectorConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: connector %q: %w", standarderrors.ErrConfigValidation, c.Name, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "ConnectorConfig.kafka.topic", drop the struct name
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: connector %q: %s", standarderrors.ErrConfigValidation, c.Name, strings.Join(msgs, "; "))
}

// Parse decodes a connector definition. Unknown fields are ignored.
func Parse(data []byte) (ConnectorConfig, error) {
	var cfg ConnectorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ConnectorConfig{}, fmt.Errorf("failed to decode connector config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadFile reads and decodes one connector file.
func LoadFile(path string) (ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectorConfig{}, fmt.Errorf("failed to read connector config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return ConnectorConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
