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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

// GatewayConfig is the process level configuration, read from the environment.
type GatewayConfig struct {
	ConnectorsDir        string
	CredentialServiceURL string
	ExecutorURL          string
	AgentNamespace       string

	Dispatcher DispatcherConfig

	MetricsPort     int
	HealthCheckPort int
	ShutdownTimeout time.Duration
}

// DispatcherConfig sizes the shared worker dispatcher.
type DispatcherConfig struct {
	MaxSlots     int
	MaxQueue     int
	IdleTimeout  time.Duration
	TasksPerSlot int
	// Synchronous runs every invocation in the caller's goroutine.
	Synchronous bool
}

// LoadGatewayConfig reads GatewayConfig from the environment.
func LoadGatewayConfig() (GatewayConfig, error) {
	var cfg GatewayConfig
	var err error

	if cfg.ConnectorsDir, err = env.GetAsString("CONNECTORS_DIR", true, ""); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.CredentialServiceURL, err = env.GetAsString("CREDENTIAL_SERVICE_URL", true, ""); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.ExecutorURL, err = env.GetAsString("EXECUTOR_URL", true, ""); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.AgentNamespace, err = env.GetAsString("AGENT_NAMESPACE", false, "default"); err != nil {
		return GatewayConfig{}, err
	}

	if cfg.Dispatcher.MaxSlots, err = env.GetAsInt("DISPATCHER_MAX_SLOTS", false, 4); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.Dispatcher.MaxQueue, err = env.GetAsInt("DISPATCHER_MAX_QUEUE", false, 128); err != nil {
		return GatewayConfig{}, err
	}
	idleMs, err := env.GetAsInt("DISPATCHER_IDLE_TIMEOUT_MS", false, 60000)
	if err != nil {
		return GatewayConfig{}, err
	}
	cfg.Dispatcher.IdleTimeout = time.Duration(idleMs) * time.Millisecond
	if cfg.Dispatcher.TasksPerSlot, err = env.GetAsInt("DISPATCHER_TASKS_PER_SLOT", false, 4); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.Dispatcher.Synchronous, err = env.GetAsBool("DISPATCHER_SYNCHRONOUS", false, false); err != nil {
		return GatewayConfig{}, err
	}

	if cfg.MetricsPort, err = env.GetAsInt("METRICS_PORT", false, 2112); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.HealthCheckPort, err = env.GetAsInt("HEALTHCHECK_PORT", false, 8086); err != nil {
		return GatewayConfig{}, err
	}
	shutdownMs, err := env.GetAsInt("SHUTDOWN_TIMEOUT_MS", false, 30000)
	if err != nil {
		return GatewayConfig{}, err
	}
	cfg.ShutdownTimeout = time.Duration(shutdownMs) * time.Millisecond

	for key, value := range map[string]string{
		"CONNECTORS_DIR":         cfg.ConnectorsDir,
		"CREDENTIAL_SERVICE_URL": cfg.CredentialServiceURL,
		"EXECUTOR_URL":           cfg.ExecutorURL,
	} {
		if value == "" {
			return GatewayConfig{}, fmt.Errorf("environment variable %s must not be empty", key)
		}
	}
	if cfg.Dispatcher.MaxSlots < 1 || cfg.Dispatcher.MaxQueue < 1 || cfg.Dispatcher.TasksPerSlot < 1 {
		return GatewayConfig{}, fmt.Errorf("dispatcher sizes must be positive: %+v", cfg.Dispatcher)
	}
	return cfg, nil
}
