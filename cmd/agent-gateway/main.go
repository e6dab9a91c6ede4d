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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/connector"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/credentials"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/executor"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/metrics"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/naming"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/registry"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/shutdown"
)

const qualifierCacheSize = 1024

func main() {
	logger.Initialize()
	defer func() { _ = logger.Sync() }()
	log := logger.For(logger.ComponentMain)

	if err := run(log); err != nil {
		log.Errorf("Agent gateway exited with error: %s", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Infof("Starting agent gateway with connectors from %s", cfg.ConnectorsDir)

	// Signals are trapped before anything connects to the broker
	shutdownHandler := shutdown.New(log)

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.MetricsPort))

	qualifier, err := naming.NewNamespaceQualifier(cfg.AgentNamespace)
	if err != nil {
		return err
	}
	cachedQualifier, err := naming.NewCachedQualifier(qualifier, qualifierCacheSize)
	if err != nil {
		return err
	}

	exchanger := credentials.NewExchanger(credentials.NewHTTPService(cfg.CredentialServiceURL), logger.For(logger.ComponentCredentials))
	pool := dispatcher.NewPool(cfg.Dispatcher, executor.NewHTTPExecutor(cfg.ExecutorURL, 0, logger.For(logger.ComponentExecutor)), logger.For(logger.ComponentDispatcher))

	reg := registry.Load(cfg.ConnectorsDir, registry.Options{
		Deps: connector.Deps{
			Exchanger: exchanger,
			Qualifier: cachedQualifier,
			Log:       logger.For(logger.ComponentConnector),
		},
		Hooks: hooks.NewRegistry(),
		Log:   logger.For(logger.ComponentRegistry),
	})
	if reg.Len() == 0 {
		log.Warnf("No connectors configured, the gateway will stay idle")
	}

	healthServer := initHealthCheck(cfg.HealthCheckPort, reg, log)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := reg.StartAll(startCtx, pool); err != nil {
		log.Errorf("Some connectors failed to start: %s", err)
	}
	cancelStart()
	log.Infof("Agent gateway running %d connectors: %v", reg.Len(), reg.Names())

	return shutdownHandler.Run(cfg.ShutdownTimeout, func(ctx context.Context) error {
		var errs []error
		log.Debugf("Stopping connectors")
		if err := reg.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		log.Debugf("Draining dispatcher")
		if err := pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := healthServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

func initHealthCheck(port int, reg *registry.Registry, log *zap.SugaredLogger) *http.Server {
	log.Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("connectors", func() error {
		if !reg.Running() {
			return errors.New("not all connectors are running")
		}
		return nil
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           health,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error starting healthcheck: %s", err)
		}
	}()
	return server
}
