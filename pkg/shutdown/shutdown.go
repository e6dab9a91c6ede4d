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

package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
)

// Handler turns SIGINT/SIGTERM into a bounded graceful shutdown.
type Handler struct {
	quit         chan os.Signal
	shuttingDown atomic.Bool
	log          *zap.SugaredLogger
}

// New installs the signal handler.
func New(log *zap.SugaredLogger) *Handler {
	h := &Handler{
		quit: make(chan os.Signal, 1),
		log:  logger.OrNop(log),
	}
	// Kubernetes sends SIGTERM 30 seconds before killing the pod,
	// connectors must leave their consumer group before that to avoid a slow rebalance.
	signal.Notify(h.quit, syscall.SIGINT, syscall.SIGTERM)
	return h
}

// Shutdown triggers a shutdown programmatically.
func (h *Handler) Shutdown() {
	if h.shuttingDown.CompareAndSwap(false, true) {
		h.quit <- syscall.SIGTERM
	}
}

// ShuttingDown reports whether a shutdown is in progress.
func (h *Handler) ShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Run blocks until a signal arrives, then calls onShutdown with a context that expires
// after timeout. It returns onShutdown's error, or a timeout error if it did not finish in time.
func (h *Handler) Run(timeout time.Duration, onShutdown func(ctx context.Context) error) error {
	sig := <-h.quit
	h.shuttingDown.Store(true)
	signal.Stop(h.quit)
	h.log.Infow("Received signal, shutting down", "signal", sig.String())

	if onShutdown == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h.log.Infow("Waiting for shutdown tasks to complete", "timeout", timeout)
	done := make(chan error, 1)
	go func() {
		done <- onShutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			h.log.Errorw("Error during shutdown", "error", err)
			return err
		}
		h.log.Info("Shutdown tasks completed. Ready to exit.")
		return nil
	case <-ctx.Done():
		h.log.Errorw("Shutdown tasks did not complete in time", "timeout", timeout)
		return fmt.Errorf("shutdown did not complete within %s", timeout)
	}
}
