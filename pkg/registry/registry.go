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

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/connector"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Factory builds the connector of one broker type.
type Factory func(cfg config.ConnectorConfig, deps connector.Deps) connector.Connector

// KafkaFactory builds KafkaConnectors with opts.
func KafkaFactory(opts ...connector.Option) Factory {
	return func(cfg config.ConnectorConfig, deps connector.Deps) connector.Connector {
		return connector.NewKafkaConnector(cfg, deps, opts...)
	}
}

// Registry is the name to connector mapping built from a directory of connector files.
type Registry struct {
	connectors map[string]connector.Connector
	log        *zap.SugaredLogger
}

// Options configure Load.
type Options struct {
	Deps  connector.Deps
	Hooks *hooks.Registry
	// Factories by connector type. Defaults to kafka only.
	Factories map[string]Factory
	Log       *zap.SugaredLogger
}

// Load builds one connector per unique name from the *.json files in dir.
//
// Load never fails. Unreadable directories or files, unknown types and duplicate names are
// logged and skipped, so the result may be empty. Invalid configurations still produce a
// connector, with the validation error recorded on it.
func Load(dir string, opts Options) *Registry {
	log := opts.Log
	if log == nil {
		log = logger.For(logger.ComponentRegistry)
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewRegistry()
	}
	factories := opts.Factories
	if factories == nil {
		factories = map[string]Factory{config.TypeKafka: KafkaFactory()}
	}

	r := &Registry{connectors: map[string]connector.Connector{}, log: log}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Errorf("Failed to read connectors directory %s: %s", dir, err)
		return r
	}

	// Deterministic order decides which of two duplicates survives
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := r.add(path, opts, factories); err != nil {
			log.Errorf("Skipping connector file %s: %s", path, err)
		}
	}

	if len(r.connectors) == 0 {
		log.Warnf("No connectors loaded from %s", dir)
	}
	return r
}

func (r *Registry) add(path string, opts Options, factories map[string]Factory) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if cfg.Name == "" {
		return fmt.Errorf("%w: connector has no name", standarderrors.ErrConfigValidation)
	}
	if _, exists := r.connectors[cfg.Name]; exists {
		return fmt.Errorf("%w: %q is already defined", standarderrors.ErrDuplicateConnectorName, cfg.Name)
	}

	// A missing type is a validation error recorded on the connector, not a reason to skip it
	connectorType := cfg.Type
	if connectorType == "" {
		connectorType = config.TypeKafka
	}
	factory, ok := factories[connectorType]
	if !ok {
		return fmt.Errorf("%w: connector %q has unsupported type %q", standarderrors.ErrConfigValidation, cfg.Name, cfg.Type)
	}

	deps := opts.Deps
	h, hookErr := opts.Hooks.Resolve(cfg.Hooks)
	deps.Hooks = h
	if hookErr != nil {
		r.log.Errorf("Connector %s (%s): %s, using default hooks", cfg.Name, path, hookErr)
	}

	c := factory(cfg, deps)
	if err := c.ConfigErr(); err != nil {
		r.log.Errorf("Connector %s (%s) has an invalid configuration: %s", cfg.Name, path, err)
	}
	r.connectors[cfg.Name] = c
	r.log.Infof("Loaded connector %s from %s", cfg.Name, path)
	return nil
}

// Get returns the connector called name.
func (r *Registry) Get(name string) (connector.Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the connector names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.connectors)
}

// StartAll starts every connector in parallel. A connector that fails to start is logged and
// left stopped, the others keep running. The returned error joins all start failures.
func (r *Registry) StartAll(ctx context.Context, d dispatcher.Dispatcher) error {
	var g errgroup.Group
	errs := make([]error, len(r.connectors))

	for i, name := range r.Names() {
		c := r.connectors[name]
		g.Go(func() error {
			if err := c.Start(ctx, d); err != nil {
				r.log.Errorf("Failed to start connector %s: %s", name, err)
				errs[i] = fmt.Errorf("connector %s: %w", name, err)
			}
			return errs[i]
		})
	}
	return joinFailures(g.Wait(), errs)
}

// StopAll stops every connector in parallel and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(r.connectors))
	for i, name := range r.Names() {
		c := r.connectors[name]
		g.Go(func() error {
			if err := c.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("connector %s: %w", name, err)
			}
			return errs[i]
		})
	}
	return joinFailures(g.Wait(), errs)
}

// joinFailures reports every failure, not only the first one Wait returns.
func joinFailures(first error, errs []error) error {
	if first == nil {
		return nil
	}
	return errors.Join(errs...)
}

// Running reports whether every connector is running.
func (r *Registry) Running() bool {
	for _, c := range r.connectors {
		if c.State() != connector.StateRunning {
			return false
		}
	}
	return len(r.connectors) > 0
}
