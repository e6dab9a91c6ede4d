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

// Package hooks holds the per-connector policy extension points.
//
// A connector file names its hooks by string. The names are looked up in a Registry
// populated with Go functions at startup; there is no expression language.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// RetryPredicate decides whether a completion is also routed to the retry topic.
// err is the failure that produced the completion, nil for executor-reported statuses.
type RetryPredicate func(c envelope.Completion, err error) bool

// BeforeFunc may rewrite an envelope before it is dispatched.
type BeforeFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// AfterFunc may rewrite a completion before it is published.
type AfterFunc func(c envelope.Completion) envelope.Completion

// Hooks is the resolved hook set of one connector. Zero fields are never nil
// after Resolve.
type Hooks struct {
	Retry  RetryPredicate
	Before BeforeFunc
	After  AfterFunc
}

// Builtin hook names.
const (
	RetryOnError     = "error"
	RetryOnRetryable = "retryable"
	RetryAlways      = "always"
	RetryNever       = "never"
	Identity         = "identity"
)

// DefaultRetry routes every error completion.
func DefaultRetry(c envelope.Completion, _ error) bool {
	return c.IsError()
}

// RetryableOnly routes error completions caused by transient failures, or reported
// as errors by the executor itself.
func RetryableOnly(c envelope.Completion, err error) bool {
	if !c.IsError() {
		return false
	}
	return err == nil || standarderrors.IsRetryable(err)
}

func identityBefore(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return env, nil
}

func identityAfter(c envelope.Completion) envelope.Completion {
	return c
}

// Defaults returns the hook set used when a connector names none.
func Defaults() Hooks {
	return Hooks{Retry: DefaultRetry, Before: identityBefore, After: identityAfter}
}

// Registry maps hook names to functions. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	retry  map[string]RetryPredicate
	before map[string]BeforeFunc
	after  map[string]AfterFunc
}

// NewRegistry returns a Registry holding the builtin hooks.
func NewRegistry() *Registry {
	r := &Registry{
		retry:  map[string]RetryPredicate{},
		before: map[string]BeforeFunc{},
		after:  map[string]AfterFunc{},
	}
	r.RegisterRetry(RetryOnError, DefaultRetry)
	r.RegisterRetry(RetryOnRetryable, RetryableOnly)
	r.RegisterRetry(RetryAlways, func(envelope.Completion, error) bool { return true })
	r.RegisterRetry(RetryNever, func(envelope.Completion, error) bool { return false })
	r.RegisterBefore(Identity, identityBefore)
	r.RegisterAfter(Identity, identityAfter)
	return r
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterRetry adds or replaces a retry predicate.
func (r *Registry) RegisterRetry(name string, fn RetryPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retry[key(name)] = fn
}

// RegisterBefore adds or replaces a before hook.
func (r *Registry) RegisterBefore(name string, fn BeforeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before[key(name)] = fn
}

// RegisterAfter adds or replaces an after hook.
func (r *Registry) RegisterAfter(name string, fn AfterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after[key(name)] = fn
}

// Resolve looks up the hooks named in cfg. Empty names get the default.
// Unknown names also get the default and are reported in an error wrapping
// standarderrors.ErrConfigValidation; the returned Hooks are always usable.
func (r *Registry) Resolve(cfg config.HookConfig) (Hooks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Defaults()
	var unknown []string

	if name := key(cfg.Retry); name != "" {
		if fn, ok := r.retry[name]; ok {
			h.Retry = fn
		} else {
			unknown = append(unknown, "retry="+cfg.Retry)
		}
	}
	if name := key(cfg.Before); name != "" {
		if fn, ok := r.before[name]; ok {
			h.Before = fn
		} else {
			unknown = append(unknown, "before="+cfg.Before)
		}
	}
	if name := key(cfg.After); name != "" {
		if fn, ok := r.after[name]; ok {
			h.After = fn
		} else {
			unknown = append(unknown, "after="+cfg.After)
		}
	}

	if len(unknown) > 0 {
		return h, fmt.Errorf("%w: unknown hooks: %s", standarderrors.ErrConfigValidation, strings.Join(unknown, ", "))
	}
	return h, nil
}

// RetryNames lists the registered retry predicates.
func (r *Registry) RetryNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.retry))
	for n := range r.retry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
