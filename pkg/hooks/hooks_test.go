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

package hooks_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

var (
	success = envelope.Completion{ActivationID: "a", Status: envelope.StatusSuccess}
	failure = envelope.Completion{ActivationID: "a", Status: envelope.StatusError}
)

var _ = Describe("Hooks", func() {
	var registry *hooks.Registry

	BeforeEach(func() {
		registry = hooks.NewRegistry()
	})

	It("defaults to retrying every error completion", func() {
		h, err := registry.Resolve(config.HookConfig{})
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Retry(failure, nil)).To(BeTrue())
		Expect(h.Retry(success, nil)).To(BeFalse())

		env := envelope.New(envelope.Params{})
		out, err := h.Before(context.Background(), env)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(BeIdenticalTo(env))
		Expect(h.After(success)).To(Equal(success))
	})

	It("resolves builtin predicates by name", func() {
		h, err := registry.Resolve(config.HookConfig{Retry: " Retryable "})
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Retry(failure, standarderrors.ErrOverload)).To(BeTrue())
		Expect(h.Retry(failure, standarderrors.ErrDeserialization)).To(BeFalse())
		Expect(h.Retry(failure, nil)).To(BeTrue())
		Expect(h.Retry(success, nil)).To(BeFalse())

		h, err = registry.Resolve(config.HookConfig{Retry: hooks.RetryNever})
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Retry(failure, nil)).To(BeFalse())
	})

	It("resolves registered functions", func() {
		registry.RegisterBefore("tag", func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
			env.Properties["tagged"] = true
			return env, nil
		})
		registry.RegisterAfter("redact", func(c envelope.Completion) envelope.Completion {
			c.Response = nil
			return c
		})

		h, err := registry.Resolve(config.HookConfig{Before: "tag", After: "redact"})
		Expect(err).ToNot(HaveOccurred())

		env, err := h.Before(context.Background(), envelope.New(envelope.Params{}))
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Properties).To(HaveKeyWithValue("tagged", true))
		Expect(h.After(envelope.Completion{Response: []byte("1")}).Response).To(BeNil())
	})

	It("reports unknown names and falls back to the defaults", func() {
		h, err := registry.Resolve(config.HookConfig{Retry: "exotic", After: "missing"})
		Expect(err).To(MatchError(standarderrors.ErrConfigValidation))
		Expect(err.Error()).To(ContainSubstring("retry=exotic"))
		Expect(err.Error()).To(ContainSubstring("after=missing"))
		Expect(h.Retry(failure, nil)).To(BeTrue())
		Expect(h.Before).ToNot(BeNil())
		Expect(h.After).ToNot(BeNil())
	})

	It("lists retry predicates", func() {
		Expect(registry.RetryNames()).To(ContainElements(hooks.RetryOnError, hooks.RetryAlways, hooks.RetryNever, hooks.RetryOnRetryable))
	})

	It("treats the retryable predicate strictly for wrapped errors", func() {
		Expect(hooks.RetryableOnly(failure, errors.Join(errors.New("x"), standarderrors.ErrExecution))).To(BeTrue())
	})
})
