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

package shutdown_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/shutdown"
)

var _ = Describe("Handler", func() {
	var handler *shutdown.Handler

	BeforeEach(func() {
		handler = shutdown.New(zaptest.NewLogger(GinkgoT()).Sugar())
	})

	It("runs the shutdown tasks once triggered", func() {
		Expect(handler.ShuttingDown()).To(BeFalse())
		handler.Shutdown()
		handler.Shutdown()
		Expect(handler.ShuttingDown()).To(BeTrue())

		var ran bool
		err := handler.Run(time.Second, func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			Expect(hasDeadline).To(BeTrue())
			ran = true
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(ran).To(BeTrue())
	})

	It("returns the error of the shutdown tasks", func() {
		handler.Shutdown()
		err := handler.Run(time.Second, func(context.Context) error {
			return errors.New("producer close failed")
		})
		Expect(err).To(MatchError("producer close failed"))
	})

	It("gives up after the timeout", func() {
		handler.Shutdown()
		block := make(chan struct{})
		defer close(block)

		err := handler.Run(50*time.Millisecond, func(context.Context) error {
			<-block
			return nil
		})
		Expect(err).To(MatchError(ContainSubstring("did not complete")))
	})
})
