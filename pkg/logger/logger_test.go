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

package logger_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
)

var _ = Describe("Logger", func() {
	DescribeTable("maps levels",
		func(level string, enabled, disabled zapcore.Level) {
			l := logger.New(level, logger.FormatJSON)
			Expect(l.Core().Enabled(enabled)).To(BeTrue())
			Expect(l.Core().Enabled(disabled)).To(BeFalse())
		},
		Entry("production", "PRODUCTION", zapcore.InfoLevel, zapcore.DebugLevel),
		Entry("development", "development", zapcore.DebugLevel, zapcore.DebugLevel-1),
		Entry("warn", "WARN", zapcore.WarnLevel, zapcore.InfoLevel),
		Entry("error", string(logger.ErrorLevel), zapcore.ErrorLevel, zapcore.WarnLevel),
		Entry("info", string(logger.InfoLevel), zapcore.InfoLevel, zapcore.DebugLevel),
		Entry("unknown falls back to info", "LOUD", zapcore.InfoLevel, zapcore.DebugLevel),
	)

	It("reads its settings from the documented environment variables", func() {
		Expect(logger.EnvLoggingLevel).To(Equal("LOGGING_LEVEL"))
		Expect(logger.EnvLoggingFormat).To(Equal("LOGGING_FORMAT"))
	})

	It("names component loggers", func() {
		Expect(logger.For(logger.ComponentDispatcher).Desugar().Name()).To(Equal(logger.ComponentDispatcher))
	})

	It("replaces nil loggers with a no-op", func() {
		Expect(logger.OrNop(nil)).ToNot(BeNil())
	})
})
