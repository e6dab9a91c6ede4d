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

package connector_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/connector"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/credentials"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/hooks"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/naming"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

func connectorConfig(retryTopic string) config.ConnectorConfig {
	cfg := config.ConnectorConfig{
		Name: "orders",
		Type: config.TypeKafka,
		Kafka: config.KafkaConfig{
			ClientID:    "gateway",
			Brokers:     []string{"localhost:9092"},
			GroupID:     "orders-group",
			Topic:       "in",
			OutputTopic: "out",
			RetryTopic:  retryTopic,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

var _ = Describe("KafkaConnector", func() {
	var (
		events   *eventLog
		producer *recordingProducer
		group    *fakeGroup
		deps     connector.Deps
		ctx      context.Context

		execMu   sync.Mutex
		execute  func(ctx context.Context, env *envelope.Envelope) (dispatcher.Response, error)
		executed []*envelope.Envelope

		pool *dispatcher.Pool
		conn *connector.KafkaConnector
	)

	newConnector := func(cfg config.ConnectorConfig) *connector.KafkaConnector {
		conn = connector.NewKafkaConnector(cfg, deps,
			connector.WithProducerFactory(func([]string, *sarama.Config) (connector.Producer, error) { return producer, nil }),
			connector.WithConsumerGroupFactory(func([]string, string, *sarama.Config) (connector.ConsumerGroup, error) { return group, nil }),
			connector.WithConnectRetries(0),
			connector.WithPublishBackOff(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }),
		)
		return conn
	}

	BeforeEach(func() {
		ctx = context.Background()
		events = &eventLog{}
		producer = &recordingProducer{log: events}
		group = newFakeGroup(events)

		qualifier, err := naming.NewNamespaceQualifier("acme")
		Expect(err).ToNot(HaveOccurred())

		log := zaptest.NewLogger(GinkgoT()).Sugar()
		deps = connector.Deps{
			Exchanger: credentials.NewExchanger(&fakeCredentialService{tokens: map[string]string{
				"ABC":   unsignedToken("user1"),
				"pat-1": unsignedToken("service"),
			}}, log),
			Qualifier: qualifier,
			Hooks:     hooks.Defaults(),
			Log:       log,
		}

		executed = nil
		execute = func(_ context.Context, env *envelope.Envelope) (dispatcher.Response, error) {
			return dispatcher.Response{Body: json.RawMessage(`{"text":"hi back"}`)}, nil
		}
		pool = dispatcher.NewPool(
			config.DispatcherConfig{MaxSlots: 2, MaxQueue: 8, TasksPerSlot: 2, IdleTimeout: time.Minute},
			dispatcher.ExecutorFunc(func(ctx context.Context, env *envelope.Envelope) (dispatcher.Response, error) {
				execMu.Lock()
				executed = append(executed, env)
				fn := execute
				execMu.Unlock()
				return fn(ctx, env)
			}),
			log,
		)
	})

	AfterEach(func() {
		if conn != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(conn.Stop(stopCtx)).To(Succeed())
			conn = nil
		}
		Expect(pool.Close(context.Background())).To(Succeed())
	})

	executions := func() []*envelope.Envelope {
		execMu.Lock()
		defer execMu.Unlock()
		return append([]*envelope.Envelope(nil), executed...)
	}

	setExecute := func(fn func(ctx context.Context, env *envelope.Envelope) (dispatcher.Response, error)) {
		execMu.Lock()
		defer execMu.Unlock()
		execute = fn
	}

	Context("lifecycle", func() {
		It("moves from created through running to stopped", func() {
			newConnector(connectorConfig(""))
			Expect(conn.State()).To(Equal(connector.StateCreated))
			Expect(conn.ConfigErr()).ToNot(HaveOccurred())

			Expect(conn.Start(ctx, pool)).To(Succeed())
			Expect(conn.State()).To(Equal(connector.StateRunning))

			Expect(conn.Stop(ctx)).To(Succeed())
			Expect(conn.State()).To(Equal(connector.StateStopped))
			Expect(producer.isClosed()).To(BeTrue())
			Expect(events.list()).To(Equal([]string{"group closed", "producer closed"}))

			By("stopping again")
			Expect(conn.Stop(ctx)).To(Succeed())
		})

		It("can be stopped without being started", func() {
			newConnector(connectorConfig(""))
			Expect(conn.Stop(ctx)).To(Succeed())
			Expect(conn.State()).To(Equal(connector.StateStopped))
			Expect(conn.Start(ctx, pool)).ToNot(Succeed())
		})

		It("cannot be started twice", func() {
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())
			Expect(conn.Start(ctx, pool)).ToNot(Succeed())
		})

		It("fails to start when the producer cannot connect", func() {
			conn = connector.NewKafkaConnector(connectorConfig(""), deps,
				connector.WithProducerFactory(func([]string, *sarama.Config) (connector.Producer, error) {
					return nil, sarama.ErrOutOfBrokers
				}),
				connector.WithConnectRetries(0),
			)
			err := conn.Start(ctx, pool)
			Expect(err).To(MatchError(sarama.ErrOutOfBrokers))
			Expect(conn.State()).To(Equal(connector.StateStopped))
		})

		It("fails to start when the subscription fails and releases the producer", func() {
			group.consumeErr = sarama.ErrClosedClient
			newConnector(connectorConfig(""))
			err := conn.Start(ctx, pool)
			Expect(err).To(MatchError(sarama.ErrClosedClient))
			Expect(conn.State()).To(Equal(connector.StateStopped))
			Expect(producer.isClosed()).To(BeTrue())
		})

		It("is constructed with an invalid configuration", func() {
			cfg := connectorConfig("")
			cfg.Kafka.GroupID = ""
			newConnector(cfg)
			Expect(conn.ConfigErr()).To(MatchError(standarderrors.ErrConfigValidation))
			Expect(conn.State()).To(Equal(connector.StateCreated))
		})

		It("refuses to publish when not running", func() {
			newConnector(connectorConfig(""))
			err := conn.PublishCompletion(ctx, envelope.Completion{ActivationID: "a"}, nil)
			Expect(err).To(MatchError(standarderrors.ErrConnectorNotRunning))
		})
	})

	Context("processing records", func() {
		It("publishes exactly one success completion and commits after it", func() {
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"Authorization": "bearer ABC"})

			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))

			out := producer.onTopic("out")
			Expect(out).To(HaveLen(1))
			completion := decode(out[0])
			Expect(completion).To(HaveKeyWithValue("status", "SUCCESS"))
			Expect(completion).To(HaveKeyWithValue("response", map[string]any{"text": "hi back"}))
			Expect(completion).ToNot(HaveKey("correlationId"))
			_, err := uuid.Parse(completion["activationId"].(string))
			Expect(err).ToNot(HaveOccurred())

			Expect(producer.onTopic("err")).To(BeEmpty())
			Expect(events.list()).To(Equal([]string{"publish out", "mark in/0@1"}))

			By("building the envelope from the record")
			envs := executions()
			Expect(envs).To(HaveLen(1))
			Expect(envs[0].Token).To(Equal(unsignedToken("user1")))
			Expect(envs[0].Username).To(Equal("user1"))
			Expect(envs[0].CallbackURL()).To(Equal("kafka://orders/out"))
			Expect(envs[0].Headers).To(HaveKeyWithValue("authorization", "bearer ABC"))
			Expect(envs[0].RequestID).To(Equal(completion["activationId"]))
		})

		It("qualifies the agent name and keys the completion by correlation id", func() {
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":1,"agentName":"Echo","correlationId":"c-7"}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))

			Expect(executions()[0].AgentName).To(Equal("acme/echo"))
			out := producer.onTopic("out")
			Expect(out).To(HaveLen(1))
			Expect(decode(out[0])).To(HaveKeyWithValue("correlationId", "c-7"))
			key, err := out[0].Key.Encode()
			Expect(err).ToNot(HaveOccurred())
			Expect(string(key)).To(Equal("c-7"))
		})

		It("routes failed executions to the retry topic with the original payload", func() {
			setExecute(func(context.Context, *envelope.Envelope) (dispatcher.Response, error) {
				return dispatcher.Response{}, errors.New("agent failed")
			})
			newConnector(connectorConfig("err"))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"authorization": "bearer ABC", "x-trace": "t1"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))

			out := producer.onTopic("out")
			Expect(out).To(HaveLen(1))
			completion := decode(out[0])
			Expect(completion).To(HaveKeyWithValue("status", "ERROR"))
			Expect(completion["response"]).To(HaveKeyWithValue("code", standarderrors.CodeExecution))

			retry := producer.onTopic("err")
			Expect(retry).To(HaveLen(1))
			record := decode(retry[0])
			Expect(record).To(HaveKeyWithValue("payload", map[string]any{"text": "hi"}))
			Expect(record).To(HaveKeyWithValue("status", "ERROR"))
			Expect(record["activationId"]).To(Equal(completion["activationId"]))
			Expect(headerMap(retry[0])).To(HaveKeyWithValue("originalTopic", "in"))
			Expect(headerMap(retry[0])).To(HaveKeyWithValue("x-trace", "t1"))

			mark := events.list()
			Expect(mark[len(mark)-1]).To(Equal("mark in/0@1"))
		})

		It("does not route failures when no retry topic is configured", func() {
			setExecute(func(context.Context, *envelope.Envelope) (dispatcher.Response, error) {
				return dispatcher.Response{}, errors.New("agent failed")
			})
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))
			Expect(producer.onTopic("out")).To(HaveLen(1))
			Expect(producer.onTopic("err")).To(BeEmpty())
		})

		It("honours the retry predicate", func() {
			setExecute(func(context.Context, *envelope.Envelope) (dispatcher.Response, error) {
				return dispatcher.Response{}, errors.New("agent failed")
			})
			deps.Hooks.Retry = func(envelope.Completion, error) bool { return false }
			newConnector(connectorConfig("err"))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))
			Expect(producer.onTopic("err")).To(BeEmpty())
		})

		It("turns a panicking before hook into an execution error completion", func() {
			deps.Hooks.Before = func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) { panic("boom") }
			newConnector(connectorConfig("err"))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))

			completion := decode(producer.onTopic("out")[0])
			Expect(completion).To(HaveKeyWithValue("status", "ERROR"))
			Expect(completion["response"]).To(HaveKeyWithValue("code", standarderrors.CodeExecution))
			Expect(producer.onTopic("err")).To(HaveLen(1))
			Expect(executions()).To(BeEmpty())
			Expect(conn.State()).To(Equal(connector.StateRunning))
		})

		It("turns a panicking after hook into an execution error completion", func() {
			deps.Hooks.After = func(envelope.Completion) envelope.Completion { panic("boom") }
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			group.deliver(1, `{"payload":{"text":"again"}}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(2)))

			for _, msg := range producer.onTopic("out") {
				completion := decode(msg)
				Expect(completion).To(HaveKeyWithValue("status", "ERROR"))
				Expect(completion["response"]).To(HaveKeyWithValue("code", standarderrors.CodeExecution))
				Expect(completion["activationId"]).ToNot(BeEmpty())
			}
			Expect(executions()).To(HaveLen(2))
		})

		It("turns records without credentials into error completions without dispatching", func() {
			newConnector(connectorConfig("err"))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"},"correlationId":"c-1"}`, nil)
			Eventually(func() []*sarama.ProducerMessage { return producer.onTopic("out") }).Should(HaveLen(1))

			completion := decode(producer.onTopic("out")[0])
			Expect(completion).To(HaveKeyWithValue("status", "ERROR"))
			Expect(completion).To(HaveKeyWithValue("correlationId", "c-1"))
			Expect(completion["response"]).To(HaveKeyWithValue("code", standarderrors.CodeAuthentication))
			Expect(executions()).To(BeEmpty())
		})

		It("uses the static identity when the record carries no token", func() {
			cfg := connectorConfig("")
			cfg.PAT = &config.StaticIdentity{Token: "pat-1"}
			newConnector(cfg)
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, nil)
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))
			Expect(executions()[0].Username).To(Equal("service"))
		})

		It("recovers the correlation id of malformed records", func() {
			newConnector(connectorConfig("err"))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"correlationId":"c-2","payload":`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))

			completion := decode(producer.onTopic("out")[0])
			Expect(completion).To(HaveKeyWithValue("correlationId", "c-2"))
			Expect(completion["response"]).To(HaveKeyWithValue("code", standarderrors.CodeDeserialization))
			Expect(producer.onTopic("err")).To(HaveLen(1))
		})

		It("reports naming failures", func() {
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":1,"agentName":"a/b/c"}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))
			Expect(decode(producer.onTopic("out")[0])["response"]).To(HaveKeyWithValue("code", standarderrors.CodeNaming))
		})

		It("leaves the offset uncommitted when publishing fails", func() {
			producer.setErr(sarama.ErrNotEnoughReplicas)
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(executions).Should(HaveLen(1))
			Consistently(func() int64 { return group.currentSession().markedOffset() }, 300*time.Millisecond).Should(Equal(int64(-1)))
		})

		It("ends the session when a completion cannot be published so the record is redelivered", func() {
			producer.setErr(sarama.ErrNotEnoughReplicas)
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(group.sessionCount).Should(Equal(2))
			Expect(group.currentSession().markedOffset()).To(Equal(int64(-1)))

			// the new session resumes at the uncommitted offset
			producer.setErr(nil)
			for offset := int64(0); offset < 5; offset++ {
				group.deliver(offset, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			}
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(5)))
			Expect(producer.onTopic("out")).To(HaveLen(5))
			Expect(group.sessionCount()).To(Equal(2))
		})

		It("never commits past a record that is still running", func() {
			release := make(chan struct{})
			setExecute(func(_ context.Context, env *envelope.Envelope) (dispatcher.Response, error) {
				if string(env.Payload) == `"slow"` {
					<-release
				}
				return dispatcher.Response{Body: env.Payload}, nil
			})
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":"slow"}`, map[string]string{"token": "ABC"})
			Eventually(executions).Should(HaveLen(1))
			group.deliver(1, `{"payload":"fast"}`, map[string]string{"token": "ABC"})

			Eventually(func() []*sarama.ProducerMessage { return producer.onTopic("out") }).Should(HaveLen(1))
			Consistently(func() int64 { return group.currentSession().markedOffset() }, 200*time.Millisecond).Should(Equal(int64(-1)))

			close(release)
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(2)))
		})

		It("drains in-flight records before closing the producer", func() {
			release := make(chan struct{})
			setExecute(func(context.Context, *envelope.Envelope) (dispatcher.Response, error) {
				<-release
				return dispatcher.Response{Body: json.RawMessage(`1`)}, nil
			})
			newConnector(connectorConfig(""))
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(executions).Should(HaveLen(1))

			stopped := make(chan error, 1)
			go func() { stopped <- conn.Stop(context.Background()) }()
			Consistently(stopped, 100*time.Millisecond).ShouldNot(Receive())
			Expect(conn.State()).To(Equal(connector.StateStopping))

			close(release)
			Eventually(stopped).Should(Receive(BeNil()))
			Expect(events.list()).To(Equal([]string{"publish out", "mark in/0@1", "group closed", "producer closed"}))
		})
	})

	Context("with the sarama mock producer", func() {
		It("sends the completion through a sync producer", func() {
			mockProducer := mocks.NewSyncProducer(GinkgoT(), connector.SaramaConfig(connectorConfig("").Kafka))
			mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
				var c envelope.Completion
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				if c.Status != envelope.StatusSuccess {
					return errors.New("expected a success completion, got " + c.Status)
				}
				return nil
			})

			conn = connector.NewKafkaConnector(connectorConfig(""), deps,
				connector.WithProducerFactory(func([]string, *sarama.Config) (connector.Producer, error) { return mockProducer, nil }),
				connector.WithConsumerGroupFactory(func([]string, string, *sarama.Config) (connector.ConsumerGroup, error) { return group, nil }),
			)
			Expect(conn.Start(ctx, pool)).To(Succeed())

			group.deliver(0, `{"payload":{"text":"hi"}}`, map[string]string{"token": "ABC"})
			Eventually(func() int64 { return group.currentSession().markedOffset() }).Should(Equal(int64(1)))
		})
	})
})

var _ = Describe("SaramaConfig", func() {
	It("disables auto commit and waits for all replicas", func() {
		cfg := connectorConfig("")
		sc := connector.SaramaConfig(cfg.Kafka)
		Expect(sc.ClientID).To(Equal("gateway"))
		Expect(sc.Consumer.Offsets.AutoCommit.Enable).To(BeFalse())
		Expect(sc.Consumer.Offsets.Initial).To(Equal(sarama.OffsetNewest))
		Expect(sc.Consumer.Group.Heartbeat.Interval).To(Equal(6 * time.Second))
		Expect(sc.Consumer.Group.Session.Timeout).To(BeNumerically(">=", 30*time.Second))
		Expect(sc.Producer.RequiredAcks).To(Equal(sarama.WaitForAll))
		Expect(sc.Producer.Return.Successes).To(BeTrue())
	})

	It("reads from the beginning when asked", func() {
		cfg := connectorConfig("")
		cfg.Kafka.FromBeginning = true
		Expect(connector.SaramaConfig(cfg.Kafka).Consumer.Offsets.Initial).To(Equal(sarama.OffsetOldest))
	})
})
