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

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/metrics"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Producer is the part of sarama.SyncProducer a connector uses.
type Producer interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
	Close() error
}

// ConsumerGroup is the part of sarama.ConsumerGroup a connector uses.
type ConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

type ProducerFactory func(brokers []string, cfg *sarama.Config) (Producer, error)

type ConsumerGroupFactory func(brokers []string, groupID string, cfg *sarama.Config) (ConsumerGroup, error)

func defaultProducerFactory(brokers []string, cfg *sarama.Config) (Producer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

func defaultConsumerGroupFactory(brokers []string, groupID string, cfg *sarama.Config) (ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, groupID, cfg)
}

// Option customizes a KafkaConnector.
type Option func(*KafkaConnector)

// WithProducerFactory replaces how the producer is created.
func WithProducerFactory(f ProducerFactory) Option {
	return func(c *KafkaConnector) { c.newProducer = f }
}

// WithConsumerGroupFactory replaces how the consumer group is created.
func WithConsumerGroupFactory(f ConsumerGroupFactory) Option {
	return func(c *KafkaConnector) { c.newGroup = f }
}

// WithConnectRetries sets how often connecting is retried during Start.
func WithConnectRetries(n uint64) Option {
	return func(c *KafkaConnector) { c.connectRetries = n }
}

// WithPublishBackOff sets the retry policy for publishing one record's completion.
func WithPublishBackOff(f func() backoff.BackOff) Option {
	return func(c *KafkaConnector) { c.publishBackOff = f }
}

func defaultPublishBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishRetries)
}

const (
	defaultConnectRetries = 5
	publishRetries        = 3
	consumeRetryDelay     = time.Second
)

// KafkaConnector is the Kafka implementation of Connector.
type KafkaConnector struct {
	cfg       config.ConnectorConfig
	configErr error
	saramaCfg *sarama.Config
	pipeline  *pipeline
	lifecycle *fsm.FSM
	log       *zap.SugaredLogger

	newProducer    ProducerFactory
	newGroup       ConsumerGroupFactory
	connectRetries uint64
	publishBackOff func() backoff.BackOff

	// mu serializes Start and Stop
	mu     sync.Mutex
	group  ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}

	producerMu sync.RWMutex
	producer   Producer
}

// NewKafkaConnector builds a connector for cfg. An invalid cfg does not prevent construction,
// the validation error is kept and available through ConfigErr.
func NewKafkaConnector(cfg config.ConnectorConfig, deps Deps, opts ...Option) *KafkaConnector {
	if deps.Log == nil {
		deps.Log = logger.For(logger.ComponentConnector)
	}
	c := &KafkaConnector{
		cfg:            cfg,
		configErr:      cfg.Validate(),
		saramaCfg:      SaramaConfig(cfg.Kafka),
		pipeline:       newPipeline(cfg, deps),
		lifecycle:      newLifecycle(deps.Log, cfg.Name),
		log:            deps.Log,
		newProducer:    defaultProducerFactory,
		newGroup:       defaultConsumerGroupFactory,
		connectRetries: defaultConnectRetries,
		publishBackOff: defaultPublishBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SaramaConfig maps a connector's broker section to a sarama configuration.
// Offsets are never auto-committed.
func SaramaConfig(k config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	if k.ClientID != "" {
		sc.ClientID = k.ClientID
	}

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if k.FromBeginning {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if hb := k.HeartbeatDuration(); hb > 0 {
		sc.Consumer.Group.Heartbeat.Interval = hb
		// Kafka requires the session timeout to be well above the heartbeat
		if sc.Consumer.Group.Session.Timeout < 5*hb {
			sc.Consumer.Group.Session.Timeout = 5 * hb
		}
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 5
	return sc
}

func (c *KafkaConnector) Name() string {
	return c.cfg.Name
}

func (c *KafkaConnector) Config() config.ConnectorConfig {
	return c.cfg
}

func (c *KafkaConnector) ConfigErr() error {
	return c.configErr
}

func (c *KafkaConnector) State() string {
	return c.lifecycle.Current()
}

// Start connects the producer, then joins the consumer group on the input topic.
// It returns once the first session was set up.
func (c *KafkaConnector) Start(ctx context.Context, d dispatcher.Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lifecycle.Event(ctx, EventStart); err != nil {
		return fmt.Errorf("connector %s cannot start in state %s: %w", c.Name(), c.State(), err)
	}

	producer, err := backoff.RetryWithData(func() (Producer, error) {
		return c.newProducer(c.cfg.Kafka.Brokers, c.saramaCfg)
	}, c.connectBackoff(ctx))
	if err != nil {
		c.abortStart(ctx)
		return fmt.Errorf("connector %s: failed to connect producer: %w", c.Name(), err)
	}

	group, err := backoff.RetryWithData(func() (ConsumerGroup, error) {
		return c.newGroup(c.cfg.Kafka.Brokers, c.cfg.Kafka.GroupID, c.saramaCfg)
	}, c.connectBackoff(ctx))
	if err != nil {
		c.closeProducer(producer)
		c.abortStart(ctx)
		return fmt.Errorf("connector %s: failed to create consumer group: %w", c.Name(), err)
	}

	c.producerMu.Lock()
	c.producer = producer
	c.producerMu.Unlock()
	c.group = group

	consumeCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	handler := newGroupHandler(c, d, context.Background())
	failed := make(chan error, 1)
	go c.logGroupErrors(group)
	go c.consume(consumeCtx, group, handler, failed)

	select {
	case <-handler.ready:
	case err = <-failed:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		<-c.done
		c.closeGroup()
		c.closeProducer(c.takeProducer())
		c.abortStart(ctx)
		return fmt.Errorf("connector %s: failed to subscribe to %s: %w", c.Name(), c.cfg.Kafka.Topic, err)
	}

	if err := c.lifecycle.Event(ctx, EventStarted); err != nil {
		return fmt.Errorf("connector %s: %w", c.Name(), err)
	}
	c.log.Infof("Connector %s consuming %s as group %s", c.Name(), c.cfg.Kafka.Topic, c.cfg.Kafka.GroupID)
	return nil
}

func (c *KafkaConnector) connectBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.connectRetries), ctx)
}

func (c *KafkaConnector) abortStart(ctx context.Context) {
	_ = c.lifecycle.Event(ctx, EventStop)
	_ = c.lifecycle.Event(ctx, EventStopped)
}

// consume keeps the group session alive across rebalances until ctx is cancelled.
// Errors before the first session are reported on failed.
func (c *KafkaConnector) consume(ctx context.Context, group ConsumerGroup, handler *groupHandler, failed chan<- error) {
	defer close(c.done)
	topics := []string{c.cfg.Kafka.Topic}

	for {
		// Consume blocks for the whole session and returns on rebalance
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			select {
			case <-handler.ready:
				c.log.Errorf("Consumer group session of %s failed: %s", c.Name(), err)
			default:
				failed <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *KafkaConnector) logGroupErrors(group ConsumerGroup) {
	for err := range group.Errors() {
		c.log.Errorf("Consumer group error on %s: %s", c.Name(), err)
	}
}

// Stop leaves the consumer group after in-flight records finished, then closes the producer.
// Stopping a connector that never started, or stopping twice, is a no-op.
func (c *KafkaConnector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateStopped, StateStopping:
		return nil
	case StateCreated:
		c.abortStart(ctx)
		return nil
	}

	if err := c.lifecycle.Event(ctx, EventStop); err != nil {
		return fmt.Errorf("connector %s cannot stop in state %s: %w", c.Name(), c.State(), err)
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			c.log.Warnf("Connector %s did not drain before the deadline: %s", c.Name(), ctx.Err())
		}
	}

	var errs []error
	if err := c.closeGroup(); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeProducer(c.takeProducer()); err != nil {
		errs = append(errs, err)
	}

	_ = c.lifecycle.Event(ctx, EventStopped)
	c.log.Infof("Connector %s stopped", c.Name())
	return errors.Join(errs...)
}

func (c *KafkaConnector) closeGroup() error {
	if c.group == nil {
		return nil
	}
	err := c.group.Close()
	c.group = nil
	if err != nil {
		return fmt.Errorf("connector %s: failed to close consumer group: %w", c.Name(), err)
	}
	return nil
}

func (c *KafkaConnector) takeProducer() Producer {
	c.producerMu.Lock()
	defer c.producerMu.Unlock()
	p := c.producer
	c.producer = nil
	return p
}

func (c *KafkaConnector) closeProducer(p Producer) error {
	if p == nil {
		return nil
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("connector %s: failed to close producer: %w", c.Name(), err)
	}
	return nil
}

// PublishCompletion sends the completion and the retry record in one batch. The producer
// issues both concurrently and SendMessages returns once the broker acknowledged all of them.
func (c *KafkaConnector) PublishCompletion(ctx context.Context, completion envelope.Completion, retry *RetryRecord) error {
	c.producerMu.RLock()
	defer c.producerMu.RUnlock()
	if c.producer == nil {
		return fmt.Errorf("%w: %s is %s", standarderrors.ErrConnectorNotRunning, c.Name(), c.State())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := completionMessage(c.cfg.Kafka.OutputTopic, completion)
	if err != nil {
		return err
	}
	msgs := []*sarama.ProducerMessage{out}
	if retry != nil && c.cfg.Kafka.HasRetryTopic() {
		rm, err := retryMessage(c.cfg.Kafka.RetryTopic, retry)
		if err != nil {
			return err
		}
		msgs = append(msgs, rm)
	}

	if err := c.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("connector %s: failed to publish completion %s: %w", c.Name(), completion.ActivationID, err)
	}

	metrics.IncCompletionsPublished(c.Name(), completion.Status)
	if len(msgs) > 1 {
		metrics.IncRetryPublished(c.Name())
	}
	return nil
}

// publish retries transient producer failures a few times before giving up on the record.
func (c *KafkaConnector) publish(ctx context.Context, out Outcome) error {
	b := backoff.WithContext(c.publishBackOff(), ctx)
	return backoff.Retry(func() error {
		err := c.PublishCompletion(ctx, out.Completion, out.Retry)
		if errors.Is(err, standarderrors.ErrConnectorNotRunning) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
