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
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/dispatcher"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/metrics"
)

// groupHandler runs every claimed record through the pipeline and commits offsets
// only after the resulting records were accepted by the producer.
type groupHandler struct {
	connector *KafkaConnector
	dispatch  dispatcher.Dispatcher
	// workCtx outlives the consume loop so in-flight records drain on stop
	workCtx     context.Context
	maxInFlight int
	log         *zap.SugaredLogger

	ready     chan struct{}
	readyOnce sync.Once

	read   atomic.Uint64
	marked atomic.Uint64
}

func newGroupHandler(c *KafkaConnector, d dispatcher.Dispatcher, workCtx context.Context) *groupHandler {
	maxInFlight := c.cfg.Kafka.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &groupHandler{
		connector:   c,
		dispatch:    d,
		workCtx:     workCtx,
		maxInFlight: maxInFlight,
		log:         c.log,
		ready:       make(chan struct{}),
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.log.Debugf("Consumer group session set up for %s: %+v", h.connector.Name(), session.Claims())
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.log.Debugf("Consumer group session of %s cleaned up (read %d, marked %d)", h.connector.Name(), h.read.Load(), h.marked.Load())
	return nil
}

// ConsumeClaim processes up to maxInFlight records of the claim at once. On return every
// started record has finished and the marked offsets are committed.
//
// A record whose completion cannot be published ends the claim. That ends the session, and
// the next one resumes from the last committed offset so the record is redelivered.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.log.Debugf("Starting to consume %s/%d from offset %d", claim.Topic(), claim.Partition(), claim.InitialOffset())

	claimCtx, abandon := context.WithCancel(session.Context())
	defer abandon()

	tracker := newOffsetTracker()
	sem := make(chan struct{}, h.maxInFlight)
	var inFlight sync.WaitGroup
	var markMu sync.Mutex

	defer func() {
		inFlight.Wait()
		if n := tracker.pending(); n > 0 {
			h.log.Warnf("%d records of %s/%d were not committed and will be redelivered", n, claim.Topic(), claim.Partition())
		}
		session.Commit()
	}()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				h.log.Debugf("Message channel of %s/%d closed", claim.Topic(), claim.Partition())
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-claimCtx.Done():
				return nil
			}

			rec := fromConsumerMessage(msg)
			tracker.start(rec.Offset)
			h.read.Add(1)
			metrics.IncRecordsConsumed(h.connector.Name())

			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-sem }()
				if !h.handle(session, tracker, &markMu, rec) {
					abandon()
				}
			}()

		// Must return when the session ends, see https://github.com/IBM/sarama/issues/1192
		case <-claimCtx.Done():
			if session.Context().Err() == nil {
				h.log.Warnf("Ending claim %s/%d of %s to redeliver from the last committed offset", claim.Topic(), claim.Partition(), h.connector.Name())
			} else {
				h.log.Debugf("Session context of %s done", h.connector.Name())
			}
			return nil
		}
	}
}

// handle reports false when the record's completion could not be published.
func (h *groupHandler) handle(session sarama.ConsumerGroupSession, tracker *offsetTracker, markMu *sync.Mutex, rec Record) bool {
	out := h.connector.pipeline.process(h.workCtx, h.dispatch, rec)

	if err := h.connector.publish(h.workCtx, out); err != nil {
		h.log.Errorf("Failed to publish completion %s for %s/%d/%d, offset stays uncommitted: %s",
			out.Completion.ActivationID, rec.Topic, rec.Partition, rec.Offset, err)
		return false
	}

	markMu.Lock()
	defer markMu.Unlock()
	if offset, ok := tracker.complete(rec.Offset); ok {
		session.MarkOffset(rec.Topic, rec.Partition, offset+1, "")
		session.Commit()
		h.marked.Add(1)
	}
	return true
}
