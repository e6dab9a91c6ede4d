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
	"fmt"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
)

// HeaderOriginalTopic is added to every retry record.
const HeaderOriginalTopic = "originalTopic"

// Header is one broker record header. Order and original key casing are kept.
type Header struct {
	Key   string
	Value string
}

// Record is a broker independent inbound record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
}

// HeaderMap returns the headers as a map. Later duplicates win.
func (r Record) HeaderMap() map[string]string {
	m := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		m[h.Key] = h.Value
	}
	return m
}

// RetryRecord is routed to the retry topic next to an error completion.
type RetryRecord struct {
	envelope.Completion
	Payload json.RawMessage `json:"payload"`

	// Headers are the inbound headers plus originalTopic. Not part of the value.
	Headers []Header `json:"-"`
}

func newRetryRecord(c envelope.Completion, rec Record) *RetryRecord {
	headers := make([]Header, 0, len(rec.Headers)+1)
	for _, h := range rec.Headers {
		if h.Key == HeaderOriginalTopic {
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers, Header{Key: HeaderOriginalTopic, Value: rec.Topic})

	return &RetryRecord{
		Completion: c,
		Payload:    envelope.RecoverPayload(rec.Value),
		Headers:    headers,
	}
}

func fromConsumerMessage(msg *sarama.ConsumerMessage) Record {
	headers := make([]Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		headers = append(headers, Header{Key: string(h.Key), Value: string(h.Value)})
	}
	return Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
	}
}

func completionMessage(topic string, c envelope.Completion) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion %s: %w", c.ActivationID, err)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(c.Key()),
		Value: sarama.ByteEncoder(value),
	}, nil
}

func retryMessage(topic string, r *RetryRecord) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry record %s: %w", r.ActivationID, err)
	}
	headers := make([]sarama.RecordHeader, 0, len(r.Headers))
	for _, h := range r.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(h.Key), Value: []byte(h.Value)})
	}
	return &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(r.Key()),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}, nil
}
