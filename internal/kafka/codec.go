package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
)

const HeaderEventType = "x-event-type"

// NewMessage encodes env for its topic, keyed by order id so every event of
// one order lands on the same partition.
func NewMessage(env events.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Topic:   events.TopicFor(env.EventType),
		Key:     events.PartitionKey(env.CorrelationID),
		Value:   b,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(env.EventType)}},
	}, nil
}

func DecodeMessage(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return env, fmt.Errorf("decode envelope at %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return env, nil
}
