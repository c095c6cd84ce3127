package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the relay events stream.
	StreamName = "RELAY_EVENTS"

	// SubjectPrefix is the prefix for all relay event subjects.
	SubjectPrefix = "relay"
)

// StoredEvent is one mirrored stream event as read back from JetStream.
type StoredEvent struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Sequence uint64          `json:"sequence"`
}

// EventMirror publishes every event sent to a client onto a
// per-conversation subject so streams can be replayed after the fact.
type EventMirror struct {
	client *Client
}

// NewEventMirror creates an event mirror over the client.
func NewEventMirror(client *Client) *EventMirror {
	return &EventMirror{client: client}
}

// EnsureStream ensures the relay events stream exists.
func (m *EventMirror) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Mirrored relay stream events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for a conversation's events.
func EventSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.events", SubjectPrefix, conversationID)
}

// Publish mirrors one outbound event.
func (m *EventMirror) Publish(ctx context.Context, conversationID, event string, data json.RawMessage) error {
	payload, err := json.Marshal(StoredEvent{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := m.client.JetStream().Publish(ctx, EventSubject(conversationID), payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Replay reads back a conversation's mirrored events starting after the
// given sequence. Returns the events, the last sequence seen, and
// whether more remain.
func (m *EventMirror) Replay(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]StoredEvent, uint64, bool, error) {
	if limit <= 0 {
		limit = 100
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: EventSubject(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []StoredEvent
	var lastSequence uint64

	for msg := range batch.Messages() {
		var ev StoredEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, ev)
	}

	if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
		return nil, 0, false, fmt.Errorf("batch error: %w", batch.Error())
	}

	return events, lastSequence, len(events) == limit, nil
}
