package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver location fixes and lifecycle transitions to
// their topics. Messages are keyed by driver or request id so each entity's
// events stay ordered within a partition.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
	now       func() time.Time
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		events:    newWriter(brokers, eventsTopic),
		now:       time.Now,
	}
}

func newWriter(brokers []string, topic string) messageWriter {
	if topic == "" {
		return nil
	}
	return &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if k.locations == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(models.LocationFix{DriverID: driverID, Loc: loc, At: k.now()})
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

// PublishTransition satisfies matching.TransitionPublisher.
func (k *KafkaProducer) PublishTransition(ctx context.Context, t models.Transition) error {
	if k.events == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(t.RequestID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
