// Package ingest carries driver location reports over Kafka so the consumer
// can persist them away from the reporting path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rides/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer writes to topic, keyed by driver so one driver's reports
// stay ordered within a partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

// UpsertLocation publishes the report; it satisfies tracking.LocationSink.
func (k *KafkaProducer) UpsertLocation(ctx context.Context, l models.DriverLocation) error {
	msg, err := EncodeLocation(l)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish location %s/%s: %w", l.DriverID, l.RideID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var ErrInvalidLocation = errors.New("ingest: invalid location report")

func EncodeLocation(l models.DriverLocation) (kafka.Message, error) {
	if err := Validate(l); err != nil {
		return kafka.Message{}, err
	}
	b, err := json.Marshal(l)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode location: %w", err)
	}
	return kafka.Message{Key: []byte(l.DriverID), Value: b, Time: l.UpdatedAt}, nil
}

// DecodeLocation parses a message value. Reports without a timestamp take
// the message time.
func DecodeLocation(m kafka.Message) (models.DriverLocation, error) {
	var l models.DriverLocation
	if err := json.Unmarshal(m.Value, &l); err != nil {
		return models.DriverLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = m.Time
	}
	if err := Validate(l); err != nil {
		return models.DriverLocation{}, err
	}
	return l, nil
}

func Validate(l models.DriverLocation) error {
	switch {
	case l.DriverID == "" || l.RideID == "":
		return fmt.Errorf("%w: driver_id and ride_id are required", ErrInvalidLocation)
	case l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180:
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidLocation)
	}
	return nil
}
