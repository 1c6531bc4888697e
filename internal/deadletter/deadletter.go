// Package deadletter spools telemetry payloads the session failed to
// deliver into a site-local Kafka topic, so a field technician can drain
// them once the uplink recovers.
package deadletter

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type Spool struct {
	writer *kafka.Writer
	logger *log.Logger
}

func NewSpool(brokers []string, topic string, logger *log.Logger) *Spool {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    200,
		BatchBytes:   512 << 10, // 512KB
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return &Spool{writer: w, logger: logger}
}

func (s *Spool) Write(ctx context.Context, key, value []byte) error {
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return err
	}
	s.logger.Printf("deadletter: spooled %d bytes to %s", len(value), s.writer.Topic)
	return nil
}

func (s *Spool) Close() {
	_ = s.writer.Close()
}
