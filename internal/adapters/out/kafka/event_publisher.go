package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
)

// Kafka Topic 定义
const TopicPresenceChanged = "im.presence.changed"

// messageWriter *kafka.Writer 的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisherKafka 使用 segmentio/kafka-go 发布状态变更
type EventPublisherKafka struct {
	writer messageWriter
	topic  string
}

// NewWriter 按用户 ID 哈希分区，同一用户的变更保持顺序
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

func NewEventPublisherKafka(w *kafka.Writer, topic string) *EventPublisherKafka {
	return newEventPublisher(w, topic)
}

func newEventPublisher(w messageWriter, topic string) *EventPublisherKafka {
	if topic == "" {
		topic = TopicPresenceChanged
	}
	return &EventPublisherKafka{writer: w, topic: topic}
}

var _ out.EventPublisher = (*EventPublisherKafka)(nil)

func (p *EventPublisherKafka) PublishPresenceChange(ctx context.Context, change *entity.PresenceChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal presence change failed: %w", err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(change.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("presence_" + string(change.Status))},
			{Key: "timestamp", Value: []byte(change.Timestamp.UTC().Format(time.RFC3339))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish presence change failed: %w", err)
	}
	return nil
}

func (p *EventPublisherKafka) Close() error {
	return p.writer.Close()
}
