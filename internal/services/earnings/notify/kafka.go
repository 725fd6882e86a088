package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes JSON messages to a single topic keyed by earner or order.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) publish(ctx context.Context, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", p.topic, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type KafkaAchievements struct {
	*KafkaPublisher
}

func NewKafkaAchievements(brokers []string, topic string) (*KafkaAchievements, error) {
	p, err := NewKafkaPublisher(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &KafkaAchievements{KafkaPublisher: p}, nil
}

func (k *KafkaAchievements) Award(ctx context.Context, a Achievement) error {
	if a.Event == "" {
		a.Event = EventTierAchieved
	}
	return k.publish(ctx, a.EarnerID, a)
}

type KafkaDeadLetters struct {
	*KafkaPublisher
}

func NewKafkaDeadLetters(brokers []string, topic string) (*KafkaDeadLetters, error) {
	p, err := NewKafkaPublisher(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &KafkaDeadLetters{KafkaPublisher: p}, nil
}

func (k *KafkaDeadLetters) Publish(ctx context.Context, d DeadLetter) error {
	return k.publish(ctx, d.Key, d)
}
