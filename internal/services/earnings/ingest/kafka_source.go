package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Message struct {
	Topic   string
	Payload []byte
	raw     kafka.Message
}

// Consumer fetches messages without acknowledging them. Commit acknowledges a polled
// batch once it has been handled.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs []Message) error
}

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return out, nil
			case errors.Is(err, context.Canceled):
				return out, ctx.Err()
			default:
				return out, err
			}
		}
		out = append(out, Message{Topic: msg.Topic, Payload: msg.Value, raw: msg})
	}
	return out, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msgs []Message) error {
	raws := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		raws = append(raws, m.raw)
	}
	return c.reader.CommitMessages(ctx, raws...)
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// ConsumerWorker polls a Consumer, handles each batch through the dispatcher and commits
// offsets only after the whole batch is done, so a crash mid-batch redelivers it. Topics
// map to event types for payloads that omit event_type.
type ConsumerWorker struct {
	logger      *slog.Logger
	consumer    Consumer
	dispatcher  *Dispatcher
	typeByTopic map[string]string
	interval    time.Duration
}

func NewConsumerWorker(logger *slog.Logger, consumer Consumer, dispatcher *Dispatcher, typeByTopic map[string]string, interval time.Duration) *ConsumerWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerWorker{
		logger: logger, consumer: consumer, dispatcher: dispatcher, typeByTopic: typeByTopic, interval: interval,
	}
}

func (w *ConsumerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "earnings.ingest",
				"operation", "process_once",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ConsumerWorker) processOnce(ctx context.Context) error {
	msgs, err := w.consumer.Poll(ctx, 50)
	if len(msgs) == 0 {
		return err
	}
	batch := make([]RawEvent, 0, len(msgs))
	for _, msg := range msgs {
		batch = append(batch, RawEvent{FallbackType: w.typeByTopic[msg.Topic], Payload: msg.Payload})
	}
	w.dispatcher.HandleRawBatch(ctx, "kafka", batch)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cerr := w.consumer.Commit(commitCtx, msgs); cerr != nil {
		return fmt.Errorf("commit %d messages: %w", len(msgs), cerr)
	}
	return err
}
