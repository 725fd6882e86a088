package ingest

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisSource subscribes to the order event channels on the shared redis event bus.
type RedisSource struct {
	client     redis.UniversalClient
	dispatcher *Dispatcher
	logger     *slog.Logger
	channels   []string
}

func NewRedisSource(client redis.UniversalClient, dispatcher *Dispatcher, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:     client,
		dispatcher: dispatcher,
		logger:     logger,
		channels:   []string{ChannelPrefix + EventOrderCreated, ChannelPrefix + EventOrderStatusChanged},
	}
}

func (s *RedisSource) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "subscribed to order events", "module", "earnings.ingest", "channels", s.channels)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatcher.SubmitRaw(ctx, "redis", EventTypeForChannel(msg.Channel), []byte(msg.Payload))
		}
	}
}
