package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

// PubSubBackend abstracts a broker channel carrying raw market values.
// Redis gives low-latency fan-in; Kafka gives retention and replay.
type PubSubBackend interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers payloads to handler until ctx is done or the
	// subscription breaks.
	Subscribe(ctx context.Context, handler func([]byte)) error
	Close() error
}

var errSubscriptionClosed = errors.New("subscription closed")

// RedisPubSub implements PubSubBackend using Redis pub/sub.
type RedisPubSub struct {
	client    *redis.Client
	channel   string
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewRedisPubSub connects to cfg.Addr and verifies the server answers.
func NewRedisPubSub(ctx context.Context, cfg config.RedisInletConfig, logger *zap.Logger) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisPubSub{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.Named("redis").With(zap.String("channel", cfg.Channel)),
	}, nil
}

func (r *RedisPubSub) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, handler func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (r *RedisPubSub) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.client.Close() })
	return r.closeErr
}

// KafkaPubSub implements PubSubBackend using a Kafka topic.
type KafkaPubSub struct {
	brokers   []string
	topic     string
	groupID   string
	writer    *kafka.Writer
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewKafkaPubSub dials the first broker to fail fast on a bad address. An
// empty group id gets a per-process suffix so every server sees every value.
func NewKafkaPubSub(ctx context.Context, cfg config.KafkaInletConfig, logger *zap.Logger) (*KafkaPubSub, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka dial %s: %w", cfg.Brokers[0], err)
	}
	_ = conn.Close()

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "tickercast-" + uuid.NewString()
	}

	return &KafkaPubSub{
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.Named("kafka").With(zap.String("topic", cfg.Topic), zap.String("group_id", groupID)),
	}, nil
}

func (k *KafkaPubSub) Publish(ctx context.Context, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (k *KafkaPubSub) Subscribe(ctx context.Context, handler func([]byte)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     k.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()
	k.logger.Info("consuming")

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IngestErrors.WithLabelValues("kafka").Inc()
			k.logger.Warn("kafka read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		handler(m.Value)
	}
}

func (k *KafkaPubSub) Close() error {
	k.closeOnce.Do(func() { k.closeErr = k.writer.Close() })
	return k.closeErr
}
