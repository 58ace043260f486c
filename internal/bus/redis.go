package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis implements Bus over Redis pub/sub channels.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the bus at url (redis://host:port/db) and verifies
// the connection.
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing bus url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	logger.InfoContext(ctx, "connected to bus", slog.String("addr", opts.Addr))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	// Force the SUBSCRIBE round-trip so a dead bus surfaces here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	sub := &redisSub{ps: ps, out: make(chan []byte, 32)}
	go sub.pump(ps.Channel())
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *redisSub) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for msg := range in {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error { return s.ps.Close() }
