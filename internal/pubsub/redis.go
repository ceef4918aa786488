package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gigmarket/internal/config"
)

// OpenRedis connects to the configured server and checks it answers.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Redis is a Broker over Redis PUBLISH/SUBSCRIBE. Channel names are prefixed
// with Prefix on the wire and reported without it.
type Redis struct {
	Client *redis.Client
	Prefix string
}

func (b Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.Client.Publish(ctx, b.Prefix+channel, payload).Err()
}

func (b Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	wire := make([]string, len(channels))
	for i, c := range channels {
		wire[i] = b.Prefix + c
	}
	ps := b.Client.Subscribe(ctx, wire...)
	// Wait for the subscription confirmation so publishes that follow are
	// not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSub{ps: ps, ch: make(chan Message, bufferSize)}
	go s.pump(len(b.Prefix))
	return s, nil
}

func (b Redis) Close() error {
	return b.Client.Close()
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSub) pump(prefix int) {
	defer close(s.ch)
	for m := range s.ps.Channel() {
		s.ch <- Message{Channel: m.Channel[prefix:], Payload: []byte(m.Payload)}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	return s.ps.Close()
}
