package syncbus

import (
	"context"
	"encoding/json"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport broadcasts changes over a redis pub/sub channel so instances
// in other processes observe writes to the shared store.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisTransport builds a transport on an existing client. The namespace
// must match the one used by the redis storage driver so that channels from
// unrelated applications stay separate.
func NewRedisTransport(client *redis.Client, namespace string, logger zerolog.Logger) *RedisTransport {
	if namespace == "" {
		namespace = "fitsession"
	}
	return &RedisTransport{
		client:  client,
		channel: namespace + ":changes",
		logger:  logger.With().Str("component", "syncbus.redis").Logger(),
	}
}

// Broadcast publishes the change to the shared channel.
func (t *RedisTransport) Broadcast(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return pkgerrors.Wrap(err, "[RedisTransport.Broadcast] marshal")
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return pkgerrors.Wrap(err, "[RedisTransport.Broadcast] publish")
	}
	return nil
}

// Start subscribes to the shared channel and feeds decoded changes to
// deliver until Close is called.
func (t *RedisTransport) Start(deliver func(Change)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return nil
	}

	pubsub := t.client.Subscribe(context.Background(), t.channel)
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return pkgerrors.Wrap(err, "[RedisTransport.Start] subscribe")
	}
	t.pubsub = pubsub

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range pubsub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				t.logger.Warn().Err(err).Msg("dropping undecodable change notification")
				continue
			}
			deliver(change)
		}
	}()
	return nil
}

// Close tears down the subscription and waits for in-flight deliveries.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	pubsub := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	t.wg.Wait()
	return err
}
