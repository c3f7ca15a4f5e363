package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

var _ Transport = (*RedisTransport)(nil)

// RedisTransport delivers envelopes over redis pub/sub, one channel per
// topic. The caller owns the client's lifecycle.
type RedisTransport struct {
	client goredis.UniversalClient
}

// NewRedisTransport creates a pub/sub transport on an existing client.
func NewRedisTransport(client goredis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish marshals the envelope to JSON and publishes it to the topic's
// channel.
func (t *RedisTransport) Publish(ctx context.Context, topic string, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("conduct/notify: encode envelope: %w", err)
	}
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("conduct/notify: publish to %s: %w", topic, err)
	}
	return nil
}
