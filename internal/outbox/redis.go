package outbox

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher is the live Publisher implementation over Redis Streams.
// Each topic maps to one stream; dead letters land on "<topic>.dlq". XADD is
// acknowledged per call, which is all the relay's at-least-once contract needs.
type RedisPublisher struct {
	Client *redis.Client

	// StreamPrefix namespaces streams per deployment, e.g. "greenos.".
	StreamPrefix string
}

func NewRedisPublisher(client *redis.Client, streamPrefix string) *RedisPublisher {
	return &RedisPublisher{Client: client, StreamPrefix: streamPrefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, key, correlationID, eventID string, payload []byte) error {
	return p.add(ctx, p.StreamPrefix+topic, key, correlationID, eventID, payload)
}

func (p *RedisPublisher) PublishDLQ(ctx context.Context, topic, key, correlationID, eventID string, payload []byte) error {
	return p.add(ctx, p.StreamPrefix+topic+".dlq", key, correlationID, eventID, payload)
}

func (p *RedisPublisher) add(ctx context.Context, stream, key, correlationID, eventID string, payload []byte) error {
	return p.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"key":            key,
			"correlation_id": correlationID,
			"event_id":       eventID,
			"payload":        string(payload),
		},
	}).Err()
}
