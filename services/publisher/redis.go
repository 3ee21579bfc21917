package publisher

import (
	"context"
	"encoding/base64"
	"math/rand/v2"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "sjsage522/shopwatch/pkg/errors"
)

// RedisOptions configures the stream publisher
type RedisOptions struct {
	Addr            string
	DB              int
	StreamPrefix    string
	StreamCount     int
	StreamMaxLength int
}

// RedisPublisher implements Publisher using Redis streams
type RedisPublisher struct {
	client *redis.Client
	opts   RedisOptions
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a new Redis publisher
func NewRedisPublisher(opts RedisOptions) *RedisPublisher {
	if opts.StreamCount <= 0 {
		opts.StreamCount = 1
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr: opts.Addr,
			DB:   opts.DB,
		}),
		opts: opts,
	}
}

// Ping checks the connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewPublisher("redis", "ping", err)
	}
	return nil
}

// Stream returns the stream a message is written to.
// With a count of 3 the streams are prefix:0 to prefix:2.
func (p *RedisPublisher) Stream() string {
	if p.opts.StreamCount == 1 {
		return p.opts.StreamPrefix + ":0"
	}
	return p.opts.StreamPrefix + ":" + strconv.Itoa(rand.IntN(p.opts.StreamCount))
}

// Publish base64-encodes the message and appends it to a stream
func (p *RedisPublisher) Publish(ctx context.Context, key string, message []byte) error {
	encoded := base64.StdEncoding.EncodeToString(message)

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream(),
		Values: map[string]interface{}{
			key: encoded,
		},
	}).Err()
	if err != nil {
		return apperrors.NewPublisher("redis", "xadd "+key, err)
	}
	return nil
}

// TrimStreams trims all streams to the configured maximum length
func (p *RedisPublisher) TrimStreams(ctx context.Context) error {
	if p.opts.StreamMaxLength <= 0 {
		return nil
	}
	streams, err := p.client.Keys(ctx, p.opts.StreamPrefix+":*").Result()
	if err != nil {
		return apperrors.NewPublisher("redis", "list streams", err)
	}
	for _, stream := range streams {
		if err := p.client.XTrimMaxLen(ctx, stream, int64(p.opts.StreamMaxLength)).Err(); err != nil {
			return apperrors.NewPublisher("redis", "trim "+stream, err)
		}
	}
	return nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
