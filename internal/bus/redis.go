package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis fallback defaults.
const (
	KeyPrefix         = "realtime:"
	DefaultStreamLen  = 256
	DefaultBlockTime  = 2 * time.Second
	redisRetryBackoff = time.Second
)

// RedisTransport is the fallback transport. Each channel is a capped Redis
// stream in the shared store:
//
//	Key:    realtime:<profile>:<channel>
//	Entry:  data=<payload>
//	Trim:   MAXLEN ~ DefaultStreamLen
//
// Subscribers follow the stream with blocking XREAD, which acts as the change
// notification on the store. Entries age out through trimming, so the store
// never accumulates more than a short tail.
type RedisTransport struct {
	client  *redis.Client
	profile string
	maxLen  int64
	block   time.Duration

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	wg      sync.WaitGroup
}

// NewRedisTransport creates a RedisTransport on an existing client. Close
// stops subscriptions but leaves the client open for its other users.
func NewRedisTransport(client *redis.Client, profile string) *RedisTransport {
	return &RedisTransport{
		client:  client,
		profile: profile,
		maxLen:  DefaultStreamLen,
		block:   DefaultBlockTime,
		cancels: make(map[int]context.CancelFunc),
	}
}

// Key returns the stream key for channel.
func (t *RedisTransport) Key(channel string) string {
	return KeyPrefix + t.profile + ":" + channel
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Available implements Transport.
func (t *RedisTransport) Available(ctx context.Context) bool {
	return t.client.Ping(ctx).Err() == nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.Key(channel),
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport. Only entries added after the call are
// delivered.
func (t *RedisTransport) Subscribe(channel string, handler func(data []byte)) (func(), error) {
	key := t.Key(channel)
	ctx, cancel := context.WithCancel(context.Background())

	lastID, err := t.tailID(ctx, key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.cancels[id] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.follow(ctx, key, lastID, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.cancels, id)
			t.mu.Unlock()
			cancel()
		})
	}, nil
}

// Close stops every subscription and waits for the readers to exit.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// tailID returns the id of the newest entry, or "0-0" for an empty stream.
func (t *RedisTransport) tailID(ctx context.Context, key string) (string, error) {
	msgs, err := t.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// follow reads the stream from lastID until ctx is cancelled.
func (t *RedisTransport) follow(ctx context.Context, key, lastID string, handler func([]byte)) {
	for {
		streams, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   64,
			Block:   t.block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue // block timeout, nothing new
		}
		if err != nil {
			log.Printf("[bus] redis read %s: %v", key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisRetryBackoff):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				if raw, ok := msg.Values["data"].(string); ok {
					handler([]byte(raw))
				}
			}
		}
	}
}
