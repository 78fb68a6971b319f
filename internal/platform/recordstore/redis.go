package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record in its own string key, insertion order in a
// sorted set, and publishes changed paths on a pub/sub channel.
type RedisStore struct {
	client *redis.Client
	ns     string
}

// NewRedisStore wraps a connected client. Keys are created under namespace.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "rec"
	}
	return &RedisStore{client: client, ns: namespace}
}

// OpenRedis parses url and pings the server, retrying a few times before
// giving up.
func OpenRedis(ctx context.Context, url string, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	for i := 0; i < maxRetries; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	client.Close()
	return nil, fmt.Errorf("ping redis after %d attempts: %w", maxRetries, err)
}

func (s *RedisStore) valueKey(path string) string { return s.ns + ":v:" + path }
func (s *RedisStore) orderKey() string            { return s.ns + ":order" }
func (s *RedisStore) seqKey() string              { return s.ns + ":seq" }

// Channel returns the pub/sub channel changed paths are published on.
func (s *RedisStore) Channel() string { return s.ns + ":changes" }

func (s *RedisStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidatePath(path); err != nil {
		return wrapErr("put", path, err)
	}
	if !json.Valid(value) {
		return &Error{Op: "put", Path: path, Message: "value is not valid JSON"}
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return wrapErr("put", path, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.valueKey(path), []byte(value), 0)
		p.ZAddNX(ctx, s.orderKey(), redis.Z{Score: float64(seq), Member: path})
		p.Publish(ctx, s.Channel(), path)
		return nil
	})
	return wrapErr("put", path, err)
}

func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	b, err := s.client.Get(ctx, s.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", path, err)
	}
	return json.RawMessage(b), nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.valueKey(path))
		p.ZRem(ctx, s.orderKey(), path)
		p.Publish(ctx, s.Channel(), path)
		return nil
	})
	return wrapErr("delete", path, err)
}

func (s *RedisStore) Snapshot(ctx context.Context, prefix string) ([]Record, error) {
	paths, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("snapshot", prefix, err)
	}
	var matched []string
	for _, p := range paths {
		if under(p, prefix) {
			matched = append(matched, p)
		}
	}
	out := make([]Record, 0, len(matched))
	if len(matched) == 0 {
		return out, nil
	}

	keys := make([]string, len(matched))
	for i, p := range matched {
		keys[i] = s.valueKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("snapshot", prefix, err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between ZRANGE and MGET
			continue
		}
		out = append(out, Record{Path: matched[i], Value: json.RawMessage(str)})
	}
	return out, nil
}

func (s *RedisStore) Watch(ctx context.Context, prefix string) (<-chan []Record, error) {
	sub := s.client.Subscribe(ctx, s.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, wrapErr("watch", prefix, err)
	}

	initial, err := s.Snapshot(ctx, prefix)
	if err != nil {
		sub.Close()
		return nil, err
	}

	ch := make(chan []Record, watchBuffer)
	offer(ch, initial)

	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !under(msg.Payload, prefix) {
					continue
				}
				snap, err := s.Snapshot(ctx, prefix)
				if err != nil {
					return
				}
				offer(ch, snap)
			}
		}
	}()
	return ch, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
