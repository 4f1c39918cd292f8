package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "jobfence:lock:"

// RedisStore keeps lock records as plain keys written with SETNX. Keys carry no
// TTL; expiry is decided by the coordinator's staleness rule like every other
// backend.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix}
}

// key length-prefixes the queue name so names containing ':' cannot collide.
func (s *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s%d:%s:%s", s.prefix, len(k.QueueName), k.QueueName, k.JobName)
}

func (s *RedisStore) TryInsert(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.Key()), payload, 0).Result()
	if err != nil {
		return classifyRedisError(err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Key())
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyRedisError(err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, classifyRedisError(err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// released between SCAN and GET
			continue
		}
		if err != nil {
			return nil, classifyRedisError(err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := iter.Err(); err != nil {
		return nil, classifyRedisError(err)
	}
	return recs, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode lock record: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// classifyRedisError marks server replies that ask the client to try again.
func classifyRedisError(err error) error {
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "TRYAGAIN", "BUSY", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return fmt.Errorf("%w: %w", ErrContended, err)
		}
	}
	return err
}
