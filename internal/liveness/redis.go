package liveness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fedhost:liveness:"

type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisStore(opt *redis.Options, ttl time.Duration) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt), TTL: ttl}
}

func (s *RedisStore) Get(ctx context.Context, appID string) (State, bool, error) {
	b, err := s.Client.Get(ctx, keyPrefix+appID).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *RedisStore) Put(ctx context.Context, st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, keyPrefix+st.AppID, b, s.TTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, appID string) error {
	return s.Client.Del(ctx, keyPrefix+appID).Err()
}
