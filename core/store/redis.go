// Copyright 1999-2020 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	DefaultRedisAddr         string = "127.0.0.1:6379"
	DefaultRedisTimeout      int32  = 1000
	DefaultRedisPoolSize     int32  = 10
	DefaultRedisMinIdleConns int32  = 5
	DefaultRedisMaxRetries   int32  = 3
)

// RedisConfig describes the connection to the shared Redis deployment.
type RedisConfig struct {
	Addrs    []string `json:"addrs" yaml:"addrs"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`

	DialTimeoutMs  int32 `json:"dialTimeoutMs" yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int32 `json:"readTimeoutMs" yaml:"read_timeout_ms"`
	WriteTimeoutMs int32 `json:"writeTimeoutMs" yaml:"write_timeout_ms"`
	PoolSize       int32 `json:"poolSize" yaml:"pool_size"`
	MinIdleConns   int32 `json:"minIdleConns" yaml:"min_idle_conns"`
	MaxRetries     int32 `json:"maxRetries" yaml:"max_retries"`
}

// RedisStore adapts a Redis deployment to the Store interface. The inner
// client is guarded so it can be swapped without racing in-flight calls.
type RedisStore struct {
	mu     sync.RWMutex
	client redis.UniversalClient
}

func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("redis config is nil")
	}

	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{DefaultRedisAddr}
	}
	dialTimeout := millisOrDefault(cfg.DialTimeoutMs, DefaultRedisTimeout)
	readTimeout := millisOrDefault(cfg.ReadTimeoutMs, DefaultRedisTimeout)
	writeTimeout := millisOrDefault(cfg.WriteTimeoutMs, DefaultRedisTimeout)
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = DefaultRedisPoolSize
	}
	minIdleConns := cfg.MinIdleConns
	if minIdleConns == 0 {
		minIdleConns = DefaultRedisMinIdleConns
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultRedisMaxRetries
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: addrs,

		Username: cfg.Username,
		Password: cfg.Password,

		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,

		PoolSize:     int(poolSize),
		MinIdleConns: int(minIdleConns),
		MaxRetries:   int(maxRetries),
	})

	if _, err := client.Ping(context.TODO()).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &RedisStore{client: client}, nil
}

func millisOrDefault(ms int32, def int32) time.Duration {
	if ms == 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	client, err := s.getClient()
	if err != nil {
		return "", false, err
	}
	val, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapUnavailable(err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, value, expiry).Err(); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	client, err := s.getClient()
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapUnavailable(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	client, err := s.getClient()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}
	result, err := client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return result, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *RedisStore) getClient() (redis.UniversalClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}
	return s.client, nil
}

func wrapUnavailable(err error) error {
	return errors.Wrap(ErrUnavailable, err.Error())
}
