// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package router

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/redis/go-redis/v9"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

const (
	defaultRedisRegistryKey = "shardtable:shards"
	redisDialTimeout        = 3 * time.Second
)

// RedisRegistryConfig points at a redis hash of shard id -> "host:port".
// Works with a single node or a cluster through the universal client.
type RedisRegistryConfig struct {
	Addrs    []string `json:"addrs" yaml:"addrs"`
	Password string   `json:"password" yaml:"password"`
	Key      string   `json:"key" yaml:"key"`
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// LoadRedisRegistry reads the shard hash once. The registry is not watched.
func LoadRedisRegistry(ctx context.Context, cfg *RedisRegistryConfig) ([]proto.Shard, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis registry addrs is empty")
	}
	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DialTimeout: redisDialTimeout,
	})
	defer c.Close()

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Info(err, "ping redis registry", cfg.Addrs)
	}
	return loadShardHash(ctx, c, cfg.Key)
}

func loadShardHash(ctx context.Context, c hashGetter, key string) ([]proto.Shard, error) {
	if key == "" {
		key = defaultRedisRegistryKey
	}
	m, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Info(err, "read redis registry", key)
	}
	shards := make([]proto.Shard, 0, len(m))
	for id, addr := range m {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, apierrors.Routing("redis registry "+id, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, apierrors.Routing("redis registry "+id, err)
		}
		shards = append(shards, proto.Shard{ID: id, Host: host, Port: p})
	}
	return shards, nil
}
