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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/util"
)

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(testShards(3))
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	s, err := reg.Lookup("shard2")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5002", s.Addr())

	_, err = reg.Lookup("shard9")
	require.ErrorIs(t, err, apierrors.ErrUnknownShard)
	require.True(t, apierrors.IsRouting(err))

	require.Equal(t, testShards(3), reg.Shards())

	_, err = NewRegistry([]proto.Shard{{ID: "a", Host: "h"}})
	require.ErrorIs(t, err, apierrors.ErrInvalidShard)
	_, err = NewRegistry([]proto.Shard{{ID: "a", Host: "h", Port: 1}, {ID: "a", Host: "h", Port: 2}})
	require.ErrorIs(t, err, apierrors.ErrDuplicateShard)
}

func TestLoadRegistryFile(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	yamlPath := filepath.Join(dir, "shards.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
shards:
  - id: shard1
    host: 127.0.0.1
    port: 5001
  - id: shard2
    host: 127.0.0.1
    port: 5002
`), 0o644))
	shards, err := LoadRegistryFile(yamlPath)
	require.NoError(t, err)
	require.Equal(t, testShards(2), shards)

	jsonPath := filepath.Join(dir, "shards.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"shards": [
		{"id": "shard3", "host": "127.0.0.1", "port": 5003}
	]}`), 0o644))
	shards, err = LoadRegistryFile(jsonPath)
	require.NoError(t, err)
	require.Equal(t, []proto.Shard{testShards(3)[2]}, shards)

	shards, err = LoadRegistry(context.Background(), &RegistryConfig{
		Shards: testShards(1),
		File:   yamlPath,
	})
	require.NoError(t, err)
	require.Len(t, shards, 3)
	_, err = NewRegistry(shards)
	require.ErrorIs(t, err, apierrors.ErrDuplicateShard)

	_, err = LoadRegistryFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	_, err = LoadRegistryFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

type mockHash struct {
	key string
	m   map[string]string
	err error
}

func (h *mockHash) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	h.key = key
	return redis.NewMapStringStringResult(h.m, h.err)
}

func TestLoadShardHash(t *testing.T) {
	h := &mockHash{m: map[string]string{
		"shard1": "127.0.0.1:5001",
		"shard2": "127.0.0.1:5002",
	}}
	shards, err := loadShardHash(context.Background(), h, "")
	require.NoError(t, err)
	require.Equal(t, defaultRedisRegistryKey, h.key)
	reg, err := NewRegistry(shards)
	require.NoError(t, err)
	require.Equal(t, testShards(2), reg.Shards())

	h.m = map[string]string{"bad": "no-port"}
	_, err = loadShardHash(context.Background(), h, "custom")
	require.Error(t, err)
	require.True(t, apierrors.IsRouting(err))
	require.Equal(t, "custom", h.key)

	h.m, h.err = nil, errors.New("connection refused")
	_, err = loadShardHash(context.Background(), h, "")
	require.Error(t, err)

	_, err = LoadRedisRegistry(context.Background(), &RedisRegistryConfig{})
	require.Error(t, err)
}
