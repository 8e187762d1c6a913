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

package single

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/shardserver/store"
	"github.com/cubefs/shardtable/util"
)

func TestSingleServer(t *testing.T) {
	ctx := context.Background()
	for _, engine := range []store.Engine{store.EngineDuckDB, store.EngineRocksDB} {
		t.Run(string(engine), func(t *testing.T) {
			dir, err := util.GenTmpPath()
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			s, err := NewServer(ctx, &Config{DataDir: dir, Engine: engine})
			require.NoError(t, err)
			defer s.Stop()
			require.Len(t, s.Shards(), 3)
			require.Equal(t, s.Shards(), s.Router().Shards())

			shardID, err := s.Router().Write(ctx, "user-42", "hello")
			require.NoError(t, err)
			res, readFrom, err := s.Router().Read(ctx, "user-42")
			require.NoError(t, err)
			require.Equal(t, shardID, readFrom)
			require.Equal(t, 1, res.Len())
			require.Equal(t, "hello", res.Records[0].Value)

			for _, shard := range s.Shards() {
				want := int64(0)
				if shard.ID == shardID {
					want = 1
				}
				require.Equal(t, want, s.ShardServer(shard.ID).Stats(ctx).IngestedRows)
			}
			require.Nil(t, s.ShardServer("missing"))
		})
	}
}

func TestSingleServerConfig(t *testing.T) {
	_, err := NewServer(context.Background(), &Config{})
	require.Error(t, err)

	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	s, err := NewServer(context.Background(), &Config{DataDir: dir, ShardCount: 1, Table: "events"})
	require.NoError(t, err)
	defer s.Stop()
	require.Equal(t, "events", s.Router().Table())

	_, err = s.Router().Write(context.Background(), "k", "v")
	require.NoError(t, err)
	info, err := s.Router().Describe(context.Background(), "shard0")
	require.NoError(t, err)
	require.Equal(t, "events", info.Table)
	require.True(t, info.Schema.Equal(proto.TableSchema))
}

func TestSingleServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// the second shard wants the busy port, the first one must be released
	cfg := &Config{DataDir: dir, ShardCount: 2, BasePort: busy - 1}
	var s *Server
	require.NotPanics(t, func() {
		s, err = NewServer(context.Background(), cfg)
	})
	require.Error(t, err)
	require.Nil(t, s)

	// shard0 was closed, so its database can be opened again
	s, err = NewServer(context.Background(), &Config{DataDir: dir, ShardCount: 1})
	require.NoError(t, err)
	s.Stop()
}
