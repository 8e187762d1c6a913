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

// Package single runs a whole cluster in one process: every shard server on
// loopback plus a router over them. It backs local demos and tests.
package single

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardtable/client"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/router"
	"github.com/cubefs/shardtable/server"
	"github.com/cubefs/shardtable/shardserver"
	"github.com/cubefs/shardtable/shardserver/store"
)

const defaultShardCount = 3

type Config struct {
	ShardCount int    `json:"shard_count"`
	DataDir    string `json:"data_dir"`
	// BasePort of the first shard, following shards take the next ports.
	// Zero binds every shard on a random port.
	BasePort     int          `json:"base_port"`
	Engine       store.Engine `json:"engine"`
	Table        string       `json:"table"`
	VirtualNodes int          `json:"virtual_nodes"`

	TransportConfig client.TransportConfig `json:"transport"`
}

type Server struct {
	ctx context.Context

	servers []*server.RPCServer
	router  *router.Router
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = defaultShardCount
	}
	if cfg.DataDir == "" {
		return nil, errors.New("single: data dir must be set")
	}

	s := &Server{ctx: ctx}
	shards := make([]proto.Shard, 0, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		rs, err := s.startShard(ctx, cfg, i)
		if err != nil {
			s.Stop()
			return nil, err
		}
		shards = append(shards, rs.ShardServer().Shard())
	}

	r, err := router.New(&router.Config{
		Table:           cfg.Table,
		VirtualNodes:    cfg.VirtualNodes,
		Registry:        router.RegistryConfig{Shards: shards},
		TransportConfig: cfg.TransportConfig,
	})
	if err != nil {
		s.Stop()
		return nil, err
	}
	s.router = r
	span.Infof("single cluster started with %d shards under %s", len(shards), cfg.DataDir)
	return s, nil
}

func (s *Server) startShard(ctx context.Context, cfg *Config, i int) (*server.RPCServer, error) {
	id := fmt.Sprintf("shard%d", i)
	path := filepath.Join(cfg.DataDir, id+".db")
	if cfg.Engine == store.EngineRocksDB {
		path = filepath.Join(cfg.DataDir, id)
	}
	port := 0
	if cfg.BasePort > 0 {
		port = cfg.BasePort + i
	}

	svr, err := server.NewServer(ctx, &server.Config{
		Config: shardserver.Config{
			ShardID:      id,
			Table:        cfg.Table,
			VirtualNodes: cfg.VirtualNodes,
			StoreConfig:  store.Config{Engine: cfg.Engine, Path: path},
		},
	})
	if err != nil {
		return nil, errors.Info(err, "open shard", id)
	}
	rs := server.NewRPCServer(svr)
	if err = rs.Serve(fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		svr.Close()
		return nil, errors.Info(err, "serve shard", id)
	}
	s.servers = append(s.servers, rs)
	return rs, nil
}

func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) Shards() []proto.Shard {
	ret := make([]proto.Shard, 0, len(s.servers))
	for _, rs := range s.servers {
		ret = append(ret, rs.ShardServer().Shard())
	}
	return ret
}

// ShardServer returns the in-process server of shardID, or nil.
func (s *Server) ShardServer(shardID string) *shardserver.ShardServer {
	for _, rs := range s.servers {
		if rs.ShardServer().Shard().ID == shardID {
			return rs.ShardServer()
		}
	}
	return nil
}

// Stop closes the router and every shard started so far.
func (s *Server) Stop() {
	if s.router != nil {
		s.router.Close()
		s.router = nil
	}
	for _, rs := range s.servers {
		rs.Stop()
		if err := rs.Close(); err != nil {
			trace.SpanFromContextSafe(s.ctx).Warnf("close shard %s: %s", rs.ShardServer().Shard().ID, err)
		}
	}
	s.servers = nil
}
