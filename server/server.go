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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/shardtable/shardserver"
)

type Config struct {
	shardserver.Config

	// BindHost is the listen host of the flight server, all interfaces if empty.
	BindHost     string `json:"bind_host"`
	HttpBindPort uint32 `json:"http_bind_port"`
	// AuditLogConfig records every http request when LogDir is set.
	AuditLogConfig auditlog.Config `json:"auditlog"`
}

type Server struct {
	cfg         *Config
	shardServer *shardserver.ShardServer
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	shardServer, err := shardserver.NewShardServer(ctx, &cfg.Config)
	if err != nil {
		return nil, err
	}
	span.Infof("server of shard %s created", cfg.ShardID)
	return &Server{cfg: cfg, shardServer: shardServer}, nil
}

func (s *Server) ShardServer() *shardserver.ShardServer {
	return s.shardServer
}

func (s *Server) Close() error {
	return s.shardServer.Close()
}
