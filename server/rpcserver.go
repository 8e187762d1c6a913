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
	"net"

	"github.com/apache/arrow/go/v14/arrow/flight"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/shardtable/metrics"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/util"
)

type RPCServer struct {
	*Server
	flightServer flight.Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	rs.flightServer = flight.NewServerWithMiddleware(
		[]flight.ServerMiddleware{
			{Unary: unaryInterceptorWithTracer, Stream: streamInterceptorWithTracer},
			{Unary: metrics.GRPCMetrics.UnaryServerInterceptor(), Stream: metrics.GRPCMetrics.StreamServerInterceptor()},
		},
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{PermitWithoutStream: true}),
	)
	rs.flightServer.RegisterFlightService(rs.shardServer)
	return rs
}

// Serve binds addr and serves in background. The shard advertises the bound
// address unless its host and port are configured.
func (r *RPCServer) Serve(addr string) error {
	if err := r.flightServer.Init(addr); err != nil {
		return err
	}
	bound := r.flightServer.Addr().(*net.TCPAddr)

	host, port := r.cfg.Host, r.cfg.Port
	if port == 0 {
		port = bound.Port
	}
	if host == "" {
		host = advertiseHost(bound)
	}
	r.shardServer.SetAddr(host, port)

	go func() {
		if err := r.flightServer.Serve(); err != nil {
			log.Fatal("flight server exits:", err)
		}
	}()
	log.Info("flight server is running at:", bound.String(), " advertised as:", r.shardServer.Shard().Location())
	return nil
}

func advertiseHost(bound *net.TCPAddr) string {
	if !bound.IP.IsUnspecified() {
		return bound.IP.String()
	}
	if ip, err := util.GetLocalIp(); err == nil {
		return ip
	}
	return "127.0.0.1"
}

func (r *RPCServer) Addr() net.Addr {
	return r.flightServer.Addr()
}

func (r *RPCServer) Stop() {
	r.flightServer.Shutdown()
}

func spanFromIncoming(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if reqId := md.Get(proto.ReqIdKey); len(reqId) > 0 && reqId[0] != "" {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqId[0])
		return ctx
	}
	_, ctx = trace.StartSpanFromContext(ctx, "")
	return ctx
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(spanFromIncoming(ctx), req)
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

func streamInterceptorWithTracer(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, &tracedStream{ServerStream: ss, ctx: spanFromIncoming(ss.Context())})
}
