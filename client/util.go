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

package client

import (
	"context"
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/shardtable/metrics"
	"github.com/cubefs/shardtable/proto"
)

const (
	defaultMaxTimeoutMs       = 10000
	defaultConnectTimeoutMs   = 3000
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 3000
)

type TransportConfig struct {
	MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
}

func (cfg *TransportConfig) checkAndFix() {
	if cfg.MaxTimeoutMs == 0 {
		cfg.MaxTimeoutMs = defaultMaxTimeoutMs
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if cfg.KeepaliveTimeoutS == 0 {
		cfg.KeepaliveTimeoutS = defaultKeepaliveTimeoutS
	}
	if cfg.BackoffBaseDelayMs == 0 {
		cfg.BackoffBaseDelayMs = defaultBackoffBaseDelayMs
	}
	if cfg.BackoffMaxDelayMs == 0 {
		cfg.BackoffMaxDelayMs = defaultBackoffMaxDelayMs
	}
}

// withTimeout bounds ctx by MaxTimeoutMs unless the caller set a deadline.
func (cfg *TransportConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(cfg.MaxTimeoutMs)*time.Millisecond)
}

func outgoingWithReqId(ctx context.Context) context.Context {
	span := trace.SpanFromContextSafe(ctx)
	return metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())
}

func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	return invoker(outgoingWithReqId(ctx), method, req, reply, cc, opts...)
}

func streamInterceptorWithTracer(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn,
	method string, streamer grpc.Streamer, opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(outgoingWithReqId(ctx), desc, cc, method, opts...)
}

func generateDialOpts(cfg *TransportConfig) []grpc.DialOption {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(
			unaryInterceptorWithTracer,
			metrics.GRPCClientMetrics.UnaryClientInterceptor(),
		),
		grpc.WithChainStreamInterceptor(
			streamInterceptorWithTracer,
			metrics.GRPCClientMetrics.StreamClientInterceptor(),
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return dialOpts
}
