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
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardtable/client"
	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/metrics"
	"github.com/cubefs/shardtable/proto"
)

type Config struct {
	Table           string                 `json:"table"`
	VirtualNodes    int                    `json:"virtual_nodes"`
	Registry        RegistryConfig         `json:"registry"`
	TransportConfig client.TransportConfig `json:"transport"`
}

// Result is a fully materialized read.
type Result struct {
	Schema  *arrow.Schema
	Records []proto.Record
}

func (r *Result) Len() int {
	return len(r.Records)
}

type topology struct {
	ring     *Ring
	registry *Registry
}

// Router sends each key to the shard the ring assigns it to.
type Router struct {
	table        string
	virtualNodes int

	topo    atomic.Pointer[topology]
	clients *client.ShardServerClient
	now     func() time.Time
}

func New(cfg *Config) (*Router, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	shards, err := LoadRegistry(ctx, &cfg.Registry)
	if err != nil {
		return nil, err
	}
	r := &Router{
		table:        cfg.Table,
		virtualNodes: cfg.VirtualNodes,
		clients:      client.NewShardServerClient(&cfg.TransportConfig),
		now:          time.Now,
	}
	if r.table == "" {
		r.table = proto.DefaultTable
	}
	if r.virtualNodes <= 0 {
		r.virtualNodes = DefaultVirtualNodes
	}
	topo, err := r.buildTopology(shards)
	if err != nil {
		return nil, err
	}
	r.topo.Store(topo)

	span.Infof("router started with %d shards, table %s", topo.registry.Len(), r.table)
	return r, nil
}

func (r *Router) buildTopology(shards []proto.Shard) (*topology, error) {
	registry, err := NewRegistry(shards)
	if err != nil {
		return nil, err
	}
	ring, err := NewRing(registry.Shards(), WithVirtualNodes(r.virtualNodes))
	if err != nil {
		return nil, err
	}
	return &topology{ring: ring, registry: registry}, nil
}

func (r *Router) Table() string {
	return r.table
}

// Shards returns the current topology sorted by shard id.
func (r *Router) Shards() []proto.Shard {
	return r.topo.Load().registry.Shards()
}

// Locate resolves key to its shard without any I/O.
func (r *Router) Locate(key string) (proto.Shard, error) {
	topo := r.topo.Load()
	id, err := topo.ring.Resolve(key)
	if err != nil {
		return proto.Shard{}, err
	}
	return topo.registry.Lookup(id)
}

// Write stores (key, value) on the owning shard and returns that shard's id.
// A failed write is not retried and its outcome is unknown.
func (r *Router) Write(ctx context.Context, key, value string) (string, error) {
	span := trace.SpanFromContextSafe(ctx)

	shard, err := r.Locate(key)
	if err != nil {
		metrics.RouterRequests.WithLabelValues("write", "", "routing_error").Inc()
		return "", err
	}
	c, err := r.clients.GetClient(ctx, shard.Addr())
	if err != nil {
		r.observe("write", shard.ID, err)
		return "", err
	}

	rec := proto.Record{ID: key, Value: value, Timestamp: r.now()}
	err = c.Put(ctx, r.table, []proto.Record{rec})
	r.observe("write", shard.ID, err)
	if err != nil {
		span.Warnf("write key %q to shard %s failed: %s", key, shard, errors.Detail(err))
		return "", err
	}
	return shard.ID, nil
}

// Read fetches every row stored under key from the shard that owns it.
// An absent key yields an empty result.
func (r *Router) Read(ctx context.Context, key string) (*Result, string, error) {
	span := trace.SpanFromContextSafe(ctx)

	shard, err := r.Locate(key)
	if err != nil {
		metrics.RouterRequests.WithLabelValues("read", "", "routing_error").Inc()
		return nil, "", err
	}
	c, err := r.clients.GetClient(ctx, shard.Addr())
	if err != nil {
		r.observe("read", shard.ID, err)
		return nil, "", err
	}

	rows, err := c.Lookup(ctx, r.table, key)
	r.observe("read", shard.ID, err)
	if err != nil {
		span.Warnf("read key %q from shard %s failed: %s", key, shard, errors.Detail(err))
		return nil, "", err
	}
	return &Result{Schema: proto.TableSchema, Records: rows}, shard.ID, nil
}

// Query runs a raw read-only statement on one shard.
func (r *Router) Query(ctx context.Context, shardID, statement string) (*Result, error) {
	c, err := r.shardClient(ctx, shardID)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, statement)
	r.observe("query", shardID, err)
	if err != nil {
		return nil, err
	}
	return &Result{Schema: proto.TableSchema, Records: rows}, nil
}

// Describe asks one shard for the schema and endpoint of the table.
func (r *Router) Describe(ctx context.Context, shardID string) (*proto.TableInfo, error) {
	c, err := r.shardClient(ctx, shardID)
	if err != nil {
		return nil, err
	}
	info, err := c.Describe(ctx, r.table)
	r.observe("describe", shardID, err)
	return info, err
}

func (r *Router) shardClient(ctx context.Context, shardID string) (*client.Client, error) {
	shard, err := r.topo.Load().registry.Lookup(shardID)
	if err != nil {
		return nil, err
	}
	return r.clients.GetClient(ctx, shard.Addr())
}

// UpdateShards swaps in a new topology. Requests started afterwards never see
// the old ring, and clients of addresses that left the set are closed.
func (r *Router) UpdateShards(shards []proto.Shard) error {
	topo, err := r.buildTopology(shards)
	if err != nil {
		return err
	}
	r.topo.Store(topo)

	keep := make(map[string]struct{}, topo.registry.Len())
	for _, s := range topo.registry.Shards() {
		keep[s.Addr()] = struct{}{}
	}
	for _, addr := range r.clients.Addresses() {
		if _, ok := keep[addr]; !ok {
			r.clients.Evict(addr)
		}
	}
	return nil
}

func (r *Router) Close() error {
	return r.clients.Close()
}

func (r *Router) observe(op, shardID string, err error) {
	result := "ok"
	if err != nil {
		result = apierrors.KindOf(err).String() + "_error"
	}
	metrics.RouterRequests.WithLabelValues(op, shardID, result).Inc()
}
