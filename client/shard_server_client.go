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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"
)

// ShardServerClient caches one flight client per shard address. Concurrent
// first requests for an address share a single dial.
type ShardServerClient struct {
	// shardServerClients maintains flight client by address
	shardServerClients sync.Map
	singleRun          singleflight.Group
	tc                 TransportConfig
}

func NewShardServerClient(cfg *TransportConfig) *ShardServerClient {
	s := &ShardServerClient{}
	if cfg != nil {
		s.tc = *cfg
	}
	s.tc.checkAndFix()
	return s
}

func (s *ShardServerClient) GetClient(ctx context.Context, addr string) (*Client, error) {
	if c, ok := s.shardServerClients.Load(addr); ok {
		return c.(*Client), nil
	}

	v, err, _ := s.singleRun.Do(addr, func() (interface{}, error) {
		if c, ok := s.shardServerClients.Load(addr); ok {
			return c, nil
		}
		c, err := NewClient(addr, &s.tc)
		if err != nil {
			return nil, err
		}
		trace.SpanFromContextSafe(ctx).Debugf("new shard server client for %s", addr)
		s.shardServerClients.Store(addr, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Evict drops and closes the cached client of addr, if any.
func (s *ShardServerClient) Evict(addr string) {
	if c, ok := s.shardServerClients.LoadAndDelete(addr); ok {
		c.(*Client).Close()
	}
}

func (s *ShardServerClient) Addresses() []string {
	var ret []string
	s.shardServerClients.Range(func(key, value interface{}) bool {
		ret = append(ret, key.(string))
		return true
	})
	return ret
}

func (s *ShardServerClient) Close() error {
	s.shardServerClients.Range(func(key, value interface{}) bool {
		s.shardServerClients.Delete(key)
		value.(*Client).Close()
		return true
	})
	return nil
}
