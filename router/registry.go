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
	"cmp"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

// RegistryConfig names where the shard list comes from. Sources are merged in
// the order inline shards, file, redis; a later source may not redefine an id.
type RegistryConfig struct {
	Shards []proto.Shard        `json:"shards" yaml:"shards"`
	File   string               `json:"file" yaml:"file"`
	Redis  *RedisRegistryConfig `json:"redis" yaml:"redis"`
}

type registryFile struct {
	Shards []proto.Shard `json:"shards" yaml:"shards"`
}

// Registry resolves a shard id to its network address.
type Registry struct {
	shards map[string]proto.Shard
}

func NewRegistry(shards []proto.Shard) (*Registry, error) {
	r := &Registry{shards: make(map[string]proto.Shard, len(shards))}
	for _, s := range shards {
		if err := s.Validate(); err != nil {
			return nil, apierrors.Routing("new registry", err)
		}
		if _, ok := r.shards[s.ID]; ok {
			return nil, apierrors.Routing("new registry "+s.ID, apierrors.ErrDuplicateShard)
		}
		r.shards[s.ID] = s
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (proto.Shard, error) {
	s, ok := r.shards[id]
	if !ok {
		return proto.Shard{}, apierrors.Routing("lookup "+id, apierrors.ErrUnknownShard)
	}
	return s, nil
}

// Shards returns the registered shards sorted by id.
func (r *Registry) Shards() []proto.Shard {
	ret := make([]proto.Shard, 0, len(r.shards))
	for _, s := range r.shards {
		ret = append(ret, s)
	}
	slices.SortFunc(ret, func(a, b proto.Shard) int { return cmp.Compare(a.ID, b.ID) })
	return ret
}

func (r *Registry) Len() int {
	return len(r.shards)
}

// LoadRegistry gathers the shard list from every configured source.
func LoadRegistry(ctx context.Context, cfg *RegistryConfig) ([]proto.Shard, error) {
	shards := append([]proto.Shard(nil), cfg.Shards...)
	if cfg.File != "" {
		fromFile, err := LoadRegistryFile(cfg.File)
		if err != nil {
			return nil, err
		}
		shards = append(shards, fromFile...)
	}
	if cfg.Redis != nil {
		fromRedis, err := LoadRedisRegistry(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		shards = append(shards, fromRedis...)
	}
	return shards, nil
}

// LoadRegistryFile reads a shard list from a yaml (.yaml/.yml) or json file.
func LoadRegistryFile(path string) ([]proto.Shard, error) {
	var rf registryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Info(err, "read registry file", path)
		}
		if err = yaml.Unmarshal(b, &rf); err != nil {
			return nil, errors.Info(err, "parse registry file", path)
		}
	default:
		if err := config.LoadFile(&rf, path); err != nil {
			return nil, errors.Info(err, "load registry file", path)
		}
	}
	return rf.Shards, nil
}
