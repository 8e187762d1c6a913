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
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

const DefaultVirtualNodes = 160

type RingOption func(*ringOptions)

type ringOptions struct {
	virtualNodes int
}

// WithVirtualNodes sets how many positions each shard takes on the ring.
// Non positive values keep the default.
func WithVirtualNodes(n int) RingOption {
	return func(o *ringOptions) {
		if n > 0 {
			o.virtualNodes = n
		}
	}
}

type vnode struct {
	hash    uint64
	shardID string
}

// Ring maps keys onto a fixed set of shards with consistent hashing.
// A Ring is immutable once built and safe for concurrent use.
type Ring struct {
	vnodes       []vnode
	shards       map[string]proto.Shard
	virtualNodes int
}

func NewRing(shards []proto.Shard, opts ...RingOption) (*Ring, error) {
	o := ringOptions{virtualNodes: DefaultVirtualNodes}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Ring{
		vnodes:       make([]vnode, 0, len(shards)*o.virtualNodes),
		shards:       make(map[string]proto.Shard, len(shards)),
		virtualNodes: o.virtualNodes,
	}
	for _, s := range shards {
		if s.ID == "" {
			return nil, apierrors.Routing("new ring", apierrors.ErrInvalidShard)
		}
		if _, ok := r.shards[s.ID]; ok {
			return nil, apierrors.Routing("new ring "+s.ID, apierrors.ErrDuplicateShard)
		}
		r.shards[s.ID] = s
		for i := 0; i < o.virtualNodes; i++ {
			r.vnodes = append(r.vnodes, vnode{hash: vnodeHash(s.ID, i), shardID: s.ID})
		}
	}
	// ties on the hash are broken by shard id so that the ring only depends on the set
	slices.SortFunc(r.vnodes, func(a, b vnode) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(a.shardID, b.shardID)
	})
	return r, nil
}

func vnodeHash(shardID string, i int) uint64 {
	return xxhash.Sum64String(shardID + "#" + strconv.Itoa(i))
}

// Resolve returns the id of the shard owning key.
func (r *Ring) Resolve(key string) (string, error) {
	if r == nil || len(r.vnodes) == 0 {
		return "", apierrors.Routing("resolve", apierrors.ErrEmptyRing)
	}
	h := xxhash.Sum64String(key)
	idx, _ := slices.BinarySearchFunc(r.vnodes, h, func(v vnode, target uint64) int {
		return cmp.Compare(v.hash, target)
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].shardID, nil
}

func (r *Ring) ResolveShard(key string) (proto.Shard, error) {
	id, err := r.Resolve(key)
	if err != nil {
		return proto.Shard{}, err
	}
	return r.shards[id], nil
}

// Shard returns the shard registered under id.
func (r *Ring) Shard(id string) (proto.Shard, bool) {
	if r == nil {
		return proto.Shard{}, false
	}
	s, ok := r.shards[id]
	return s, ok
}

// Shards returns the ring members sorted by id.
func (r *Ring) Shards() []proto.Shard {
	if r == nil {
		return nil
	}
	ret := make([]proto.Shard, 0, len(r.shards))
	for _, s := range r.shards {
		ret = append(ret, s)
	}
	slices.SortFunc(ret, func(a, b proto.Shard) int { return cmp.Compare(a.ID, b.ID) })
	return ret
}

func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	return len(r.shards)
}

func (r *Ring) VirtualNodes() int {
	return r.virtualNodes
}
