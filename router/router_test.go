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
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

func TestRouterLocate(t *testing.T) {
	r, err := New(&Config{Registry: RegistryConfig{Shards: testShards(3)}})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, proto.DefaultTable, r.Table())
	require.Len(t, r.Shards(), 3)

	ring, err := NewRing(testShards(3))
	require.NoError(t, err)
	for _, key := range []string{"user-42", "a", "", "日本語"} {
		want, err := ring.ResolveShard(key)
		require.NoError(t, err)
		got, err := r.Locate(key)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestRouterEmpty(t *testing.T) {
	r, err := New(&Config{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write(context.Background(), "k", "v")
	require.True(t, apierrors.IsRouting(err))
	require.ErrorIs(t, err, apierrors.ErrEmptyRing)

	_, _, err = r.Read(context.Background(), "k")
	require.True(t, apierrors.IsRouting(err))

	_, err = r.Describe(context.Background(), "shard1")
	require.ErrorIs(t, err, apierrors.ErrUnknownShard)
}

func TestRouterUpdateShards(t *testing.T) {
	r, err := New(&Config{VirtualNodes: 64, Registry: RegistryConfig{Shards: testShards(3)}})
	require.NoError(t, err)
	defer r.Close()

	owners := make(map[string]string)
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8"}
	for _, k := range keys {
		s, err := r.Locate(k)
		require.NoError(t, err)
		owners[k] = s.ID
	}

	require.NoError(t, r.UpdateShards(testShards(2)))
	require.Len(t, r.Shards(), 2)
	for _, k := range keys {
		s, err := r.Locate(k)
		require.NoError(t, err)
		require.NotEqual(t, "shard3", s.ID)
		if owners[k] != "shard3" {
			require.Equal(t, owners[k], s.ID)
		}
	}

	// a rejected topology leaves the current one in place
	bad := testShards(2)
	bad[1].ID = bad[0].ID
	require.ErrorIs(t, r.UpdateShards(bad), apierrors.ErrDuplicateShard)
	require.Len(t, r.Shards(), 2)

	require.NoError(t, r.UpdateShards(nil))
	_, err = r.Locate("k1")
	require.ErrorIs(t, err, apierrors.ErrEmptyRing)
}

func TestRouterInvalidConfig(t *testing.T) {
	_, err := New(&Config{Registry: RegistryConfig{Shards: []proto.Shard{{ID: "a"}}}})
	require.ErrorIs(t, err, apierrors.ErrInvalidShard)

	_, err = New(&Config{Registry: RegistryConfig{File: "/nonexistent/shards.yaml"}})
	require.Error(t, err)
}
