// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardtable/util"
)

const testCF = CF("rows")

type testEg struct {
	engine Store
	path   string
}

func newEngine(t *testing.T, opt *Option) *testEg {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	if opt == nil {
		opt = &Option{ColumnFamily: []CF{testCF}}
	}
	opt.CreateIfMissing = true
	opt.Sync = true
	engine, err := NewKVStore(context.Background(), path, RocksdbLsmKVType, opt)
	require.NoError(t, err)
	return &testEg{engine: engine, path: path}
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func TestOpenRocksdb(t *testing.T) {
	eg := newEngine(t, nil)
	defer eg.close()
	require.ElementsMatch(t, []CF{defaultCF, testCF}, eg.engine.GetAllColumns())

	_, err := NewKVStore(context.Background(), "", RocksdbLsmKVType, &Option{})
	require.Error(t, err)
	_, err = NewKVStore(context.Background(), eg.path, LsmKVType("leveldb"), &Option{})
	require.ErrorIs(t, err, ErrKVTypeNotFound)
}

func put(t *testing.T, engine Store, col CF, kvs ...string) {
	batch := engine.NewWriteBatch()
	defer batch.Close()
	for i := 0; i+1 < len(kvs); i += 2 {
		batch.Put(col, []byte(kvs[i]), []byte(kvs[i+1]))
	}
	require.NoError(t, engine.Write(context.Background(), batch))
}

func TestGetRaw(t *testing.T) {
	ctx := context.Background()
	eg := newEngine(t, nil)
	defer eg.close()

	put(t, eg.engine, testCF, "k1", "v1")
	v, err := eg.engine.GetRaw(ctx, testCF, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	_, err = eg.engine.GetRaw(ctx, testCF, []byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)
	// default column is separate
	_, err = eg.engine.GetRaw(ctx, "", []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = eg.engine.GetRaw(ctx, CF("missing"), []byte("k1"))
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestWriteBatch(t *testing.T) {
	ctx := context.Background()
	eg := newEngine(t, nil)
	defer eg.close()

	batch := eg.engine.NewWriteBatch()
	for i := 0; i < 10; i++ {
		batch.Put(testCF, []byte(fmt.Sprintf("key%d", i)), []byte(fmt.Sprintf("value%d", i)))
	}
	require.Equal(t, 10, batch.Count())
	require.NoError(t, eg.engine.Write(ctx, batch))
	batch.Close()

	for i := 0; i < 10; i++ {
		v, err := eg.engine.GetRaw(ctx, testCF, []byte(fmt.Sprintf("key%d", i)))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value%d", i), string(v))
	}

	// a batch touching an unknown column is rejected as a whole
	batch = eg.engine.NewWriteBatch()
	defer batch.Close()
	batch.Put(testCF, []byte("other"), []byte("v"))
	batch.Put(CF("missing"), []byte("k"), []byte("v"))
	require.ErrorIs(t, eg.engine.Write(ctx, batch), ErrUnknownColumn)
	_, err := eg.engine.GetRaw(ctx, testCF, []byte("other"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	eg := newEngine(t, nil)
	defer eg.close()

	for _, k := range []string{"a1", "a2", "a3", "b1", "b2"} {
		put(t, eg.engine, testCF, k, "v-"+k)
	}

	readAll := func(prefix []byte) []string {
		lr := eg.engine.List(ctx, testCF, prefix)
		defer lr.Close()
		var keys []string
		for {
			k, v, err := lr.ReadNextCopy()
			require.NoError(t, err)
			if k == nil {
				return keys
			}
			require.Equal(t, "v-"+string(k), string(v))
			keys = append(keys, string(k))
		}
	}
	require.Equal(t, []string{"a1", "a2", "a3"}, readAll([]byte("a")))
	require.Equal(t, []string{"b1", "b2"}, readAll([]byte("b")))
	require.Nil(t, readAll([]byte("c")))
	require.Equal(t, []string{"a1", "a2", "a3", "b1", "b2"}, readAll(nil))

	lr := eg.engine.List(ctx, CF("missing"), nil)
	_, _, err := lr.ReadNextCopy()
	require.ErrorIs(t, err, ErrUnknownColumn)
	lr.Close()
}

func TestStatsAndFlush(t *testing.T) {
	ctx := context.Background()
	eg := newEngine(t, &Option{ColumnFamily: []CF{testCF}, BlockCache: 1 << 20, CompactionStyle: LevelStyle})
	defer eg.close()

	put(t, eg.engine, testCF, "k", "v")
	require.NoError(t, eg.engine.FlushCF(ctx, testCF))
	stats, err := eg.engine.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Used > 0)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	eg := newEngine(t, nil)
	defer os.RemoveAll(eg.path)

	put(t, eg.engine, testCF, "k", "v")
	eg.engine.Close()

	engine, err := NewKVStore(ctx, eg.path, RocksdbLsmKVType, &Option{ColumnFamily: []CF{testCF}, CreateIfMissing: true})
	require.NoError(t, err)
	defer engine.Close()
	v, err := engine.GetRaw(ctx, testCF, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
