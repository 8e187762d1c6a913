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

package shardserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cubefs/shardtable/client"
	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/metrics"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/router"
	"github.com/cubefs/shardtable/shardserver/store"
	"github.com/cubefs/shardtable/util"
)

var base = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

type testShard struct {
	*ShardServer
	fs  flight.Server
	cli *client.Client
	dir string
}

func (ts *testShard) close() {
	ts.cli.Close()
	ts.fs.Shutdown()
	ts.ShardServer.Close()
	os.RemoveAll(ts.dir)
}

func startShard(t *testing.T, cfg *Config) *testShard {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	if cfg.StoreConfig.Path == "" {
		cfg.StoreConfig.Path = filepath.Join(dir, cfg.ShardID+".db")
		if cfg.StoreConfig.Engine == store.EngineRocksDB {
			cfg.StoreConfig.Path = filepath.Join(dir, cfg.ShardID)
		}
	}

	s, err := NewShardServer(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, StateReady, s.State())

	fs := flight.NewServerWithMiddleware(nil)
	fs.RegisterFlightService(s)
	require.NoError(t, fs.Init("127.0.0.1:0"))
	s.SetAddr("127.0.0.1", fs.Addr().(*net.TCPAddr).Port)
	go fs.Serve()

	cli, err := client.NewClient(s.Shard().Addr(), nil)
	require.NoError(t, err)
	return &testShard{ShardServer: s, fs: fs, cli: cli, dir: dir}
}

func TestShardServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, engine := range []store.Engine{store.EngineDuckDB, store.EngineRocksDB} {
		t.Run(string(engine), func(t *testing.T) {
			ts := startShard(t, &Config{ShardID: "rt-" + string(engine), StoreConfig: store.Config{Engine: engine}})
			defer ts.close()

			v1 := proto.Record{ID: "user-42", Value: "v1", Timestamp: base}
			v2 := proto.Record{ID: "user-42", Value: "v2", Timestamp: base.Add(time.Second)}
			require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{v1}))
			require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{v2}))

			rows, err := ts.cli.Lookup(ctx, proto.DefaultTable, "user-42")
			require.NoError(t, err)
			require.Equal(t, []proto.Record{v1, v2}, rows)

			// duplicates are kept
			require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{v1}))
			rows, err = ts.cli.Lookup(ctx, proto.DefaultTable, "user-42")
			require.NoError(t, err)
			require.Len(t, rows, 3)

			rows, err = ts.cli.Lookup(ctx, proto.DefaultTable, "absent")
			require.NoError(t, err)
			require.Len(t, rows, 0)

			// keys are bound as values, never as query text
			odd := proto.Record{ID: "x' OR '1'='1", Value: "quoted", Timestamp: base}
			require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{odd}))
			rows, err = ts.cli.Lookup(ctx, proto.DefaultTable, odd.ID)
			require.NoError(t, err)
			require.Equal(t, []proto.Record{odd}, rows)

			st := ts.Stats(ctx)
			require.Equal(t, int64(4), st.IngestedRows)
			require.Equal(t, int64(4), st.Records)
			require.Equal(t, int64(6), st.ReturnedRows)
			require.Equal(t, "ready", st.State)
			require.Equal(t, engine, st.Engine)
			require.Equal(t, engine == store.EngineRocksDB, st.Storage != nil)
			require.Equal(t, float64(4), testutil.ToFloat64(metrics.IngestedRows.WithLabelValues(ts.shardID)))
		})
	}
}

func TestShardServerDescriptorTableIgnored(t *testing.T) {
	ctx := context.Background()
	ts := startShard(t, &Config{ShardID: "desc"})
	defer ts.close()

	rec := proto.Record{ID: "k", Value: "v", Timestamp: base}
	require.NoError(t, ts.cli.Put(ctx, "some_other_name", []proto.Record{rec}))
	rows, err := ts.cli.Lookup(ctx, proto.DefaultTable, "k")
	require.NoError(t, err)
	require.Equal(t, []proto.Record{rec}, rows)

	_, err = ts.cli.Lookup(ctx, "some_other_name", "k")
	require.Equal(t, codes.NotFound, apierrors.Code(err))
	require.True(t, apierrors.IsTransport(err))
}

func TestShardServerSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	ts := startShard(t, &Config{ShardID: "schema"})
	defer ts.close()

	bad := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, bad)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	b.Field(1).(*array.StringBuilder).Append("v")
	rec := b.NewRecord()
	defer rec.Release()

	stream, err := ts.cli.Client.DoPut(ctx)
	require.NoError(t, err)
	w := flight.NewRecordWriter(stream, ipc.WithSchema(bad))
	w.SetFlightDescriptor(proto.TableDescriptor(proto.DefaultTable))
	w.Write(rec)
	w.Close()
	stream.CloseSend()
	_, err = stream.Recv()
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	n, err := ts.backend.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestShardServerStatement(t *testing.T) {
	ctx := context.Background()
	ts := startShard(t, &Config{ShardID: "stmt"})
	defer ts.close()

	rec := proto.Record{ID: "k", Value: "v", Timestamp: base}
	require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{rec}))

	rows, err := ts.cli.Query(ctx, "SELECT * FROM distributed_data WHERE id = 'k'")
	require.NoError(t, err)
	require.Equal(t, []proto.Record{rec}, rows)

	_, err = ts.cli.Query(ctx, "DROP TABLE distributed_data")
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))
	_, err = ts.cli.Query(ctx, "SELECT id FROM distributed_data")
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))
	_, err = ts.cli.Query(ctx, "SELECT * FROM missing_table")
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))
	_, err = ts.cli.Get(ctx, nil)
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))
	_, err = ts.cli.Get(ctx, []byte(`{"key":"k"}`))
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))

	// the table survives every rejected statement
	rows, err = ts.cli.Lookup(ctx, proto.DefaultTable, "k")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(3), ts.Stats(ctx).BackendErrors)

	rts := startShard(t, &Config{ShardID: "stmt-kv", StoreConfig: store.Config{Engine: store.EngineRocksDB}})
	defer rts.close()
	_, err = rts.cli.Query(ctx, "SELECT * FROM distributed_data")
	require.Equal(t, codes.InvalidArgument, apierrors.Code(err))
}

func TestShardServerDescribe(t *testing.T) {
	ctx := context.Background()
	ts := startShard(t, &Config{ShardID: "describe"})
	defer ts.close()
	require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{{ID: "a", Value: "1", Timestamp: base}}))

	info, err := ts.cli.Describe(ctx, proto.DefaultTable)
	require.NoError(t, err)
	require.True(t, info.Schema.Equal(proto.TableSchema))
	require.Equal(t, []string{ts.Shard().Location()}, info.Endpoints)
	require.Equal(t, int64(1), info.Records)

	tables, err := ts.cli.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, proto.DefaultTable, tables[0].Table)

	res, err := ts.cli.Client.GetSchema(ctx, proto.TableDescriptor(proto.DefaultTable))
	require.NoError(t, err)
	schema, err := flight.DeserializeSchema(res.GetSchema(), memory.DefaultAllocator)
	require.NoError(t, err)
	require.True(t, schema.Equal(proto.TableSchema))

	host, port, err := proto.ParseLocation(info.Endpoints[0])
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, ts.Shard().Port, port)
}

func TestShardServerOwnership(t *testing.T) {
	ctx := context.Background()
	shards := []proto.Shard{
		{ID: "own1", Host: "127.0.0.1", Port: 1},
		{ID: "own2", Host: "127.0.0.1", Port: 2},
		{ID: "own3", Host: "127.0.0.1", Port: 3},
	}
	ring, err := router.NewRing(shards)
	require.NoError(t, err)
	var mine, foreign string
	for i := 0; mine == "" || foreign == ""; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner, err := ring.Resolve(key)
		require.NoError(t, err)
		if owner == "own1" {
			mine = key
		} else {
			foreign = key
		}
	}

	ts := startShard(t, &Config{
		ShardID:         "own1",
		VerifyOwnership: true,
		Registry:        router.RegistryConfig{Shards: shards},
	})
	defer ts.close()

	require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{{ID: mine, Value: "v", Timestamp: base}}))
	err = ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{
		{ID: mine, Value: "v", Timestamp: base},
		{ID: foreign, Value: "v", Timestamp: base},
	})
	require.Equal(t, codes.FailedPrecondition, apierrors.Code(err))

	// a rejected batch stores nothing
	rows, err := ts.cli.Lookup(ctx, proto.DefaultTable, mine)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = NewShardServer(ctx, &Config{ShardID: "own9", VerifyOwnership: true, Registry: router.RegistryConfig{Shards: shards}})
	require.ErrorIs(t, err, apierrors.ErrUnknownShard)
}

func TestShardServerLimiter(t *testing.T) {
	ctx := context.Background()
	ts := startShard(t, &Config{ShardID: "limit"})
	defer ts.close()
	ts.Limiter().SetReadConcurrency(1)
	ts.Limiter().SetWriteConcurrency(1)

	require.NoError(t, ts.Limiter().AcquireRead(ctx))
	_, err := ts.cli.Lookup(ctx, proto.DefaultTable, "k")
	require.Equal(t, codes.ResourceExhausted, apierrors.Code(err))
	ts.Limiter().ReleaseRead()
	_, err = ts.cli.Lookup(ctx, proto.DefaultTable, "k")
	require.NoError(t, err)

	require.NoError(t, ts.Limiter().AcquireWrite(ctx))
	err = ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{{ID: "k", Value: "v"}})
	require.Equal(t, codes.ResourceExhausted, apierrors.Code(err))
	ts.Limiter().ReleaseWrite()
	require.NoError(t, ts.cli.Put(ctx, proto.DefaultTable, []proto.Record{{ID: "k", Value: "v"}}))
}

func TestNewShardServerErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewShardServer(ctx, &Config{})
	require.ErrorIs(t, err, apierrors.ErrInvalidShard)

	_, err = NewShardServer(ctx, &Config{ShardID: "x", StoreConfig: store.Config{Engine: "unknown"}})
	require.ErrorIs(t, err, apierrors.ErrUnknownEngine)
}
