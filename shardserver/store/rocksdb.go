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

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/shardtable/common/kvstore"
	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/util"
)

const (
	rowsCF = kvstore.CF("rows")
	metaCF = kvstore.CF("meta")

	flagTimestamp = byte(1)
)

var (
	seqKey   = []byte("seq")
	countKey = []byte("count")
)

// rocksDB keeps rows ordered by (id, timestamp, seq). Lookups are prefix
// scans; raw statements are not supported.
type rocksDB struct {
	kv     kvstore.Store
	table  string
	closed atomic.Bool

	// appends are serialized so that seq and count stay consistent
	mu    sync.RWMutex
	seq   uint64
	count int64
}

func newRocksDB(ctx context.Context, cfg *Config) (Backend, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.Path == "" {
		return nil, apierrors.Backend("open rocksdb", errors.New("path is empty"))
	}

	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = []kvstore.CF{rowsCF, metaCF}
	kv, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, cfg.Table), kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, apierrors.Backend("open rocksdb "+cfg.Path, err)
	}

	r := &rocksDB{kv: kv, table: cfg.Table}
	if r.seq, err = r.loadCounter(ctx, seqKey); err != nil {
		kv.Close()
		return nil, err
	}
	count, err := r.loadCounter(ctx, countKey)
	if err != nil {
		kv.Close()
		return nil, err
	}
	r.count = int64(count)
	span.Infof("rocksdb table %s ready at %q, rows: %d", cfg.Table, cfg.Path, r.count)
	return r, nil
}

func (r *rocksDB) loadCounter(ctx context.Context, key []byte) (uint64, error) {
	v, err := r.kv.GetRaw(ctx, metaCF, key)
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.Backend("load "+string(key), err)
	}
	if len(v) != 8 {
		return 0, apierrors.Backend("load "+string(key), errors.New("corrupted counter"))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (r *rocksDB) Table() string {
	return r.table
}

// idPrefix is uvarint(len(id)) | id, so no id prefix collides with another.
func idPrefix(id string) []byte {
	b := make([]byte, binary.MaxVarintLen64+len(id), binary.MaxVarintLen64+len(id)+16)
	n := binary.PutUvarint(b, uint64(len(id)))
	n += copy(b[n:], util.StringsToBytes(id))
	return b[:n]
}

// encodeKey appends the sortable timestamp and seq to the id prefix.
// A missing timestamp sorts first.
func encodeKey(r proto.Record, seq uint64) []byte {
	key := idPrefix(r.ID)
	var ts uint64
	if !r.Timestamp.IsZero() {
		ts = uint64(r.Timestamp.UnixNano()) ^ (1 << 63)
	}
	key = binary.BigEndian.AppendUint64(key, ts)
	return binary.BigEndian.AppendUint64(key, seq)
}

func encodeValue(r proto.Record) []byte {
	v := make([]byte, 1, 1+len(r.Value)+8)
	if !r.Timestamp.IsZero() {
		v[0] = flagTimestamp
		v = binary.BigEndian.AppendUint64(v, uint64(r.Timestamp.UnixNano()))
	}
	return append(v, r.Value...)
}

func decodeRow(id string, value []byte) (proto.Record, error) {
	if len(value) < 1 {
		return proto.Record{}, errors.New("corrupted row")
	}
	rec := proto.Record{ID: id}
	flags, value := value[0], value[1:]
	if flags&flagTimestamp != 0 {
		if len(value) < 8 {
			return proto.Record{}, errors.New("corrupted row timestamp")
		}
		rec.Timestamp = time.Unix(0, int64(binary.BigEndian.Uint64(value))).UTC()
		value = value[8:]
	}
	// value is a private copy, no need to copy it again
	rec.Value = util.BytesToString(value)
	return rec, nil
}

func encodeCounter(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (r *rocksDB) Append(ctx context.Context, rows []proto.Record) error {
	if r.closed.Load() {
		return apierrors.Backend("append", apierrors.ErrBackendClosed)
	}
	if len(rows) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return apierrors.Backend("append", apierrors.ErrBackendClosed)
	}

	batch := r.kv.NewWriteBatch()
	defer batch.Close()
	seq := r.seq
	for _, row := range rows {
		seq++
		batch.Put(rowsCF, encodeKey(row, seq), encodeValue(row))
	}
	count := r.count + int64(len(rows))
	batch.Put(metaCF, seqKey, encodeCounter(seq))
	batch.Put(metaCF, countKey, encodeCounter(uint64(count)))

	if err := r.kv.Write(ctx, batch); err != nil {
		return apierrors.Backend("append", err)
	}
	r.seq, r.count = seq, count
	return nil
}

func (r *rocksDB) Lookup(ctx context.Context, key string) ([]proto.Record, error) {
	if r.closed.Load() {
		return nil, apierrors.Backend("lookup", apierrors.ErrBackendClosed)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return nil, apierrors.Backend("lookup", apierrors.ErrBackendClosed)
	}

	lr := r.kv.List(ctx, rowsCF, idPrefix(key))
	defer lr.Close()

	ret := make([]proto.Record, 0)
	for {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return nil, apierrors.Backend("lookup", err)
		}
		if k == nil {
			return ret, nil
		}
		rec, err := decodeRow(key, v)
		if err != nil {
			return nil, apierrors.Backend("lookup", err)
		}
		ret = append(ret, rec)
	}
}

func (r *rocksDB) Query(ctx context.Context, statement string) ([]proto.Record, error) {
	return nil, apierrors.Backend("query", apierrors.ErrUnsupportedStatement)
}

func (r *rocksDB) Count(ctx context.Context) (int64, error) {
	if r.closed.Load() {
		return 0, apierrors.Backend("count", apierrors.ErrBackendClosed)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count, nil
}

func (r *rocksDB) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	for _, col := range r.kv.GetAllColumns() {
		if err := r.kv.FlushCF(ctx, col); err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("flush %s of table %s failed: %s", col, r.table, err)
		}
	}
	r.kv.Close()
	return nil
}

// Usage reports the disk and memory usage of the underlying rocksdb.
func (r *rocksDB) Usage(ctx context.Context) (kvstore.Stats, error) {
	if r.closed.Load() {
		return kvstore.Stats{}, apierrors.Backend("usage", apierrors.ErrBackendClosed)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kv.Stats(ctx)
}
