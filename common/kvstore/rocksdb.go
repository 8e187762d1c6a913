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
	"errors"
	"os"
	"strconv"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		started  bool
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
		err   error
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cols := make([]CF, 0, len(option.ColumnFamily)+1)
	cols = append(cols, defaultCF)
	for _, col := range option.ColumnFamily {
		if col != defaultCF {
			cols = append(cols, col)
		}
	}
	cfNames := make([]string, len(cols))
	cfOpts := make([]*rdb.Options, len(cols))
	for i := range cols {
		cfNames[i] = cols[i].String()
		cfOpts[i] = dbOpt
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		dbOpt.Destroy()
		return nil, err
	}
	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle, len(cfhs))
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)

	return &rocksdb{
		path:      path,
		db:        db,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (s *rocksdb) getColumnFamily(col CF) (*rdb.ColumnFamilyHandle, error) {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	cf, ok := s.cfHandles[col]
	s.lock.RUnlock()
	if !ok {
		return nil, ErrUnknownColumn
	}
	return cf, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return nil, err
	}
	v, err := s.db.GetCF(s.readOpt, cf, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	value := make([]byte, v.Size())
	copy(value, v.Data())
	return value, nil
}

// List iterates the keys of col starting with prefix. A nil prefix walks the
// whole column.
func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte) ListReader {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return &errListReader{err: err}
	}
	t := s.db.NewIteratorCF(s.readOpt, cf)
	if prefix != nil {
		t.Seek(prefix)
	} else {
		t.SeekToFirst()
	}
	return &listReader{iterator: t, prefix: prefix}
}

func (lr *listReader) ReadNextCopy() ([]byte, []byte, error) {
	if lr.started {
		lr.iterator.Next()
	}
	lr.started = true
	if err := lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}

	k, v := lr.iterator.Key(), lr.iterator.Value()
	defer k.Free()
	defer v.Free()
	key := make([]byte, k.Size())
	copy(key, k.Data())
	value := make([]byte, v.Size())
	copy(value, v.Data())
	return key, value, nil
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

type errListReader struct {
	err error
}

func (lr *errListReader) ReadNextCopy() ([]byte, []byte, error) { return nil, nil, lr.err }
func (lr *errListReader) Close()                                {}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	cf, err := w.s.getColumnFamily(col)
	if err != nil {
		w.err = err
		return
	}
	w.batch.PutCF(cf, key, value)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

// Write applies the batch atomically.
func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	wb := batch.(*writeBatch)
	if wb.err != nil {
		return wb.err
	}
	return s.db.Write(s.writeOpt, wb.batch)
}

func (s *rocksdb) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cfHandles {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	cf, err := s.getColumnFamily(col)
	if err != nil {
		return err
	}
	return s.db.FlushCF(s.flushOpt, cf)
}

func (s *rocksdb) Stats(ctx context.Context) (stats Stats, err error) {
	var (
		size                     int64
		totalIndexAndFilterUsage uint64
		totalMemtableUsage       uint64
	)
	files := s.db.GetLiveFilesMetaData()
	for i := range files {
		size += files[i].Size
	}

	s.lock.RLock()
	for _, cf := range s.cfHandles {
		indexAndFilterUsage, _ := strconv.ParseUint(s.db.GetPropertyCF("rocksdb.estimate-table-readers-mem", cf), 10, 64)
		memtableUsage, _ := strconv.ParseUint(s.db.GetPropertyCF("rocksdb.cur-size-all-mem-tables", cf), 10, 64)
		totalIndexAndFilterUsage += indexAndFilterUsage
		totalMemtableUsage += memtableUsage
	}
	s.lock.RUnlock()
	blockCacheUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-usage"), 10, 64)
	stats = Stats{
		Used: uint64(size),
		MemoryUsage: MemoryUsage{
			BlockCacheUsage:     blockCacheUsage,
			IndexAndFilterUsage: totalIndexAndFilterUsage,
			MemtableUsage:       totalMemtableUsage,
			Total:               blockCacheUsage + totalIndexAndFilterUsage + totalMemtableUsage,
		},
	}
	return
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func genRocksdbOpts(opt *Option) *rdb.Options {
	opts := rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	opts.SetCreateIfMissingColumnFamilies(true)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.KeepLogFileNum > 0 {
		opts.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	switch opt.CompactionStyle {
	case FIFOStyle:
		opts.SetCompactionStyle(rdb.FIFOCompactionStyle)
	case LevelStyle:
		opts.SetCompactionStyle(rdb.LevelCompactionStyle)
	case UniversalStyle:
		opts.SetCompactionStyle(rdb.UniversalCompactionStyle)
	}
	opts.SetStatsDumpPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	return opts
}
