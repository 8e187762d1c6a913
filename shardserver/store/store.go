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
	"os"
	"path/filepath"

	"github.com/cubefs/shardtable/common/kvstore"
	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

type Engine string

const (
	EngineDuckDB  = Engine("duckdb")
	EngineRocksDB = Engine("rocksdb")
)

type Config struct {
	// Engine defaults to duckdb.
	Engine Engine `json:"engine"`
	// Path is the database file for duckdb, empty for an in-memory database,
	// and the data directory for rocksdb.
	Path  string `json:"path"`
	Table string `json:"table"`

	MaxOpenConns int            `json:"max_open_conns"`
	KVOption     kvstore.Option `json:"kv_option"`
}

// Backend holds the single table of a shard. Implementations are safe for
// concurrent use; Append is all or nothing.
type Backend interface {
	Table() string
	// Append inserts rows in one transaction.
	Append(ctx context.Context, rows []proto.Record) error
	// Lookup returns the rows whose id equals key, oldest first.
	Lookup(ctx context.Context, key string) ([]proto.Record, error)
	// Query runs a single read-only statement producing the table schema.
	Query(ctx context.Context, statement string) ([]proto.Record, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// UsageReporter is implemented by engines that can report their storage usage.
type UsageReporter interface {
	Usage(ctx context.Context) (kvstore.Stats, error)
}

// NewBackend opens the engine named by cfg and creates the table if absent.
func NewBackend(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg.Table == "" {
		cfg.Table = proto.DefaultTable
	}
	switch cfg.Engine {
	case "", EngineDuckDB:
		if cfg.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, apierrors.Backend("open duckdb", err)
			}
		}
		return newDuckDB(ctx, cfg)
	case EngineRocksDB:
		return newRocksDB(ctx, cfg)
	default:
		return nil, apierrors.Backend("open "+string(cfg.Engine), apierrors.ErrUnknownEngine)
	}
}
