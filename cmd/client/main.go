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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/uuid"

	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/router"
	"github.com/cubefs/shardtable/single"
	"github.com/cubefs/shardtable/util"
)

var (
	confFile = flag.String("f", "", "json router config file")
	key      = flag.String("key", "", "key to write, a random uuid if empty")
	value    = flag.String("value", "test-value", "value to write")
	local    = flag.Int("local", 0, "start this many shards in process instead of dialing a cluster")
)

// defaultShards is the local three shard layout.
var defaultShards = []proto.Shard{
	{ID: "shard0", Host: "localhost", Port: 10000},
	{ID: "shard1", Host: "localhost", Port: 10001},
	{ID: "shard2", Host: "localhost", Port: 10002},
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := &router.Config{}
	if *confFile != "" {
		if err := config.LoadFile(cfg, *confFile); err != nil {
			log.Error(errors.Detail(err))
			return err
		}
	}
	if len(cfg.Registry.Shards) == 0 && cfg.Registry.File == "" && cfg.Registry.Redis == nil {
		cfg.Registry.Shards = defaultShards
	}

	var r *router.Router
	if *local > 0 {
		dir, err := util.GenTmpPath()
		if err != nil {
			log.Error(err)
			return err
		}
		defer os.RemoveAll(dir)
		cluster, err := single.NewServer(context.Background(), &single.Config{
			ShardCount:      *local,
			DataDir:         dir,
			Table:           cfg.Table,
			VirtualNodes:    cfg.VirtualNodes,
			TransportConfig: cfg.TransportConfig,
		})
		if err != nil {
			log.Errorf("start local cluster failed: %s", errors.Detail(err))
			return err
		}
		defer cluster.Stop()
		r = cluster.Router()
	} else {
		var err error
		if r, err = router.New(cfg); err != nil {
			log.Errorf("new router failed: %s", errors.Detail(err))
			return err
		}
		defer r.Close()
	}

	if *key == "" {
		*key = uuid.NewString()
	}
	span, ctx := trace.StartSpanFromContext(context.Background(), "client")

	written, err := r.Write(ctx, *key, *value)
	if err != nil {
		span.Errorf("write %s failed: %s", *key, errors.Detail(err))
		return err
	}
	fmt.Printf("Key: %s\n", *key)
	fmt.Printf("Value: %s\n", *value)
	fmt.Printf("Written to: %s\n", written)

	result, read, err := r.Read(ctx, *key)
	if err != nil {
		fmt.Printf("Error reading data: %s\n", err)
		return nil
	}
	fmt.Printf("Read from: %s\n", read)
	for _, rec := range result.Records {
		fmt.Printf("Read result: id=%s value=%s timestamp=%s\n", rec.ID, rec.Value, rec.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"))
	}
	return nil
}
