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
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/shardtable/server"
	"github.com/cubefs/shardtable/shardserver/store"
)

// Config service config
type Config struct {
	server.Config

	DataDir       string    `json:"data_dir"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

var (
	port     = flag.Int("port", 0, "flight port of this shard")
	shard    = flag.String("shard", "", "shard id")
	confFile = flag.String("f", "", "json config file")
)

func main() {
	flag.Parse()

	cfg := &Config{}
	if *confFile != "" {
		if err := config.LoadFile(cfg, *confFile); err != nil {
			log.Fatal(errors.Detail(err))
		}
	}
	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "shardserver")
	startServer, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		span.Fatalf("open shard %s failed: %s", cfg.ShardID, errors.Detail(err))
	}

	// start http server
	var httpServer *server.HttpServer
	if cfg.HttpBindPort > 0 {
		httpServer = server.NewHttpServer(startServer)
		if err = httpServer.Serve(net.JoinHostPort(cfg.BindHost, strconv.Itoa(int(cfg.HttpBindPort)))); err != nil {
			span.Fatalf("start http server failed: %s", err)
		}
	}

	// start flight server
	rpcServer := server.NewRPCServer(startServer)
	if err = rpcServer.Serve(net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port))); err != nil {
		span.Fatalf("bind shard %s on port %d failed: %s", cfg.ShardID, cfg.Port, err)
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	rpcServer.Stop()
	if httpServer != nil {
		httpServer.Stop()
	}
	startServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

// initConfig overlays the command line on the config file.
func initConfig(cfg *Config) {
	if *port > 0 {
		cfg.Port = *port
	}
	if *shard != "" {
		cfg.ShardID = *shard
	}
	if cfg.ShardID == "" {
		log.Fatalf("shard id must be set")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		log.Fatalf("invalid port %d", cfg.Port)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.StoreConfig.Path == "" {
		switch cfg.StoreConfig.Engine {
		case store.EngineRocksDB:
			cfg.StoreConfig.Path = filepath.Join(cfg.DataDir, cfg.ShardID)
		default:
			cfg.StoreConfig.Path = filepath.Join(cfg.DataDir, cfg.ShardID+".db")
		}
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
}
