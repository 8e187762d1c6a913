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

package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/shardtable/metrics"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	listener   net.Listener
	auditLog   auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	phs := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.cfg.AuditLogConfig.LogDir != "" {
		auditHandler, logCloser, err := auditlog.Open("SHARDSERVER", &h.cfg.AuditLogConfig)
		if err != nil {
			ln.Close()
			return err
		}
		phs = append(phs, auditHandler)
		h.auditLog = logCloser
	}
	httpServer := &http.Server{
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), phs...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer
	h.listener = ln

	log.Info("http server is running at:", ln.Addr().String())
	return nil
}

func (h *HttpServer) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.Stats, rpc.OptArgsQuery())

	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	r.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.shardServer.Stats(c.Request.Context()))
}
