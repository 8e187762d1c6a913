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
	"io"
	"strconv"
	"sync/atomic"

	"github.com/apache/arrow/go/v14/arrow/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cubefs/shardtable/common/kvstore"
	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/metrics"
	"github.com/cubefs/shardtable/proto"
	"github.com/cubefs/shardtable/router"
	"github.com/cubefs/shardtable/shardserver/store"
	"github.com/cubefs/shardtable/util/limiter"
)

type Config struct {
	ShardID string `json:"shard_id"`
	// Host and Port are advertised in flight endpoints.
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Table string `json:"table"`

	StoreConfig store.Config        `json:"store_config"`
	LimitConfig limiter.LimitConfig `json:"limit_config"`

	// VerifyOwnership rejects ingested rows whose id the ring built from
	// Registry assigns to another shard.
	VerifyOwnership bool                  `json:"verify_ownership"`
	Registry        router.RegistryConfig `json:"registry"`
	VirtualNodes    int                   `json:"virtual_nodes"`
}

type State uint32

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

type Stats struct {
	ShardID       string         `json:"shard_id"`
	Table         string         `json:"table"`
	Location      string         `json:"location"`
	Engine        store.Engine   `json:"engine"`
	State         string         `json:"state"`
	Records       int64          `json:"records"`
	IngestedRows  int64          `json:"ingested_rows"`
	ReturnedRows  int64          `json:"returned_rows"`
	BackendErrors int64          `json:"backend_errors"`
	Limiter       limiter.Status `json:"limiter"`
	Storage       *kvstore.Stats `json:"storage,omitempty"`
}

// ShardServer serves one table of one shard over arrow flight.
type ShardServer struct {
	flight.BaseFlightServer

	shardID string
	table   string
	engine  store.Engine
	addr    atomic.Pointer[proto.Shard]
	state   atomic.Uint32

	backend store.Backend
	limiter limiter.Limiter
	// ring is nil unless ownership is verified
	ring *router.Ring
	mem  memory.Allocator

	ingestedRows  atomic.Int64
	returnedRows  atomic.Int64
	backendErrors atomic.Int64
}

func NewShardServer(ctx context.Context, cfg *Config) (*ShardServer, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.ShardID == "" {
		return nil, apierrors.ErrInvalidShard
	}
	if cfg.Table == "" {
		cfg.Table = proto.DefaultTable
	}

	s := &ShardServer{
		shardID: cfg.ShardID,
		table:   cfg.Table,
		engine:  cfg.StoreConfig.Engine,
		limiter: limiter.NewLimiter(cfg.LimitConfig),
		mem:     memory.DefaultAllocator,
	}
	if s.engine == "" {
		s.engine = store.EngineDuckDB
	}
	s.SetAddr(cfg.Host, cfg.Port)

	if cfg.VerifyOwnership {
		shards, err := router.LoadRegistry(ctx, &cfg.Registry)
		if err != nil {
			return nil, err
		}
		ring, err := router.NewRing(shards, router.WithVirtualNodes(cfg.VirtualNodes))
		if err != nil {
			return nil, err
		}
		if _, ok := ring.Shard(cfg.ShardID); !ok {
			return nil, apierrors.Routing("verify ownership "+cfg.ShardID, apierrors.ErrUnknownShard)
		}
		s.ring = ring
		span.Infof("shard %s verifies ownership against %d shards", cfg.ShardID, ring.Len())
	}

	storeCfg := cfg.StoreConfig
	storeCfg.Table = cfg.Table
	backend, err := store.NewBackend(ctx, &storeCfg)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	s.state.Store(uint32(StateReady))

	span.Infof("shard %s ready, table %s, engine %s", s.shardID, s.table, s.engine)
	return s, nil
}

// SetAddr sets the address advertised to clients, once the listener is bound.
func (s *ShardServer) SetAddr(host string, port int) {
	s.addr.Store(&proto.Shard{ID: s.shardID, Host: host, Port: port})
}

func (s *ShardServer) Shard() proto.Shard {
	return *s.addr.Load()
}

func (s *ShardServer) State() State {
	return State(s.state.Load())
}

func (s *ShardServer) checkReady() error {
	if s.State() != StateReady {
		return apierrors.ErrNotReady
	}
	return nil
}

func (s *ShardServer) backendErr(op string, err error) error {
	s.backendErrors.Add(1)
	metrics.BackendErrors.WithLabelValues(s.shardID, op).Inc()
	return apierrors.ToStatus(err)
}

// DoPut ingests every batch of the stream in a single backend transaction and
// acknowledges once the rows are stored.
func (s *ShardServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	span := trace.SpanFromContextSafe(ctx)
	if err := s.checkReady(); err != nil {
		return apierrors.ToStatus(err)
	}
	if err := s.limiter.AcquireWrite(ctx); err != nil {
		return apierrors.ToStatus(err)
	}
	defer s.limiter.ReleaseWrite()

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read put stream: %s", err)
	}
	defer rdr.Release()

	if table := proto.TableFromDescriptor(rdr.LatestFlightDescriptor()); table != s.table {
		span.Warnf("put for table %q served by table %q", table, s.table)
	}
	if err = proto.CheckSchema(rdr.Schema()); err != nil {
		span.Warnf("reject put: %s", err)
		return apierrors.ToStatus(err)
	}

	var rows []proto.Record
	for rdr.Next() {
		batch, err := proto.RecordsFromBatch(rdr.Record())
		if err != nil {
			return apierrors.ToStatus(err)
		}
		rows = append(rows, batch...)
	}
	if err = rdr.Err(); err != nil && err != io.EOF {
		return status.Errorf(codes.InvalidArgument, "read put stream: %s", err)
	}

	if err = s.checkOwnership(rows); err != nil {
		span.Warnf("reject put: %s", err)
		return apierrors.ToStatus(err)
	}
	if err = s.limiter.WaitRows(ctx, len(rows)); err != nil {
		return status.FromContextError(err).Err()
	}
	if err = s.backend.Append(ctx, rows); err != nil {
		span.Errorf("append %d rows failed: %s", len(rows), errors.Detail(err))
		return s.backendErr("append", err)
	}
	s.ingestedRows.Add(int64(len(rows)))
	metrics.IngestedRows.WithLabelValues(s.shardID).Add(float64(len(rows)))

	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(len(rows)))})
}

func (s *ShardServer) checkOwnership(rows []proto.Record) error {
	if s.ring == nil {
		return nil
	}
	for _, r := range rows {
		owner, err := s.ring.Resolve(r.ID)
		if err != nil {
			return err
		}
		if owner != s.shardID {
			return apierrors.Routing("ingest key "+strconv.Quote(r.ID)+" owned by "+owner, apierrors.ErrMisrouted)
		}
	}
	return nil
}

// DoGet redeems a lookup ticket, or a raw select on engines that support it,
// and streams the rows back as one batch. No rows is a valid answer.
func (s *ShardServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := stream.Context()
	span := trace.SpanFromContextSafe(ctx)
	if err := s.checkReady(); err != nil {
		return apierrors.ToStatus(err)
	}

	ticket, err := proto.DecodeTicket(tkt.GetTicket())
	if err != nil {
		return apierrors.ToStatus(err)
	}
	if err = s.limiter.AcquireRead(ctx); err != nil {
		if err != apierrors.ErrLimitExceeded {
			return status.FromContextError(err).Err()
		}
		return apierrors.ToStatus(err)
	}
	defer s.limiter.ReleaseRead()

	var rows []proto.Record
	if ticket.Lookup != nil {
		if ticket.Lookup.Table != s.table {
			return apierrors.ToStatus(apierrors.Backend("lookup "+ticket.Lookup.Table, apierrors.ErrUnknownTable))
		}
		rows, err = s.backend.Lookup(ctx, ticket.Lookup.Key)
	} else {
		span.Debugf("raw statement ticket: %s", ticket.Statement)
		rows, err = s.backend.Query(ctx, ticket.Statement)
	}
	if err != nil {
		span.Warnf("get failed: %s", errors.Detail(err))
		return s.backendErr("get", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(proto.TableSchema), ipc.WithAllocator(s.mem))
	rec := proto.NewRecordBatch(s.mem, rows)
	defer rec.Release()
	if err = w.Write(rec); err != nil {
		w.Close()
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}

	s.returnedRows.Add(int64(len(rows)))
	metrics.ReturnedRows.WithLabelValues(s.shardID).Add(float64(len(rows)))
	return nil
}

// GetFlightInfo describes the table: its schema and this shard as the only endpoint.
func (s *ShardServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if err := s.checkReady(); err != nil {
		return nil, apierrors.ToStatus(err)
	}
	return s.flightInfo(ctx, desc), nil
}

func (s *ShardServer) flightInfo(ctx context.Context, desc *flight.FlightDescriptor) *flight.FlightInfo {
	count, err := s.backend.Count(ctx)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("count rows failed: %s", errors.Detail(err))
		count = -1
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(proto.TableSchema, s.mem),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket:   &flight.Ticket{Ticket: desc.GetCmd()},
			Location: []*flight.Location{{Uri: s.Shard().Location()}},
		}},
		TotalRecords: count,
		TotalBytes:   -1,
	}
}

func (s *ShardServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, apierrors.ToStatus(err)
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(proto.TableSchema, s.mem)}, nil
}

// ListFlights lists the single table of this shard.
func (s *ShardServer) ListFlights(c *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	if err := s.checkReady(); err != nil {
		return apierrors.ToStatus(err)
	}
	return stream.Send(s.flightInfo(stream.Context(), proto.TableDescriptor(s.table)))
}

func (s *ShardServer) Stats(ctx context.Context) Stats {
	records, err := s.backend.Count(ctx)
	if err != nil {
		records = -1
	}
	ret := Stats{
		ShardID:       s.shardID,
		Table:         s.table,
		Location:      s.Shard().Location(),
		Engine:        s.engine,
		State:         s.State().String(),
		Records:       records,
		IngestedRows:  s.ingestedRows.Load(),
		ReturnedRows:  s.returnedRows.Load(),
		BackendErrors: s.backendErrors.Load(),
		Limiter:       s.limiter.Status(),
	}
	if ur, ok := s.backend.(store.UsageReporter); ok {
		if usage, err := ur.Usage(ctx); err == nil {
			ret.Storage = &usage
		}
	}
	return ret
}

func (s *ShardServer) Limiter() limiter.Limiter {
	return s.limiter
}

func (s *ShardServer) Close() error {
	return s.backend.Close()
}
