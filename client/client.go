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

package client

import (
	"context"
	"io"

	"github.com/apache/arrow/go/v14/arrow/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

// Client talks to a single shard server over arrow flight.
type Client struct {
	addr string
	tc   TransportConfig
	mem  memory.Allocator

	flight.Client
}

func NewClient(addr string, cfg *TransportConfig) (*Client, error) {
	tc := TransportConfig{}
	if cfg != nil {
		tc = *cfg
	}
	tc.checkAndFix()

	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, generateDialOpts(&tc)...)
	if err != nil {
		return nil, apierrors.Transport("dial "+addr, err)
	}
	return &Client{
		addr:   addr,
		tc:     tc,
		mem:    memory.DefaultAllocator,
		Client: fc,
	}, nil
}

func (c *Client) Address() string {
	return c.addr
}

// Put streams rows into table as one batch and waits for the shard to acknowledge.
func (c *Client) Put(ctx context.Context, table string, rows []proto.Record) error {
	ctx, cancel := c.tc.withTimeout(ctx)
	defer cancel()
	span := trace.SpanFromContextSafe(ctx)

	stream, err := c.Client.DoPut(ctx)
	if err != nil {
		return apierrors.Transport("do put "+c.addr, err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(proto.TableSchema), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(proto.TableDescriptor(table))
	rec := proto.NewRecordBatch(c.mem, rows)
	defer rec.Release()

	if err = w.Write(rec); err != nil {
		w.Close()
		return c.putErr(stream, "write batch", err)
	}
	if err = w.Close(); err != nil {
		return c.putErr(stream, "close writer", err)
	}
	if err = stream.CloseSend(); err != nil {
		return apierrors.Transport("close send "+c.addr, err)
	}

	acked := false
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apierrors.Transport("put result "+c.addr, err)
		}
		acked = true
		span.Debugf("put %d rows to %s acked: %s", len(rows), c.addr, res.GetAppMetadata())
	}
	if !acked {
		return apierrors.Transport("put result "+c.addr, apierrors.ErrMissingAck)
	}
	return nil
}

// putErr prefers the status the server closed the stream with over a local send error.
func (c *Client) putErr(stream flight.FlightService_DoPutClient, op string, err error) error {
	if err == io.EOF {
		if _, rerr := stream.Recv(); rerr != nil && rerr != io.EOF {
			err = rerr
		}
	}
	return apierrors.Transport(op+" "+c.addr, err)
}

// Lookup returns every row of table whose id equals key.
func (c *Client) Lookup(ctx context.Context, table, key string) ([]proto.Record, error) {
	ticket, err := proto.EncodeLookup(table, key)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, ticket)
}

// Query runs a raw read-only statement on the shard.
func (c *Client) Query(ctx context.Context, statement string) ([]proto.Record, error) {
	return c.Get(ctx, []byte(statement))
}

// Get redeems ticket and materializes the whole result.
func (c *Client) Get(ctx context.Context, ticket []byte) ([]proto.Record, error) {
	ctx, cancel := c.tc.withTimeout(ctx)
	defer cancel()

	stream, err := c.Client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, apierrors.Transport("do get "+c.addr, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, apierrors.Transport("read stream "+c.addr, err)
	}
	defer rdr.Release()

	if err = proto.CheckSchema(rdr.Schema()); err != nil {
		return nil, err
	}
	rows := make([]proto.Record, 0)
	for rdr.Next() {
		batch, err := proto.RecordsFromBatch(rdr.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err = rdr.Err(); err != nil && err != io.EOF {
		return nil, apierrors.Transport("read stream "+c.addr, err)
	}
	return rows, nil
}

// Describe fetches the schema and endpoints the shard reports for table.
func (c *Client) Describe(ctx context.Context, table string) (*proto.TableInfo, error) {
	ctx, cancel := c.tc.withTimeout(ctx)
	defer cancel()

	info, err := c.Client.GetFlightInfo(ctx, proto.TableDescriptor(table))
	if err != nil {
		return nil, apierrors.Transport("get flight info "+c.addr, err)
	}
	return c.tableInfo(table, info)
}

// Tables lists the tables the shard serves.
func (c *Client) Tables(ctx context.Context) ([]*proto.TableInfo, error) {
	ctx, cancel := c.tc.withTimeout(ctx)
	defer cancel()

	stream, err := c.Client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, apierrors.Transport("list flights "+c.addr, err)
	}
	var ret []*proto.TableInfo
	for {
		info, err := stream.Recv()
		if err == io.EOF {
			return ret, nil
		}
		if err != nil {
			return nil, apierrors.Transport("list flights "+c.addr, err)
		}
		ti, err := c.tableInfo(proto.TableFromDescriptor(info.GetFlightDescriptor()), info)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ti)
	}
}

func (c *Client) tableInfo(table string, info *flight.FlightInfo) (*proto.TableInfo, error) {
	schema, err := flight.DeserializeSchema(info.GetSchema(), c.mem)
	if err != nil {
		return nil, apierrors.Schema("decode schema "+c.addr, err)
	}
	if err = proto.CheckSchema(schema); err != nil {
		return nil, err
	}
	ti := &proto.TableInfo{
		Table:   table,
		Schema:  schema,
		Records: info.GetTotalRecords(),
	}
	for _, ep := range info.GetEndpoint() {
		for _, loc := range ep.GetLocation() {
			ti.Endpoints = append(ti.Endpoints, loc.GetUri())
		}
	}
	return ti, nil
}
