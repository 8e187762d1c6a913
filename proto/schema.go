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

package proto

import (
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	apierrors "github.com/cubefs/shardtable/errors"
)

// TableSchema is the fixed schema shared by every shard.
var TableSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnID, Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: ColumnValue, Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: ColumnTimestamp, Type: &arrow.TimestampType{Unit: arrow.Nanosecond}, Nullable: true},
}, nil)

// TableInfo is what a shard reports about its table.
type TableInfo struct {
	Table     string
	Schema    *arrow.Schema
	Endpoints []string
	Records   int64
}

// CheckSchema accepts any batch whose columns are (string, string, timestamp)
// with the table's column names; the timestamp unit may differ.
func CheckSchema(s *arrow.Schema) error {
	if s == nil {
		return apierrors.Schema("check schema", fmt.Errorf("%w: nil schema", apierrors.ErrSchemaMismatch))
	}
	if s.NumFields() != TableSchema.NumFields() {
		return apierrors.Schema("check schema", fmt.Errorf("%w: want %d fields, got %d",
			apierrors.ErrSchemaMismatch, TableSchema.NumFields(), s.NumFields()))
	}
	for i, want := range TableSchema.Fields() {
		got := s.Field(i)
		if got.Name != want.Name {
			return apierrors.Schema("check schema", fmt.Errorf("%w: field %d is %q, want %q",
				apierrors.ErrSchemaMismatch, i, got.Name, want.Name))
		}
		if want.Type.ID() == arrow.TIMESTAMP {
			if got.Type.ID() != arrow.TIMESTAMP {
				return apierrors.Schema("check schema", fmt.Errorf("%w: field %q has type %s",
					apierrors.ErrSchemaMismatch, got.Name, got.Type))
			}
			continue
		}
		if !arrow.TypeEqual(got.Type, want.Type) {
			return apierrors.Schema("check schema", fmt.Errorf("%w: field %q has type %s, want %s",
				apierrors.ErrSchemaMismatch, got.Name, got.Type, want.Type))
		}
	}
	return nil
}

// NewRecordBatch builds one arrow batch from rows. The caller releases it.
func NewRecordBatch(mem memory.Allocator, rows []Record) arrow.Record {
	b := array.NewRecordBuilder(mem, TableSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	values := b.Field(1).(*array.StringBuilder)
	ts := b.Field(2).(*array.TimestampBuilder)
	ids.Reserve(len(rows))
	values.Reserve(len(rows))
	ts.Reserve(len(rows))
	for _, r := range rows {
		ids.Append(r.ID)
		values.Append(r.Value)
		if r.Timestamp.IsZero() {
			ts.AppendNull()
			continue
		}
		ts.Append(arrow.Timestamp(r.Timestamp.UnixNano()))
	}
	return b.NewRecord()
}

// RecordsFromBatch decodes an arrow batch into rows after checking its schema.
func RecordsFromBatch(rec arrow.Record) ([]Record, error) {
	if err := CheckSchema(rec.Schema()); err != nil {
		return nil, err
	}
	ids, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, apierrors.Schema("decode batch", fmt.Errorf("%w: id column is %T", apierrors.ErrSchemaMismatch, rec.Column(0)))
	}
	values, ok := rec.Column(1).(*array.String)
	if !ok {
		return nil, apierrors.Schema("decode batch", fmt.Errorf("%w: value column is %T", apierrors.ErrSchemaMismatch, rec.Column(1)))
	}
	ts, ok := rec.Column(2).(*array.Timestamp)
	if !ok {
		return nil, apierrors.Schema("decode batch", fmt.Errorf("%w: timestamp column is %T", apierrors.ErrSchemaMismatch, rec.Column(2)))
	}
	unit := rec.Schema().Field(2).Type.(*arrow.TimestampType).Unit

	n := int(rec.NumRows())
	rows := make([]Record, n)
	for i := 0; i < n; i++ {
		if ids.IsValid(i) {
			rows[i].ID = ids.Value(i)
		}
		if values.IsValid(i) {
			rows[i].Value = values.Value(i)
		}
		if ts.IsValid(i) {
			rows[i].Timestamp = ts.Value(i).ToTime(unit)
		}
	}
	return rows, nil
}
