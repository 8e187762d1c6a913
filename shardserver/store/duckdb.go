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
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	_ "github.com/marcboeker/go-duckdb"

	apierrors "github.com/cubefs/shardtable/errors"
	"github.com/cubefs/shardtable/proto"
)

const duckdbDriver = "duckdb"

type duckdb struct {
	db     *sql.DB
	table  string
	closed atomic.Bool

	insertSQL string
	lookupSQL string
	countSQL  string
}

func newDuckDB(ctx context.Context, cfg *Config) (Backend, error) {
	span := trace.SpanFromContextSafe(ctx)

	db, err := sql.Open(duckdbDriver, cfg.Path)
	if err != nil {
		return nil, apierrors.Backend("open duckdb "+cfg.Path, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	table := quoteIdent(cfg.Table)
	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s VARCHAR, %s VARCHAR, %s TIMESTAMP)`,
		table, quoteIdent(proto.ColumnID), quoteIdent(proto.ColumnValue), quoteIdent(proto.ColumnTimestamp))
	if _, err = db.ExecContext(ctx, createSQL); err != nil {
		db.Close()
		return nil, apierrors.Backend("create table "+cfg.Table, err)
	}
	span.Infof("duckdb table %s ready at %q", cfg.Table, cfg.Path)

	columns := quoteIdent(proto.ColumnID) + ", " + quoteIdent(proto.ColumnValue) + ", " + quoteIdent(proto.ColumnTimestamp)
	return &duckdb{
		db:        db,
		table:     cfg.Table,
		insertSQL: fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?)`, table, columns),
		lookupSQL: fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY %s`,
			columns, table, quoteIdent(proto.ColumnID), quoteIdent(proto.ColumnTimestamp)),
		countSQL: fmt.Sprintf(`SELECT count(*) FROM %s`, table),
	}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *duckdb) Table() string {
	return d.table
}

func (d *duckdb) Append(ctx context.Context, rows []proto.Record) (err error) {
	if d.closed.Load() {
		return apierrors.Backend("append", apierrors.ErrBackendClosed)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apierrors.Backend("append begin", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, d.insertSQL)
	if err != nil {
		return apierrors.Backend("append prepare", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var ts interface{}
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.UTC()
		}
		if _, err = stmt.ExecContext(ctx, r.ID, r.Value, ts); err != nil {
			return apierrors.Backend("append insert", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return apierrors.Backend("append commit", err)
	}
	return nil
}

func (d *duckdb) Lookup(ctx context.Context, key string) ([]proto.Record, error) {
	if d.closed.Load() {
		return nil, apierrors.Backend("lookup", apierrors.ErrBackendClosed)
	}
	rows, err := d.db.QueryContext(ctx, d.lookupSQL, key)
	if err != nil {
		return nil, apierrors.Backend("lookup", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Query runs a raw select inside a transaction that is always rolled back.
func (d *duckdb) Query(ctx context.Context, statement string) ([]proto.Record, error) {
	if d.closed.Load() {
		return nil, apierrors.Backend("query", apierrors.ErrBackendClosed)
	}
	stmt, err := checkReadOnly(statement)
	if err != nil {
		return nil, apierrors.Backend("query", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierrors.Backend("query begin", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, apierrors.Backend("query", fmt.Errorf("%w: %s", apierrors.ErrInvalidStatement, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apierrors.Backend("query columns", err)
	}
	want := []string{proto.ColumnID, proto.ColumnValue, proto.ColumnTimestamp}
	if len(cols) != len(want) {
		return nil, apierrors.Schema("query", fmt.Errorf("%w: statement returns columns %v", apierrors.ErrSchemaMismatch, cols))
	}
	for i := range want {
		if !strings.EqualFold(cols[i], want[i]) {
			return nil, apierrors.Schema("query", fmt.Errorf("%w: statement returns columns %v", apierrors.ErrSchemaMismatch, cols))
		}
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]proto.Record, error) {
	ret := make([]proto.Record, 0)
	for rows.Next() {
		var (
			id, value sql.NullString
			ts        sql.NullTime
		)
		if err := rows.Scan(&id, &value, &ts); err != nil {
			return nil, apierrors.Backend("scan", err)
		}
		r := proto.Record{ID: id.String, Value: value.String}
		if ts.Valid {
			r.Timestamp = ts.Time.UTC()
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.Backend("scan", err)
	}
	return ret, nil
}

// checkReadOnly accepts exactly one SELECT statement, with an optional
// trailing semicolon. Semicolons inside quoted literals or identifiers do not
// split statements.
func checkReadOnly(statement string) (string, error) {
	s := strings.TrimSpace(statement)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	if s == "" || hasStatementSeparator(s) {
		return "", apierrors.ErrNotReadOnly
	}
	fields := strings.Fields(s)
	if !strings.EqualFold(fields[0], "select") {
		return "", apierrors.ErrNotReadOnly
	}
	return s, nil
}

// hasStatementSeparator reports a ';' outside '...' and "..." quotes. A
// doubled quote escapes itself and toggles twice, so it needs no special case.
func hasStatementSeparator(s string) bool {
	var quote rune
	for _, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			return true
		}
	}
	return false
}

func (d *duckdb) Count(ctx context.Context) (int64, error) {
	if d.closed.Load() {
		return 0, apierrors.Backend("count", apierrors.ErrBackendClosed)
	}
	var n int64
	if err := d.db.QueryRowContext(ctx, d.countSQL).Scan(&n); err != nil {
		return 0, apierrors.Backend("count", err)
	}
	return n, nil
}

func (d *duckdb) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}
