// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres reads and writes PostgreSQL tables.
//
//	postgres/database   provider
//	postgres/table      source: rows in key order, resumable by key
//	postgres/copy       target: records bulk-loaded with COPY
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "postgres"

// Tag is the client tag of the database provider.
const Tag registry.ClientTag = "postgres"

const (
	DefaultPageSize  = 500
	DefaultBatchSize = 1000
)

// Querier is the subset of *pgxpool.Pool the streams use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Credentials configure postgres/database.
type Credentials struct {
	DSN      string `json:"dsn" validate:"required"`
	MaxConns int32  `json:"maxConns" validate:"omitempty,min=1"`
}

// Connector opens a Querier and returns its close function.
type Connector func(ctx context.Context, creds Credentials) (Querier, func(), error)

// Pool connects with pgxpool and pings once.
func Pool(ctx context.Context, creds Credentials) (Querier, func(), error) {
	cfg, err := pgxpool.ParseConfig(creds.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	if creds.MaxConns > 0 {
		cfg.MaxConns = creds.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return pool, pool.Close, nil
}

// Module returns the postgres module connecting with Pool.
func Module() registry.Module {
	return NewModule(Pool)
}

// NewModule returns the postgres module using connect for the provider.
func NewModule(connect Connector) registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "database",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(ctx context.Context, credentials any) (*registry.Client, error) {
				q, closeFn, err := connect(ctx, credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{
					Value: q,
					Disconnect: func(context.Context) error {
						if closeFn != nil {
							closeFn()
						}
						return nil
					},
				}, nil
			},
		}},
		Streams: []registry.Stream{tableSource(), copyTarget()},
	}
}

// TableParams configure postgres/table. Key must be unique and ordered;
// rows are read in pages of PageSize with keyset pagination.
type TableParams struct {
	Table    string   `json:"table" validate:"required"`
	Schema   string   `json:"schema"`
	Key      string   `json:"key" validate:"required"`
	Columns  []string `json:"columns"`
	PageSize int      `json:"pageSize" validate:"omitempty,min=1"`
}

// Cursor is the resumption context of postgres/table: the key of the last
// row read. A nil After starts from the first row.
type Cursor struct {
	After any `json:"after"`
}

func tableSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "table",
		Tag:     Tag,
		Params:  schema.Struct[TableParams](),
		Context: schema.Struct[Cursor](),
		Output:  registry.TypeRecord,
		ReadFn: func(ctx context.Context, client any, resume any, params any, emit registry.Emit) error {
			return ReadTable(ctx, client.(Querier), params.(TableParams), resume.(Cursor), emit)
		},
	}
}

func identifier(schemaName, table string) pgx.Identifier {
	if schemaName == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schemaName, table}
}

func pageQuery(p TableParams, first bool) string {
	cols := "*"
	if len(p.Columns) > 0 {
		quoted := make([]string, len(p.Columns))
		for i, c := range p.Columns {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		cols = strings.Join(quoted, ", ")
	}
	key := pgx.Identifier{p.Key}.Sanitize()
	table := identifier(p.Schema, p.Table).Sanitize()
	if first {
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT $1", cols, table, key)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > $2 ORDER BY %s LIMIT $1", cols, table, key, key)
}

// ReadTable emits every row after cur in key order.
func ReadTable(ctx context.Context, q Querier, p TableParams, cur Cursor, emit registry.Emit) error {
	size := p.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	after := keyValue(cur.After)
	for {
		args := []any{size}
		if after != nil {
			args = append(args, after)
		}
		n, last, err := readPage(ctx, q, pageQuery(p, after == nil), args, p.Key, emit)
		if err != nil {
			return err
		}
		if n < size {
			return nil
		}
		after = last
	}
}

func readPage(ctx context.Context, q Querier, sql string, args []any, key string, emit registry.Emit) (int, any, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return 0, nil, pipeerr.Storage("postgres query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	n := 0
	var last any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return n, last, pipeerr.Storage("postgres scan", err)
		}
		rec := make(map[string]any, len(fields))
		for i, f := range fields {
			rec[f.Name] = values[i]
		}
		k, ok := rec[key]
		if !ok {
			return n, last, pipeerr.Permanent(fmt.Errorf("key column %q not selected", key))
		}
		n++
		last = k
		if err := emit(rec, Cursor{After: k}); err != nil {
			return n, last, err
		}
	}
	if err := rows.Err(); err != nil {
		return n, last, pipeerr.Storage("postgres query", err)
	}
	return n, last, nil
}

// keyValue turns a key decoded from a saved checkpoint back into a value
// pgx encodes for integer columns.
func keyValue(v any) any {
	switch k := v.(type) {
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i
		}
		if f, err := k.Float64(); err == nil {
			return f
		}
		return k.String()
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1<<53 {
			return int64(k)
		}
	}
	return v
}

// CopyParams configure postgres/copy. Columns default to the sorted keys
// of the first record of each batch.
type CopyParams struct {
	Table     string   `json:"table" validate:"required"`
	Schema    string   `json:"schema"`
	Columns   []string `json:"columns"`
	BatchSize int      `json:"batchSize" validate:"omitempty,min=1"`
}

func copyTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "copy",
		Tag:    Tag,
		Params: schema.Struct[CopyParams](),
		Input:  registry.TypeRecord,
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			_, err := CopyRecords(ctx, client.(Querier), params.(CopyParams), items)
			return err
		},
	}
}

// CopyRecords loads items in batches and returns the rows copied.
func CopyRecords(ctx context.Context, q Querier, p CopyParams, items <-chan any) (int64, error) {
	size := p.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	var total int64
	batch := make([]map[string]any, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		cols := p.Columns
		if len(cols) == 0 {
			cols = sortedKeys(batch[0])
		}
		rows := make([][]any, len(batch))
		for i, rec := range batch {
			row := make([]any, len(cols))
			for j, c := range cols {
				row[j] = rec[c]
			}
			rows[i] = row
		}
		n, err := q.CopyFrom(ctx, identifier(p.Schema, p.Table), cols, pgx.CopyFromRows(rows))
		if err != nil {
			return pipeerr.Storage("postgres copy", err)
		}
		total += n
		batch = batch[:0]
		return nil
	}
	for item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return total, pipeerr.Permanent(fmt.Errorf("postgres/copy expects records, got %T", item))
		}
		batch = append(batch, rec)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
