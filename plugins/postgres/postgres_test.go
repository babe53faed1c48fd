// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/plugins/core"
	"github.com/AleutianAI/AleutianFlow/plugins/plugintest"
	"github.com/AleutianAI/AleutianFlow/services/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func collect(out *[]any, cursors *[]any) func(any, any) error {
	return func(data, resume any) error {
		*out = append(*out, data)
		*cursors = append(*cursors, resume)
		return nil
	}
}

func TestPageQuery(t *testing.T) {
	p := TableParams{Table: "events", Schema: "app", Key: "id", Columns: []string{"id", "body"}}
	assert.Equal(t, `SELECT "id", "body" FROM "app"."events" ORDER BY "id" LIMIT $1`, pageQuery(p, true))
	assert.Equal(t, `SELECT * FROM "t" WHERE "id" > $2 ORDER BY "id" LIMIT $1`, pageQuery(TableParams{Table: "t", Key: "id"}, false))
}

func TestReadTable_Pages(t *testing.T) {
	mock := newMock(t)
	p := TableParams{Table: "t", Key: "id", PageSize: 2}

	mock.ExpectQuery(regexp.QuoteMeta(pageQuery(p, true))).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "a").AddRow(int64(2), "b"))
	mock.ExpectQuery(regexp.QuoteMeta(pageQuery(p, false))).
		WithArgs(2, int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "c"))

	var out, cursors []any
	require.NoError(t, ReadTable(context.Background(), mock, p, Cursor{}, collect(&out, &cursors)))

	require.Len(t, out, 3)
	assert.Equal(t, map[string]any{"id": int64(3), "name": "c"}, out[2])
	assert.Equal(t, Cursor{After: int64(2)}, cursors[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadTable_ResumesAfterSavedKey(t *testing.T) {
	mock := newMock(t)
	p := TableParams{Table: "t", Key: "id", PageSize: 10}

	mock.ExpectQuery(regexp.QuoteMeta(pageQuery(p, false))).
		WithArgs(10, int64(41)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	var out, cursors []any
	require.NoError(t, ReadTable(context.Background(), mock, p, Cursor{After: 41.0}, collect(&out, &cursors)))
	assert.Len(t, out, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadTable_QueryError(t *testing.T) {
	mock := newMock(t)
	p := TableParams{Table: "t", Key: "id"}
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("relation does not exist"))

	var out, cursors []any
	err := ReadTable(context.Background(), mock, p, Cursor{}, collect(&out, &cursors))
	assert.ErrorContains(t, err, "relation does not exist")
}

func TestReadTable_KeyNotSelected(t *testing.T) {
	mock := newMock(t)
	p := TableParams{Table: "t", Key: "id", Columns: []string{"name"}}
	mock.ExpectQuery("SELECT").
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("a"))

	var out, cursors []any
	err := ReadTable(context.Background(), mock, p, Cursor{}, collect(&out, &cursors))
	assert.ErrorContains(t, err, `key column "id" not selected`)
}

func TestKeyValue(t *testing.T) {
	assert.Equal(t, int64(7), keyValue(json.Number("7")))
	assert.Equal(t, 7.5, keyValue(json.Number("7.5")))
	assert.Equal(t, int64(7), keyValue(7.0))
	assert.Equal(t, 7.5, keyValue(7.5))
	assert.Equal(t, "k-9", keyValue("k-9"))
	assert.Nil(t, keyValue(nil))
}

func TestCopyRecords(t *testing.T) {
	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"t"}, []string{"a", "b"}).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"t"}, []string{"a", "b"}).WillReturnResult(1)

	items := make(chan any, 3)
	items <- map[string]any{"a": 1, "b": "x"}
	items <- map[string]any{"a": 2, "b": "y"}
	items <- map[string]any{"a": 3}
	close(items)

	n, err := CopyRecords(context.Background(), mock, CopyParams{Table: "t", Columns: []string{"a", "b"}, BatchSize: 2}, items)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyRecords_RejectsNonRecords(t *testing.T) {
	mock := newMock(t)
	items := make(chan any, 1)
	items <- "row"
	close(items)
	_, err := CopyRecords(context.Background(), mock, CopyParams{Table: "t"}, items)
	assert.ErrorContains(t, err, "expects records")
}

func TestModule_TableToCollect(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "a"))

	connect := func(context.Context, Credentials) (Querier, func(), error) { return mock, nil, nil }
	local, cm := core.New(core.Options{Logger: plugintest.Quiet})
	e := plugintest.Engine(t, cm, NewModule(connect))

	res := plugintest.Run(t, e, plugintest.Chain(
		plugintest.Source("postgres/database", "postgres/table", "db", map[string]any{"table": "t", "key": "id"}),
		plugintest.Target("core/local", "core/collect", "", map[string]any{"name": "out"}),
	), pipeline.Connections{"db": {Type: "postgres/database", Credentials: map[string]any{"dsn": "postgres://localhost/db"}}})

	require.Equal(t, engine.RunSuccess, res.Status)
	assert.Equal(t, []any{map[string]any{"id": int64(1), "name": "a"}}, local.Collected("out"))
}
