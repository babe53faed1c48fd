// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongo reads and writes MongoDB collections.
//
//	mongo/cluster   provider
//	mongo/find      source: documents in _id order, resumable by _id
//	mongo/insert    target: records inserted in batches
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "mongo"

// Tag is the client tag of the cluster provider.
const Tag registry.ClientTag = "mongo"

const (
	DefaultPageSize  = 500
	DefaultBatchSize = 1000
	defaultTimeout   = 10 * time.Second
)

// Credentials configure mongo/cluster.
type Credentials struct {
	URI      string `json:"uri" validate:"required"`
	Database string `json:"database" validate:"required"`
}

// Database resolves collections by name.
type Database interface {
	Collection(name string) Collection
}

// Collection is the subset of a driver collection the streams use.
type Collection interface {
	Find(ctx context.Context, filter any, limit int64) (Cursor, error)
	InsertMany(ctx context.Context, docs []any, ordered bool) (int, error)
}

// Cursor iterates query results.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// Module returns the mongo module connecting with the driver.
func Module() registry.Module {
	return NewModule(Connect)
}

// Connect opens a driver client and pings the primary.
func Connect(ctx context.Context, creds Credentials) (Database, func(context.Context) error, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(creds.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return driverDatabase{db: client.Database(creds.Database)}, client.Disconnect, nil
}

// NewModule returns the mongo module using connect for the provider.
func NewModule(connect func(ctx context.Context, creds Credentials) (Database, func(context.Context) error, error)) registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "cluster",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(ctx context.Context, credentials any) (*registry.Client, error) {
				db, disconnect, err := connect(ctx, credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{Value: db, Disconnect: disconnect}, nil
			},
		}},
		Streams: []registry.Stream{findSource(), insertTarget()},
	}
}

// FindParams configure mongo/find.
type FindParams struct {
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter,omitempty"`
	PageSize   int64          `json:"pageSize,omitempty"`
}

// findParams checks the free-form filter document. _id is reserved for
// paging.
var findParams = schema.MustJSON[FindParams]("mongo/find", `{
	"type": "object",
	"required": ["collection"],
	"additionalProperties": false,
	"properties": {
		"collection": {"type": "string", "minLength": 1},
		"filter": {"type": "object", "not": {"required": ["_id"]}},
		"pageSize": {"type": "integer", "minimum": 1}
	}
}`)

// Position is the resumption context of mongo/find: the _id of the last
// document read. ObjectIDs are kept as hex strings.
type Position struct {
	After any `json:"after"`
}

func findSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "find",
		Tag:     Tag,
		Params:  findParams,
		Context: schema.Struct[Position](),
		Output:  registry.TypeRecord,
		ReadFn: func(ctx context.Context, client any, resume any, params any, emit registry.Emit) error {
			return Find(ctx, client.(Database), params.(FindParams), resume.(Position), emit)
		},
	}
}

// Find emits the documents matching p.Filter after pos, page by page.
func Find(ctx context.Context, db Database, p FindParams, pos Position, emit registry.Emit) error {
	coll := db.Collection(p.Collection)
	size := p.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	after := idValue(pos.After)
	for {
		filter := bson.M{}
		for k, v := range p.Filter {
			filter[k] = v
		}
		if after != nil {
			filter["_id"] = bson.M{"$gt": after}
		}
		n, last, err := findPage(ctx, coll, filter, size, emit)
		if err != nil {
			return err
		}
		if int64(n) < size {
			return nil
		}
		after = last
	}
}

func findPage(ctx context.Context, coll Collection, filter bson.M, size int64, emit registry.Emit) (n int, last any, err error) {
	cur, err := coll.Find(ctx, filter, size)
	if err != nil {
		return 0, nil, pipeerr.Storage("mongo find", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = pipeerr.Storage("mongo find", cerr)
		}
	}()
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return n, last, pipeerr.Storage("mongo decode", err)
		}
		last = doc["_id"]
		rec, _ := plain(doc).(map[string]any)
		n++
		if err := emit(rec, Position{After: rec["_id"]}); err != nil {
			return n, last, err
		}
	}
	if err := cur.Err(); err != nil {
		return n, last, pipeerr.Storage("mongo find", err)
	}
	return n, last, nil
}

// idValue restores an _id saved in a checkpoint.
func idValue(v any) any {
	if s, ok := v.(string); ok && len(s) == 24 {
		if oid, err := bson.ObjectIDFromHex(s); err == nil {
			return oid
		}
	}
	return v
}

// plain converts driver types into JSON-friendly values.
func plain(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC()
	}
	return v
}

// InsertParams configure mongo/insert.
type InsertParams struct {
	Collection string `json:"collection" validate:"required"`
	BatchSize  int    `json:"batchSize" validate:"omitempty,min=1"`
	Ordered    bool   `json:"ordered"`
}

func insertTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "insert",
		Tag:    Tag,
		Params: schema.Struct[InsertParams](),
		Input:  registry.TypeRecord,
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			_, err := Insert(ctx, client.(Database), params.(InsertParams), items)
			return err
		},
	}
}

// Insert writes items in batches and returns how many were inserted.
func Insert(ctx context.Context, db Database, p InsertParams, items <-chan any) (int, error) {
	coll := db.Collection(p.Collection)
	size := p.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	total := 0
	batch := make([]any, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := coll.InsertMany(ctx, batch, p.Ordered)
		total += n
		if err != nil {
			return pipeerr.Storage("mongo insert", err)
		}
		batch = batch[:0]
		return nil
	}
	for item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return total, pipeerr.Permanent(fmt.Errorf("mongo/insert expects records, got %T", item))
		}
		doc := make(bson.M, len(rec))
		for k, v := range rec {
			if k == "_id" {
				v = idValue(v)
			}
			doc[k] = v
		}
		batch = append(batch, doc)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

type driverDatabase struct {
	db *mongodriver.Database
}

func (d driverDatabase) Collection(name string) Collection {
	return driverCollection{coll: d.db.Collection(name)}
}

type driverCollection struct {
	coll *mongodriver.Collection
}

func (c driverCollection) Find(ctx context.Context, filter any, limit int64) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c driverCollection) InsertMany(ctx context.Context, docs []any, ordered bool) (int, error) {
	res, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(ordered))
	if res == nil {
		return 0, err
	}
	return len(res.InsertedIDs), err
}
