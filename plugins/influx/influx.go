// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package influx reads and writes InfluxDB 2 time series.
//
//	influx/server   provider
//	influx/query    source: rows of a Flux query as records
//	influx/points   target: records written as points
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "influx"

// Tag is the client tag of the server provider.
const Tag registry.ClientTag = "influx"

// Credentials configure influx/server.
type Credentials struct {
	URL    string `json:"url" validate:"required,url"`
	Token  string `json:"token" validate:"required"`
	Org    string `json:"org" validate:"required"`
	Bucket string `json:"bucket" validate:"required"`
}

// Conn is the client handed to influx streams.
type Conn struct {
	client influxdb2.Client
	Write  api.WriteAPIBlocking
	Query  api.QueryAPI
}

// Connect opens a client for creds.
func Connect(creds Credentials) *Conn {
	client := influxdb2.NewClient(creds.URL, creds.Token)
	return &Conn{
		client: client,
		Write:  client.WriteAPIBlocking(creds.Org, creds.Bucket),
		Query:  client.QueryAPI(creds.Org),
	}
}

// Close releases the client.
func (c *Conn) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Module returns the influx module.
func Module() registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "server",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(_ context.Context, credentials any) (*registry.Client, error) {
				c := Connect(credentials.(Credentials))
				return &registry.Client{
					Value:      c,
					Disconnect: func(context.Context) error { c.Close(); return nil },
				}, nil
			},
		}},
		Streams: []registry.Stream{querySource(), pointsTarget()},
	}
}

// QueryParams configure influx/query.
type QueryParams struct {
	Flux string `json:"flux" validate:"required"`
}

func querySource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:     "query",
		Tag:    Tag,
		Params: schema.Struct[QueryParams](),
		Output: registry.TypeRecord,
		ReadFn: func(ctx context.Context, client any, _ any, params any, emit registry.Emit) error {
			c := client.(*Conn)
			result, err := c.Query.Query(ctx, params.(QueryParams).Flux)
			if err != nil {
				return pipeerr.Storage("influx query", err)
			}
			defer result.Close()
			for result.Next() {
				values := result.Record().Values()
				rec := make(map[string]any, len(values))
				for k, v := range values {
					rec[k] = v
				}
				if err := emit(rec, nil); err != nil {
					return err
				}
			}
			if err := result.Err(); err != nil {
				return pipeerr.Storage("influx query", err)
			}
			return nil
		},
	}
}

// PointParams configure influx/points. Fields listed in Tags become tags;
// TimeField, when set, names the timestamp field (time.Time, RFC 3339
// string or Unix milliseconds). Every other field is a point field.
type PointParams struct {
	Measurement string   `json:"measurement" validate:"required"`
	Tags        []string `json:"tags"`
	TimeField   string   `json:"timeField"`
	BatchSize   int      `json:"batchSize" validate:"omitempty,min=1"`
}

func pointsTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "points",
		Tag:    Tag,
		Params: schema.Struct[PointParams](),
		Input:  registry.TypeRecord,
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			return writePoints(ctx, client.(*Conn).Write, items, params.(PointParams), time.Now)
		},
	}
}

func writePoints(ctx context.Context, w api.WriteAPIBlocking, items <-chan any, p PointParams, now func() time.Time) error {
	size := p.BatchSize
	if size == 0 {
		size = 500
	}
	batch := make([]*write.Point, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.WritePoint(ctx, batch...); err != nil {
			return pipeerr.Storage("influx write", err)
		}
		batch = batch[:0]
		return nil
	}
	for item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return pipeerr.Permanent(fmt.Errorf("influx/points expects records, got %T", item))
		}
		pt, err := ToPoint(rec, p, now)
		if err != nil {
			return err
		}
		batch = append(batch, pt)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ToPoint converts one record.
func ToPoint(rec map[string]any, p PointParams, now func() time.Time) (*write.Point, error) {
	tags := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		tags[t] = struct{}{}
	}

	ts := now()
	pt := influxdb2.NewPointWithMeasurement(p.Measurement)
	fields := 0
	for k, v := range rec {
		switch {
		case k == p.TimeField && k != "":
			t, err := parseTime(v)
			if err != nil {
				return nil, pipeerr.Permanent(fmt.Errorf("field %s: %w", k, err))
			}
			ts = t
		case isTag(tags, k):
			pt.AddTag(k, fmt.Sprint(v))
		case v == nil:
		default:
			pt.AddField(k, v)
			fields++
		}
	}
	if fields == 0 {
		return nil, pipeerr.Permanent(fmt.Errorf("record has no fields for measurement %s", p.Measurement))
	}
	return pt.SetTime(ts), nil
}

func isTag(tags map[string]struct{}, k string) bool {
	_, ok := tags[k]
	return ok
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case float64:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	case int:
		return time.UnixMilli(int64(t)), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}
