// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kafka consumes and produces Kafka topics with franz-go.
//
//	kafka/cluster   provider
//	kafka/consume   source: topic records, resumable by partition offsets
//	kafka/produce   target: one record per item
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/registry"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/schema"
)

// Name is the module name.
const Name = "kafka"

// Tag is the client tag of the cluster provider.
const Tag registry.ClientTag = "kafka"

const (
	DefaultMaxPoll   = 500
	DefaultBatchSize = 500
	defaultIdle      = 2 * time.Second
)

// Credentials configure kafka/cluster.
type Credentials struct {
	Brokers  []string `json:"brokers" validate:"required,min=1,dive,required"`
	ClientID string   `json:"clientId"`
}

// Consumer is the subset of *kgo.Client the consume source uses.
type Consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	Close()
}

// Producer is the subset of *kgo.Client the produce target uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// ConsumeSpec describes the consumer a source needs. Offsets, when set,
// pins the listed partitions at their next offsets; otherwise the whole
// topic is read from the start.
type ConsumeSpec struct {
	Topic   string
	Offsets map[int32]int64
}

// Cluster is the connected provider value.
type Cluster struct {
	Producer Producer
	Consume  func(spec ConsumeSpec) (Consumer, error)
}

// Module returns the kafka module dialing real brokers.
func Module() registry.Module {
	return NewModule(Dial)
}

// Dial creates the producer client, pings the cluster and returns a
// Cluster whose consumers share its seed brokers.
func Dial(ctx context.Context, creds Credentials) (*Cluster, func(), error) {
	base := []kgo.Opt{kgo.SeedBrokers(creds.Brokers...)}
	if creds.ClientID != "" {
		base = append(base, kgo.ClientID(creds.ClientID))
	}
	producer, err := kgo.NewClient(base...)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, nil, fmt.Errorf("ping kafka: %w", err)
	}
	cluster := &Cluster{
		Producer: producer,
		Consume: func(spec ConsumeSpec) (Consumer, error) {
			opts := append([]kgo.Opt(nil), base...)
			if len(spec.Offsets) > 0 {
				parts := make(map[int32]kgo.Offset, len(spec.Offsets))
				for p, off := range spec.Offsets {
					parts[p] = kgo.NewOffset().At(off)
				}
				opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{spec.Topic: parts}))
			} else {
				opts = append(opts,
					kgo.ConsumeTopics(spec.Topic),
					kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
				)
			}
			cl, err := kgo.NewClient(opts...)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
	}
	return cluster, producer.Close, nil
}

// NewModule returns the kafka module using dial for the provider.
func NewModule(dial func(ctx context.Context, creds Credentials) (*Cluster, func(), error)) registry.Module {
	return registry.Module{
		Name: Name,
		Providers: []registry.Provider{&registry.ProviderDef{
			ID:          "cluster",
			Tag:         Tag,
			Credentials: schema.Struct[Credentials](),
			ConnectFn: func(ctx context.Context, credentials any) (*registry.Client, error) {
				c, closeFn, err := dial(ctx, credentials.(Credentials))
				if err != nil {
					return nil, err
				}
				return &registry.Client{
					Value: c,
					Disconnect: func(context.Context) error {
						if closeFn != nil {
							closeFn()
						}
						return nil
					},
				}, nil
			},
		}},
		Streams: []registry.Stream{consumeSource(), produceTarget()},
	}
}

// ConsumeParams configure kafka/consume.
//
// Format selects how record values are emitted: "json" (default) decodes
// them, "text" emits strings, "blob" emits *registry.Blob. With Envelope
// set every item is a record carrying the key, topic, partition, offset
// and timestamp next to the value.
type ConsumeParams struct {
	Topic    string `json:"topic" validate:"required"`
	Format   string `json:"format" validate:"omitempty,oneof=json text blob"`
	Envelope bool   `json:"envelope"`
	Follow   bool   `json:"follow"`
	MaxPoll  int    `json:"maxPoll" validate:"omitempty,min=1"`
	IdleMs   int    `json:"idleMs" validate:"omitempty,min=1"`
}

// Offsets is the resumption context of kafka/consume: the next offset to
// read per partition, keyed by the partition number in decimal.
type Offsets struct {
	Next map[string]int64 `json:"next"`
}

func consumeSource() *registry.SourceDef {
	return &registry.SourceDef{
		ID:      "consume",
		Tag:     Tag,
		Params:  schema.Struct[ConsumeParams](),
		Context: schema.Struct[Offsets](),
		Output:  registry.TypeAny,
		ReadFn: func(ctx context.Context, client any, resume any, params any, emit registry.Emit) error {
			return Consume(ctx, client.(*Cluster), params.(ConsumeParams), resume.(Offsets), emit)
		},
	}
}

// Consume reads p.Topic from the offsets in from. Without Follow it stops
// once a poll stays empty for the idle period.
func Consume(ctx context.Context, c *Cluster, p ConsumeParams, from Offsets, emit registry.Emit) error {
	spec := ConsumeSpec{Topic: p.Topic}
	next := make(map[string]int64, len(from.Next))
	for k, off := range from.Next {
		part, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return pipeerr.Permanent(fmt.Errorf("invalid partition %q in resumption context", k))
		}
		if spec.Offsets == nil {
			spec.Offsets = map[int32]int64{}
		}
		spec.Offsets[int32(part)] = off
		next[k] = off
	}
	consumer, err := c.Consume(spec)
	if err != nil {
		return pipeerr.Storage("kafka consume", err)
	}
	defer consumer.Close()

	maxPoll := p.MaxPoll
	if maxPoll == 0 {
		maxPoll = DefaultMaxPoll
	}
	idle := defaultIdle
	if p.IdleMs > 0 {
		idle = time.Duration(p.IdleMs) * time.Millisecond
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := ctx, context.CancelFunc(func() {})
		if !p.Follow {
			pollCtx, cancel = context.WithTimeout(ctx, idle)
		}
		fetches := consumer.PollRecords(pollCtx, maxPoll)
		cancel()
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return pipeerr.Storage("kafka poll", fmt.Errorf("topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err))
		}

		n := 0
		var emitErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if emitErr != nil {
				return
			}
			item, err := decode(r, p)
			if err != nil {
				emitErr = err
				return
			}
			next[strconv.Itoa(int(r.Partition))] = r.Offset + 1
			n++
			emitErr = emit(item, Offsets{Next: copyOffsets(next)})
		})
		if emitErr != nil {
			return emitErr
		}
		if n == 0 && !p.Follow {
			return nil
		}
	}
}

func copyOffsets(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decode(r *kgo.Record, p ConsumeParams) (any, error) {
	var value any
	switch p.Format {
	case "text":
		value = string(r.Value)
	case "blob":
		value = &registry.Blob{
			ID:   fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset),
			Name: string(r.Key),
			Data: r.Value,
			Metadata: map[string]string{
				"topic": r.Topic,
			},
		}
	default:
		if err := json.Unmarshal(r.Value, &value); err != nil {
			return nil, pipeerr.Permanent(fmt.Errorf("record %s/%d/%d is not JSON: %w", r.Topic, r.Partition, r.Offset, err))
		}
	}
	if !p.Envelope {
		return value, nil
	}
	return map[string]any{
		"key":       string(r.Key),
		"value":     value,
		"topic":     r.Topic,
		"partition": float64(r.Partition),
		"offset":    float64(r.Offset),
		"timestamp": r.Timestamp.UTC(),
	}, nil
}

// ProduceParams configure kafka/produce. KeyField names the record field
// used as the message key.
type ProduceParams struct {
	Topic     string `json:"topic" validate:"required"`
	KeyField  string `json:"keyField"`
	BatchSize int    `json:"batchSize" validate:"omitempty,min=1"`
}

func produceTarget() *registry.TargetDef {
	return &registry.TargetDef{
		ID:     "produce",
		Tag:    Tag,
		Params: schema.Struct[ProduceParams](),
		Input:  registry.TypeAny,
		WriteFn: func(ctx context.Context, client any, items <-chan any, params any) error {
			_, err := Produce(ctx, client.(*Cluster).Producer, params.(ProduceParams), items)
			return err
		},
	}
}

// Produce writes items to p.Topic in synchronous batches and returns how
// many were acknowledged.
func Produce(ctx context.Context, prod Producer, p ProduceParams, items <-chan any) (int, error) {
	size := p.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	acked := 0
	batch := make([]*kgo.Record, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results := prod.ProduceSync(ctx, batch...)
		for _, r := range results {
			if r.Err == nil {
				acked++
			}
		}
		batch = batch[:0]
		if err := results.FirstErr(); err != nil {
			return pipeerr.Storage("kafka produce", err)
		}
		return nil
	}
	for item := range items {
		rec, err := ToRecord(item, p)
		if err != nil {
			return acked, err
		}
		batch = append(batch, rec)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return acked, err
			}
		}
	}
	return acked, flush()
}

// ToRecord encodes one item. Blobs and strings are sent as is; anything
// else as JSON.
func ToRecord(item any, p ProduceParams) (*kgo.Record, error) {
	rec := &kgo.Record{Topic: p.Topic}
	switch v := item.(type) {
	case *registry.Blob:
		rec.Value = v.Data
		rec.Key = []byte(v.Name)
	case string:
		rec.Value = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, pipeerr.Permanent(fmt.Errorf("encode %T: %w", item, err))
		}
		rec.Value = b
	}
	if p.KeyField != "" {
		if m, ok := item.(map[string]any); ok {
			if k, ok := m[p.KeyField]; ok && k != nil {
				rec.Key = []byte(fmt.Sprint(k))
			}
		}
	}
	return rec, nil
}
