// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists source resumption contexts.
//
// The engine treats resumption state as caller-owned. This package is the
// caller side used by the CLI and the HTTP server: a Recorder saves the
// context of every emitted item as it streams past, and Apply feeds the
// saved contexts back into a run's connections so an interrupted read
// resumes where it stopped.
//
// Entries live in badger under checkpoint/<graphID>/<connectionID> as a
// versioned JSON envelope carrying a SHA-256 checksum of the context.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/pipeline/compiler"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/engine"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/pipeerr"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a key.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a stored checkpoint fails its checksum
	// or has an unknown version.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

const (
	keyPrefix       = "checkpoint/"
	envelopeVersion = 1
)

// Checkpoint is one saved resumption context.
type Checkpoint struct {
	GraphID      string    `json:"graphId"`
	ConnectionID string    `json:"connectionId"`
	Context      any       `json:"context"`
	SavedAt      time.Time `json:"savedAt"`
}

type envelope struct {
	Version      int             `json:"version"`
	GraphID      string          `json:"graphId"`
	ConnectionID string          `json:"connectionId"`
	Context      json.RawMessage `json:"context"`
	Checksum     string          `json:"checksum"`
	SavedAt      time.Time       `json:"savedAt"`
}

// Store reads and writes checkpoints.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wraps an open DB.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Open opens the database described by cfg and wraps it in a Store.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, pipeerr.Storage("open checkpoints", err)
	}
	return NewStore(db, cfg.Logger), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(graphID, connectionID string) []byte {
	return []byte(keyPrefix + graphID + "/" + connectionID)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Save stores the context for a connection of a graph, replacing any
// earlier one.
func (s *Store) Save(ctx context.Context, graphID, connectionID string, resume any) error {
	if graphID == "" || connectionID == "" || strings.Contains(graphID, "/") {
		return pipeerr.Validation("checkpoint save", "graph and connection ids are required", graphID, connectionID)
	}
	raw, err := json.Marshal(resume)
	if err != nil {
		return pipeerr.Validation("checkpoint save", fmt.Sprintf("context is not JSON encodable: %v", err))
	}
	env := envelope{
		Version:      envelopeVersion,
		GraphID:      graphID,
		ConnectionID: connectionID,
		Context:      raw,
		Checksum:     checksum(raw),
		SavedAt:      s.now().UTC(),
	}
	val, err := json.Marshal(env)
	if err != nil {
		return pipeerr.Storage("checkpoint save", err)
	}
	err = s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key(graphID, connectionID), val)
	})
	if err != nil {
		return pipeerr.Storage("checkpoint save", err)
	}
	return nil
}

// Load returns the saved context for a connection.
func (s *Store) Load(ctx context.Context, graphID, connectionID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(graphID, connectionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, graphID, connectionID)
		}
		if err != nil {
			return pipeerr.Storage("checkpoint load", err)
		}
		return item.Value(func(v []byte) error {
			cp, err = decode(v)
			return err
		})
	})
	return cp, err
}

func decode(v []byte) (Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(v, &env); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return Checkpoint{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	if checksum(env.Context) != env.Checksum {
		return Checkpoint{}, fmt.Errorf("%w: checksum mismatch for %s/%s", ErrCorrupt, env.GraphID, env.ConnectionID)
	}
	var resume any
	dec := json.NewDecoder(bytes.NewReader(env.Context))
	dec.UseNumber()
	if err := dec.Decode(&resume); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Checkpoint{
		GraphID:      env.GraphID,
		ConnectionID: env.ConnectionID,
		Context:      resume,
		SavedAt:      env.SavedAt,
	}, nil
}

// List returns every checkpoint of a graph ordered by connection id.
// Corrupt entries are logged and skipped.
func (s *Store) List(ctx context.Context, graphID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix + graphID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				cp, err := decode(v)
				if err != nil {
					s.logger.Warn("skipping unreadable checkpoint",
						slog.String("key", string(item.Key())),
						slog.String("error", err.Error()),
					)
					return nil
				}
				out = append(out, cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, pipeerr.Storage("checkpoint list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

// Delete removes one checkpoint. Deleting a missing checkpoint succeeds.
func (s *Store) Delete(ctx context.Context, graphID, connectionID string) error {
	err := s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(graphID, connectionID))
	})
	if err != nil {
		return pipeerr.Storage("checkpoint delete", err)
	}
	return nil
}

// Clear removes every checkpoint of a graph and returns how many there
// were.
func (s *Store) Clear(ctx context.Context, graphID string) (int, error) {
	var keys [][]byte
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix + graphID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, pipeerr.Storage("checkpoint clear", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, pipeerr.Storage("checkpoint clear", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, pipeerr.Storage("checkpoint clear", err)
	}
	return len(keys), nil
}

// Apply returns a copy of conns where every connection without a
// resumption context takes its saved one. Contexts supplied by the caller
// win. The second result counts the connections that were filled.
func (s *Store) Apply(ctx context.Context, graphID string, conns map[string]compiler.Connection) (map[string]compiler.Connection, int, error) {
	saved, err := s.List(ctx, graphID)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]compiler.Connection, len(conns))
	for id, c := range conns {
		out[id] = c
	}
	filled := 0
	for _, cp := range saved {
		c, ok := out[cp.ConnectionID]
		if !ok || c.ResumptionContext != nil {
			continue
		}
		c.ResumptionContext = cp.Context
		out[cp.ConnectionID] = c
		filled++
	}
	return out, filled, nil
}

// Recorder returns a progress callback saving the context of every source
// item that belongs to a connection. Save failures are logged; they never
// fail the run.
func (s *Store) Recorder(graphID string) func(engine.ProgressEvent) {
	return func(ev engine.ProgressEvent) {
		if ev.ConnectionID == "" || ev.Context == nil {
			return
		}
		if err := s.Save(context.Background(), graphID, ev.ConnectionID, ev.Context); err != nil {
			s.logger.Warn("failed to save checkpoint",
				slog.String("graph_id", graphID),
				slog.String("connection_id", ev.ConnectionID),
				slog.String("error", err.Error()),
			)
		}
	}
}
