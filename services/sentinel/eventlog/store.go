// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventlog is Sentinel's durable, append-only record.
//
// # Description
//
// Transitions, remediation events (including refused ones with their
// reason) and raw observations are stored in BadgerDB under time-ordered
// keys:
//
//	evt/<unix-nanos, 20 digits>/<event id>
//	obs/<target>/<unix-nanos, 20 digits>/<observation id>
//	gov/state
//
// Events and observations carry a TTL from the retention configuration and
// disappear on their own; nothing is ever rewritten. The governor's
// bookkeeping lives under gov/state with no TTL so reboot history survives
// the reboots it grants.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package eventlog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/safety"
)

const (
	eventPrefix       = "evt/"
	observationPrefix = "obs/"
	governorKey       = "gov/state"

	// DefaultLimit is the page size when Query.Limit is zero.
	DefaultLimit = 100
	// MaxLimit caps Query.Limit.
	MaxLimit = 1000
)

var (
	// ErrInvalidCursor is returned for a cursor Query cannot decode.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event log closed")
)

// Options configures a Store.
type Options struct {
	DB                   DBConfig
	ObservationRetention time.Duration
	EventRetention       time.Duration
	Logger               *logging.Logger
}

// OptionsFrom derives Options from the event log configuration.
func OptionsFrom(cfg config.EventLogConfig, logger *logging.Logger) Options {
	if logger == nil {
		logger = logging.Nop()
	}
	return Options{
		DB:                   DBConfigFrom(cfg, logger.Component("badger").Slog()),
		ObservationRetention: cfg.ObservationRetention,
		EventRetention:       cfg.EventRetention,
		Logger:               logger,
	}
}

// Store is the badger-backed event log.
type Store struct {
	db     *db
	logger *logging.Logger
	feed   *feed

	mu           sync.RWMutex
	obsRetention time.Duration
	evtRetention time.Duration
	closed       bool
}

// Open opens the event log.
func Open(opts Options) (*Store, error) {
	d, err := openDB(opts.DB)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		db:           d,
		logger:       logger.Component("eventlog"),
		feed:         newFeed(),
		obsRetention: opts.ObservationRetention,
		evtRetention: opts.EventRetention,
	}, nil
}

// OpenInMemory opens a Store that keeps nothing on disk.
func OpenInMemory() (*Store, error) {
	return Open(Options{DB: InMemoryDBConfig()})
}

// Close stops garbage collection, ends all subscriptions and closes the
// database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.feed.close()
	return s.db.close()
}

// SetRetention applies new retention periods to subsequent writes.
func (s *Store) SetRetention(observations, events time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obsRetention = observations
	s.evtRetention = events
}

func (s *Store) retention() (obs, evt time.Duration, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, ErrClosed
	}
	return s.obsRetention, s.evtRetention, nil
}

// =============================================================================
// Keys
// =============================================================================

func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func eventKey(t time.Time, id string) []byte {
	return []byte(eventPrefix + stamp(t) + "/" + id)
}

func observationKey(target string, t time.Time, id string) []byte {
	return []byte(observationPrefix + target + "/" + stamp(t) + "/" + id)
}

// keyTime extracts the timestamp that follows prefix in key.
func keyTime(key []byte, prefix int) (time.Time, bool) {
	if len(key) < prefix+20 {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(string(key[prefix:prefix+20]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

func encodeCursor(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key[len(eventPrefix):])
}

func decodeCursor(c string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil || len(raw) < 21 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, c)
	}
	if _, err := strconv.ParseInt(string(raw[:20]), 10, 64); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, c)
	}
	return append([]byte(eventPrefix), raw...), nil
}

// =============================================================================
// Writes
// =============================================================================

// Append durably records one event and publishes it to subscribers.
func (s *Store) Append(ctx context.Context, ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	_, ttl, err := s.retention()
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.db.withTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(eventKey(ev.Timestamp(), ev.ID()), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID(), err)
	}
	s.feed.publish(ev)
	return nil
}

// RecordObservation stores one observation. Observations are immutable,
// so the same id and timestamp always map to the same key.
func (s *Store) RecordObservation(ctx context.Context, obs model.HealthObservation) error {
	if obs.ID == "" || obs.Target == "" {
		return fmt.Errorf("observation requires id and target")
	}
	ttl, _, err := s.retention()
	if err != nil {
		return err
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	return s.db.withTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(observationKey(obs.Target, obs.Timestamp, obs.ID), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// =============================================================================
// Reads
// =============================================================================

// Query selects events. Zero values mean "no filter".
type Query struct {
	// MinSeverity keeps events at or above this severity.
	MinSeverity model.Severity
	// Target keeps events for this target, including chain restarts that
	// touched it.
	Target string
	Kind   model.EventKind
	// Since and Until bound the event timestamp, inclusive.
	Since time.Time
	Until time.Time
	// Cursor continues a previous page.
	Cursor string
	Limit  int
}

func (q Query) matches(ev model.Event) bool {
	if ev.Severity() < q.MinSeverity {
		return false
	}
	if q.Kind != "" && ev.Kind != q.Kind {
		return false
	}
	if q.Target != "" && ev.Target() != q.Target {
		if ev.Remediation == nil || !contains(ev.Remediation.Targets, q.Target) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Page is one page of Query results, newest first.
type Page struct {
	Events []model.Event `json:"events"`
	// NextCursor is empty on the last page.
	NextCursor string `json:"next_cursor,omitempty"`
}

// Query returns events newest-first.
//
// # Description
//
// Walks the evt/ keyspace in reverse from Until (or the cursor) and stops
// at Since or once Limit matching events are collected. Expired events are
// skipped by badger.
//
// # Outputs
//
//   - Page: Matching events; NextCursor set when the page is full.
//   - error: ErrInvalidCursor for a malformed cursor.
func (s *Store) Query(ctx context.Context, q Query) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	start := []byte(eventPrefix + "\xff")
	var after []byte
	if q.Cursor != "" {
		key, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		start, after = key, key
	} else if !q.Until.IsZero() {
		start = []byte(eventPrefix + stamp(q.Until) + "/\xff")
	}

	page := Page{Events: []model.Event{}}
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(eventPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix([]byte(eventPrefix)); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if after != nil && string(key) == string(after) {
				continue
			}
			ts, ok := keyTime(key, len(eventPrefix))
			if !ok {
				continue
			}
			if !q.Since.IsZero() && ts.Before(q.Since) {
				break
			}
			if !q.Until.IsZero() && ts.After(q.Until) {
				continue
			}

			var ev model.Event
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				s.logger.Warn("skipping unreadable event", "key", string(key), "error", err)
				continue
			}
			if !q.matches(ev) {
				continue
			}
			page.Events = append(page.Events, ev)
			if len(page.Events) == limit {
				page.NextCursor = encodeCursor(key)
				break
			}
		}
		return nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("query events: %w", err)
	}
	return page, nil
}

// Scan calls fn for every event in [since, until] in chronological order
// until fn returns false. A zero until means "now and later".
func (s *Store) Scan(ctx context.Context, since, until time.Time, fn func(model.Event) bool) error {
	return s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(eventPrefix)
		if !since.IsZero() {
			start = []byte(eventPrefix + stamp(since))
		}
		for it.Seek(start); it.ValidForPrefix([]byte(eventPrefix)); it.Next() {
			item := it.Item()
			ts, ok := keyTime(item.Key(), len(eventPrefix))
			if !ok {
				continue
			}
			if !until.IsZero() && ts.After(until) {
				return nil
			}
			var ev model.Event
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				continue
			}
			if !fn(ev) {
				return nil
			}
		}
		return nil
	})
}

// Observations returns up to limit observations for target, newest first,
// no older than since.
func (s *Store) Observations(ctx context.Context, target string, since time.Time, limit int) ([]model.HealthObservation, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	prefix := []byte(observationPrefix + target + "/")
	var out []model.HealthObservation
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ts, ok := keyTime(item.Key(), len(prefix))
			if !ok {
				continue
			}
			if !since.IsZero() && ts.Before(since) {
				break
			}
			var obs model.HealthObservation
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &obs) }); err != nil {
				continue
			}
			out = append(out, obs)
			if len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel receiving every appended event. Slow
// subscribers miss events rather than block writers. Call cancel to
// unsubscribe; the channel is closed afterwards.
func (s *Store) Subscribe(buffer int) (<-chan model.Event, func()) {
	return s.feed.subscribe(buffer)
}

// =============================================================================
// Governor State
// =============================================================================

// LoadGovernorState implements safety.StateStore.
func (s *Store) LoadGovernorState(ctx context.Context) (safety.PersistedState, bool, error) {
	var state safety.PersistedState
	found := false
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(governorKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &state) })
	})
	if err != nil {
		return safety.PersistedState{}, false, fmt.Errorf("load governor state: %w", err)
	}
	return state, found, nil
}

// SaveGovernorState implements safety.StateStore. With SyncWrites enabled
// the state is on disk when this returns.
func (s *Store) SaveGovernorState(ctx context.Context, state safety.PersistedState) error {
	if _, _, err := s.retention(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal governor state: %w", err)
	}
	if err := s.db.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(governorKey), data)
	}); err != nil {
		return fmt.Errorf("save governor state: %w", err)
	}
	return nil
}

var _ safety.StateStore = (*Store)(nil)
