package main

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process memory behind a single lock, so a
// transaction sees a stable snapshot and commits atomically. Used by tests
// and dev mode; production runs on Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
	seq  map[string]map[string]int64
	next int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string][]byte),
		seq:  make(map[string]map[string]int64),
	}
}

type memoryTx struct {
	store  *MemoryStore
	staged map[string]map[string][]byte
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:  s,
		staged: make(map[string]map[string][]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for collection, docs := range tx.staged {
		for id, raw := range docs {
			s.putLocked(collection, id, raw)
		}
	}
	return nil
}

func (tx *memoryTx) Get(collection string, id string, out interface{}) error {
	if docs, ok := tx.staged[collection]; ok {
		if raw, ok := docs[id]; ok {
			return json.Unmarshal(raw, out)
		}
	}
	raw, ok := tx.store.getLocked(collection, id)
	if !ok {
		return errDocMissing
	}
	return json.Unmarshal(raw, out)
}

func (tx *memoryTx) Set(collection string, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if tx.staged[collection] == nil {
		tx.staged[collection] = make(map[string][]byte)
	}
	tx.staged[collection][id] = raw
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection string, id string, out interface{}) error {
	s.mu.Lock()
	raw, ok := s.getLocked(collection, id)
	s.mu.Unlock()
	if !ok {
		return errDocMissing
	}
	return json.Unmarshal(raw, out)
}

func (s *MemoryStore) ListPrefix(ctx context.Context, collection string, prefix string, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		seq int64
		raw []byte
	}
	matches := []entry{}
	for id, raw := range s.data[collection] {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, entry{seq: s.seq[collection][id], raw: raw})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].seq < matches[j].seq
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]json.RawMessage, 0, len(matches))
	for _, m := range matches {
		out = append(out, json.RawMessage(append([]byte(nil), m.raw...)))
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) getLocked(collection string, id string) ([]byte, bool) {
	docs, ok := s.data[collection]
	if !ok {
		return nil, false
	}
	raw, ok := docs[id]
	return raw, ok
}

func (s *MemoryStore) putLocked(collection string, id string, raw []byte) {
	if s.data[collection] == nil {
		s.data[collection] = make(map[string][]byte)
		s.seq[collection] = make(map[string]int64)
	}
	if _, exists := s.seq[collection][id]; !exists {
		s.next++
		s.seq[collection][id] = s.next
	}
	s.data[collection][id] = raw
}
