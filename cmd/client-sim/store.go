package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// BalanceStore persists the mirrored balance between runs. Pluggable so
// tests can use a fake instead of touching the filesystem.
type BalanceStore interface {
	Load() (ClientBalance, bool, error)
	Save(balance ClientBalance) error
}

type fileBalanceStore struct {
	path string
}

func NewFileBalanceStore(path string) *fileBalanceStore {
	return &fileBalanceStore{path: path}
}

func (s *fileBalanceStore) Load() (ClientBalance, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return ClientBalance{}, false, nil
	}
	if err != nil {
		return ClientBalance{}, false, err
	}
	var balance ClientBalance
	if err := json.Unmarshal(data, &balance); err != nil {
		// A corrupt file is treated as absent; the mirror rebuilds from
		// the baseline and the next server sync.
		return ClientBalance{}, false, nil
	}
	return balance, true, nil
}

func (s *fileBalanceStore) Save(balance ClientBalance) error {
	data, err := json.MarshalIndent(balance, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type memoryBalanceStore struct {
	balance ClientBalance
	loaded  bool
}

func NewMemoryBalanceStore() *memoryBalanceStore {
	return &memoryBalanceStore{}
}

func (s *memoryBalanceStore) Load() (ClientBalance, bool, error) {
	return s.balance, s.loaded, nil
}

func (s *memoryBalanceStore) Save(balance ClientBalance) error {
	s.balance = balance
	s.loaded = true
	return nil
}
