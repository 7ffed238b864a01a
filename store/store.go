// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store persists ledger snapshots between runs so a wallet can
// answer balance queries and seed its next scan without rescanning from
// index zero.
package store

import (
	"errors"
	"sync"

	"github.com/coldwatch/coldwatch/ledger"
)

var (
	// ErrNoState is returned when loading from a store that has never
	// been written.
	ErrNoState = errors.New("no wallet state stored")
)

// StateStore saves and restores ledger snapshots.
type StateStore interface {
	// Save persists the snapshot, replacing any previous one.
	Save(snap *ledger.Snapshot) error

	// Load returns the last saved snapshot, or ErrNoState.
	Load() (*ledger.Snapshot, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore keeps the snapshot in memory only. It backs one-shot
// invocations where rescanning on every run is acceptable.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *ledger.Snapshot
}

// A compile time check to ensure MemoryStore implements StateStore.
var _ StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements StateStore.
func (m *MemoryStore) Save(snap *ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap = snap.Clone()

	return nil
}

// Load implements StateStore.
func (m *MemoryStore) Load() (*ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snap == nil {
		return nil, ErrNoState
	}

	return m.snap.Clone(), nil
}

// Close implements StateStore.
func (m *MemoryStore) Close() error {
	return nil
}
