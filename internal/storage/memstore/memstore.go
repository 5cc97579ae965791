// Package memstore is an in-process storage.Backend. Nothing survives a
// restart; it backs STORAGE_BACKEND=memory and the package tests.
package memstore

import (
	"context"
	"slices"
	"sync"

	"voiceboard/internal/storage"
)

type key struct {
	guildID string
	doc     storage.Document
}

// Store keeps documents in a map.
type Store struct {
	mu      sync.Mutex
	docs    map[key][]byte
	saves   map[string]int
	failErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:  make(map[key][]byte),
		saves: make(map[string]int),
	}
}

// GuildIDs lists every guild with a stored document.
func (s *Store) GuildIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for k := range s.docs {
		if !slices.Contains(ids, k.guildID) {
			ids = append(ids, k.guildID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Load returns a copy of the stored document.
func (s *Store) Load(_ context.Context, guildID string, doc storage.Document) ([]byte, error) {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.docs[key{guildID, doc}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(data), nil
}

// Save stores a copy of data. Saving the voice-data document counts as one
// guild save for Saves.
func (s *Store) Save(_ context.Context, guildID string, doc storage.Document, data []byte) error {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}
	s.docs[key{guildID, doc}] = slices.Clone(data)
	if doc == storage.VoiceData {
		s.saves[guildID]++
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Put seeds a document without counting a save.
func (s *Store) Put(guildID string, doc storage.Document, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key{guildID, doc}] = slices.Clone(data)
}

// Saves reports how many times the guild's voice data was written.
func (s *Store) Saves(guildID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[guildID]
}

// FailSaves makes every following Save return err until called with nil.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
