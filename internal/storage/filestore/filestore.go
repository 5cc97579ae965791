// Package filestore keeps guild documents as JSON files under
// <dir>/<guildID>/<document>.json.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"voiceboard/internal/storage"
)

// Store is a storage.Backend on the local filesystem.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates the data directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	logger = logger.Named("filestore")
	logger.Info("Using file storage", zap.String("dir", dir))
	return &Store{dir: dir, logger: logger}, nil
}

// checkKey also rejects ids that would escape the data directory.
func checkKey(guildID string, doc storage.Document) error {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return err
	}
	if strings.ContainsAny(guildID, `/\`) || guildID == "." || guildID == ".." {
		return fmt.Errorf("invalid guild id %q", guildID)
	}
	return nil
}

func (s *Store) path(guildID string, doc storage.Document) string {
	return filepath.Join(s.dir, guildID, string(doc)+".json")
}

// GuildIDs returns the names of all guild directories.
func (s *Store) GuildIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads one document.
func (s *Store) Load(_ context.Context, guildID string, doc storage.Document) ([]byte, error) {
	if err := checkKey(guildID, doc); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(guildID, doc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s for guild %s: %w", doc, guildID, err)
	}
	return data, nil
}

// Save writes one document. Each file is replaced atomically; the two files of
// a guild are still written independently.
func (s *Store) Save(_ context.Context, guildID string, doc storage.Document, data []byte) error {
	if err := checkKey(guildID, doc); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.dir, guildID), 0o755); err != nil {
		return fmt.Errorf("failed to create guild directory: %w", err)
	}
	if err := atomic.WriteFile(s.path(guildID, doc), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s for guild %s: %w", doc, guildID, err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
