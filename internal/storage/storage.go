// Package storage defines the key-value snapshot interface the guild store
// persists through. Every backend keeps the same two JSON documents per guild.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when a document has never been written.
var ErrNotFound = errors.New("document not found")

// Document names one of the two per-guild documents.
type Document string

const (
	// VoiceData holds the ordered list of [userId, record] pairs.
	VoiceData Document = "voicedata"
	// Config holds the leaderboard channel and message identifiers.
	Config Document = "config"
)

// Documents lists every per-guild document in write order.
var Documents = []Document{VoiceData, Config}

// Valid reports whether d is a known document.
func (d Document) Valid() bool {
	return d == VoiceData || d == Config
}

// Backend stores opaque documents keyed by guild and document name.
// Writes of the two documents of a guild are independent; there is no
// transaction spanning them.
type Backend interface {
	// GuildIDs lists every guild with at least one stored document.
	GuildIDs(ctx context.Context) ([]string, error)
	// Load returns the stored document or ErrNotFound.
	Load(ctx context.Context, guildID string, doc Document) ([]byte, error)
	// Save replaces the stored document.
	Save(ctx context.Context, guildID string, doc Document, data []byte) error
	Close() error
}

// CheckKey validates the identifiers every backend receives.
func CheckKey(guildID string, doc Document) error {
	if guildID == "" {
		return errors.New("empty guild id")
	}
	if !doc.Valid() {
		return fmt.Errorf("unknown document %q", doc)
	}
	return nil
}
