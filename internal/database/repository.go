package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"voiceboard/internal/storage"
)

// Repository stores guild documents in Postgres. It implements storage.Backend.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// GuildIDs lists every guild with at least one stored document.
func (r *Repository) GuildIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		"SELECT DISTINCT guild_id FROM guild_documents ORDER BY guild_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan guild row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	return ids, nil
}

// Load reads one document.
func (r *Repository) Load(ctx context.Context, guildID string, doc storage.Document) ([]byte, error) {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return nil, err
	}

	var body []byte
	err := r.db.conn.QueryRowContext(ctx,
		"SELECT body FROM guild_documents WHERE guild_id = $1 AND document = $2",
		guildID, string(doc)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s for guild %s: %w", doc, guildID, err)
	}
	return body, nil
}

// Save upserts one document.
func (r *Repository) Save(ctx context.Context, guildID string, doc storage.Document, data []byte) error {
	if err := storage.CheckKey(guildID, doc); err != nil {
		return err
	}

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO guild_documents (guild_id, document, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (guild_id, document) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		guildID, string(doc), string(data))
	if err != nil {
		return fmt.Errorf("failed to save %s for guild %s: %w", doc, guildID, err)
	}
	return nil
}

// Close closes the underlying connection.
func (r *Repository) Close() error {
	return r.db.Close()
}
