// Package lifecycle tracks which guilds the bot belongs to and whether the
// process has finished starting.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voiceboard/internal/state"
)

// Manager creates guild state on demand and owns the ready flag.
type Manager struct {
	store  *state.Store
	logger *zap.Logger
	ready  atomic.Bool
}

// New creates a manager for store.
func New(store *state.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger.Named("lifecycle")}
}

// Hydrate loads every stored guild. Per-guild problems are logged by the
// store; only a failure to enumerate guilds is returned.
func (m *Manager) Hydrate(ctx context.Context) error {
	_, err := m.store.Load(ctx)
	return err
}

// Start ensures state for every guild the bot is in, marks them present and
// flips the ready flag.
func (m *Manager) Start(guildIDs []string) {
	for _, id := range guildIDs {
		m.EnsureGuildState(id)
		m.store.SetPresent(id, true)
	}
	m.ready.Store(true)
	m.logger.Info("Guild lifecycle ready", zap.Int("guilds", len(guildIDs)))
}

// EnsureGuildState creates default state for guildID when it has none.
func (m *Manager) EnsureGuildState(guildID string) {
	if m.store.Ensure(guildID) {
		m.logger.Debug("Created guild state", zap.String("guildID", guildID))
	}
}

// GuildJoined handles the bot being added to, or re-delivered, a guild.
func (m *Manager) GuildJoined(guildID string) {
	m.EnsureGuildState(guildID)
	if !m.store.Present(guildID) {
		m.logger.Info("Joined guild", zap.String("guildID", guildID))
	}
	m.store.SetPresent(guildID, true)
}

// GuildLeft closes the open sessions of guildID as of now, crediting them,
// and marks the guild absent. Its records and config are retained. It
// returns the number of sessions closed.
func (m *Manager) GuildLeft(guildID string, now time.Time) int {
	closed := m.store.CloseOpenSessions(guildID, now)
	m.store.SetPresent(guildID, false)
	m.logger.Info("Left guild, keeping its data",
		zap.String("guildID", guildID),
		zap.Int("closedSessions", closed))
	return closed
}

// Ready reports whether Start has completed and Stop has not been called.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Stop clears the ready flag so periodic work stops touching guilds.
func (m *Manager) Stop() {
	m.ready.Store(false)
}

// GuildCount counts the guilds the bot is currently in.
func (m *Manager) GuildCount() int {
	return len(m.store.PresentGuildIDs())
}
