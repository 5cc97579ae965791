// Package state holds the authoritative in-memory voice records and
// leaderboard configuration of every guild, and persists them through a
// storage.Backend.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"voiceboard/internal/models"
	"voiceboard/internal/storage"
)

// ErrUnknownGuild is returned when saving a guild that has no state.
var ErrUnknownGuild = errors.New("unknown guild")

type guildState struct {
	records map[string]*models.UserVoiceRecord
	config  models.GuildConfig
	present bool
	dirty   bool
	// gen increases on every mutation so a save only clears the dirty flag
	// when nothing changed while it was writing.
	gen uint64

	saveMu sync.Mutex
}

func newGuildState() *guildState {
	return &guildState{records: make(map[string]*models.UserVoiceRecord)}
}

func (g *guildState) touch() {
	g.dirty = true
	g.gen++
}

// Store is safe for concurrent use.
type Store struct {
	backend storage.Backend
	logger  *zap.Logger

	mu     sync.RWMutex
	guilds map[string]*guildState
}

// New creates an empty store on top of backend.
func New(backend storage.Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.Named("state"),
		guilds:  make(map[string]*guildState),
	}
}

// Load reads every guild the backend knows about. A missing or malformed
// document falls back to its default; only failing to list guilds is an error.
func (s *Store) Load(ctx context.Context) (int, error) {
	ids, err := s.backend.GuildIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored guilds: %w", err)
	}

	for _, id := range ids {
		g := newGuildState()
		s.loadVoiceData(ctx, id, g)
		s.loadConfig(ctx, id, g)

		s.mu.Lock()
		s.guilds[id] = g
		s.mu.Unlock()

		s.logger.Debug("Loaded guild",
			zap.String("guildID", id),
			zap.Int("records", len(g.records)))
	}

	s.logger.Info("Loaded stored guilds", zap.Int("count", len(ids)))
	return len(ids), nil
}

func (s *Store) loadVoiceData(ctx context.Context, guildID string, g *guildState) {
	data, err := s.backend.Load(ctx, guildID, storage.VoiceData)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to read voice data, starting empty",
			zap.String("guildID", guildID), zap.Error(err))
		return
	}

	var entries []models.RecordEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Error("Malformed voice data, starting empty",
			zap.String("guildID", guildID), zap.Error(err))
		return
	}
	for _, e := range entries {
		rec := e.Record
		g.records[e.UserID] = &rec
	}
}

func (s *Store) loadConfig(ctx context.Context, guildID string, g *guildState) {
	data, err := s.backend.Load(ctx, guildID, storage.Config)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to read config, using defaults",
			zap.String("guildID", guildID), zap.Error(err))
		return
	}

	var cfg models.GuildConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Error("Malformed config, using defaults",
			zap.String("guildID", guildID), zap.Error(err))
		return
	}
	g.config = cfg
}

// guild returns the state of guildID, creating it when create is set.
// Callers hold s.mu for writing when create is true.
func (s *Store) guild(guildID string, create bool) *guildState {
	g, ok := s.guilds[guildID]
	if !ok && create {
		g = newGuildState()
		s.guilds[guildID] = g
	}
	return g
}

// Ensure creates default state for guildID if it has none and reports
// whether it did.
func (s *Store) Ensure(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.guilds[guildID]; ok {
		return false
	}
	s.guilds[guildID] = newGuildState()
	return true
}

// Has reports whether guildID has state.
func (s *Store) Has(guildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

// SetPresent records whether the bot is currently a member of guildID.
func (s *Store) SetPresent(guildID string, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guild(guildID, true).present = present
}

// Present reports whether the bot is currently a member of guildID.
func (s *Store) Present(guildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.guild(guildID, false)
	return g != nil && g.present
}

// GuildIDs lists every guild with state in ascending order.
func (s *Store) GuildIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs(func(*guildState) bool { return true })
}

// PresentGuildIDs lists the guilds the bot is a member of.
func (s *Store) PresentGuildIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs(func(g *guildState) bool { return g.present })
}

// DirtyGuildIDs lists the guilds with unsaved changes.
func (s *Store) DirtyGuildIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs(func(g *guildState) bool { return g.dirty })
}

func (s *Store) sortedIDs(keep func(*guildState) bool) []string {
	ids := make([]string, 0, len(s.guilds))
	for id, g := range s.guilds {
		if keep(g) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, models.CompareIDs)
	return ids
}

// Update runs fn on the record of userID in guildID, creating the guild and
// the record when missing. The guild is marked dirty when fn returns true.
func (s *Store) Update(guildID, userID string, fn func(rec *models.UserVoiceRecord) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.guild(guildID, true)
	rec, ok := g.records[userID]
	if !ok {
		rec = &models.UserVoiceRecord{}
		g.records[userID] = rec
	}
	changed := fn(rec)
	if changed {
		g.touch()
	}
	return changed
}

// Record returns a copy of one record.
func (s *Store) Record(guildID, userID string) (models.UserVoiceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.guild(guildID, false)
	if g == nil {
		return models.UserVoiceRecord{}, false
	}
	rec, ok := g.records[userID]
	if !ok {
		return models.UserVoiceRecord{}, false
	}
	return rec.Clone(), true
}

// Records returns a copy of every record of guildID, or nil when the guild
// has no state.
func (s *Store) Records(guildID string) map[string]models.UserVoiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.guild(guildID, false)
	if g == nil {
		return nil
	}
	out := make(map[string]models.UserVoiceRecord, len(g.records))
	for id, rec := range g.records {
		out[id] = rec.Clone()
	}
	return out
}

// Config returns the leaderboard configuration of guildID.
func (s *Store) Config(guildID string) (models.GuildConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.guild(guildID, false)
	if g == nil {
		return models.GuildConfig{}, false
	}
	return g.config, true
}

// SetConfig replaces the leaderboard configuration and marks the guild dirty.
func (s *Store) SetConfig(guildID string, cfg models.GuildConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.guild(guildID, true)
	g.config = cfg
	g.touch()
}

// ClearConfig forgets the leaderboard channel and message.
func (s *Store) ClearConfig(guildID string) {
	s.SetConfig(guildID, models.GuildConfig{})
}

// Reset drops every record of guildID and keeps its configuration.
func (s *Store) Reset(guildID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.guild(guildID, true)
	n := len(g.records)
	g.records = make(map[string]*models.UserVoiceRecord)
	g.touch()
	return n
}

// FoldOpenSessions moves the elapsed part of every open session into its
// total and restarts the session at now. Live totals are unchanged. It
// returns the number of open sessions.
func (s *Store) FoldOpenSessions(guildID string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.guild(guildID, false)
	if g == nil {
		return 0
	}
	open := 0
	for _, rec := range g.records {
		if rec.JoinTime == nil {
			continue
		}
		open++
		rec.TotalTime = rec.LiveTotal(now)
		join := now
		rec.JoinTime = &join
	}
	if open > 0 {
		g.touch()
	}
	return open
}

// CloseOpenSessions credits the elapsed part of every open session and
// closes it. It returns the number of sessions closed.
func (s *Store) CloseOpenSessions(guildID string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.guild(guildID, false)
	if g == nil {
		return 0
	}
	closed := 0
	for _, rec := range g.records {
		if rec.JoinTime == nil {
			continue
		}
		closed++
		rec.TotalTime = rec.LiveTotal(now)
		rec.JoinTime = nil
	}
	if closed > 0 {
		g.touch()
	}
	return closed
}

// ActiveUsers counts open sessions in guildID.
func (s *Store) ActiveUsers(guildID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.guild(guildID, false)
	if g == nil {
		return 0
	}
	n := 0
	for _, rec := range g.records {
		if rec.IsInVoice() {
			n++
		}
	}
	return n
}

// MarkDirty flags guildID as having unsaved changes.
func (s *Store) MarkDirty(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guild(guildID, true).touch()
}

// ClearDirty drops the unsaved-changes flag of guildID.
func (s *Store) ClearDirty(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.guild(guildID, false); g != nil {
		g.dirty = false
	}
}

// IsDirty reports whether guildID has unsaved changes.
func (s *Store) IsDirty(guildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.guild(guildID, false)
	return g != nil && g.dirty
}

// DirtyCount counts guilds with unsaved changes.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, g := range s.guilds {
		if g.dirty {
			n++
		}
	}
	return n
}

// Save writes both documents of guildID. Without force a clean guild is
// skipped and Save reports false. The two writes are not atomic as a pair.
// On failure the dirty flag stays set.
func (s *Store) Save(ctx context.Context, guildID string, force bool) (bool, error) {
	s.mu.RLock()
	g := s.guild(guildID, false)
	s.mu.RUnlock()
	if g == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownGuild, guildID)
	}

	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	s.mu.RLock()
	if !force && !g.dirty {
		s.mu.RUnlock()
		return false, nil
	}
	voiceData, config, err := encode(g)
	gen := g.gen
	s.mu.RUnlock()
	if err != nil {
		return false, fmt.Errorf("failed to encode guild %s: %w", guildID, err)
	}

	if err := s.backend.Save(ctx, guildID, storage.VoiceData, voiceData); err != nil {
		return false, err
	}
	if err := s.backend.Save(ctx, guildID, storage.Config, config); err != nil {
		return false, err
	}

	s.mu.Lock()
	if g.gen == gen {
		g.dirty = false
	}
	s.mu.Unlock()
	return true, nil
}

// encode serializes g. Callers hold s.mu.
func encode(g *guildState) ([]byte, []byte, error) {
	entries := make([]models.RecordEntry, 0, len(g.records))
	for id, rec := range g.records {
		entries = append(entries, models.RecordEntry{UserID: id, Record: *rec})
	}
	slices.SortFunc(entries, func(a, b models.RecordEntry) int {
		return models.CompareIDs(a.UserID, b.UserID)
	})

	voiceData, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	config, err := json.MarshalIndent(g.config, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return voiceData, config, nil
}

// SaveAll saves every guild and joins the errors of the ones that failed.
func (s *Store) SaveAll(ctx context.Context, force bool) (int, error) {
	var errs []error
	saved := 0
	for _, id := range s.GuildIDs() {
		ok, err := s.Save(ctx, id, force)
		if err != nil {
			s.logger.Error("Failed to save guild",
				zap.String("guildID", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			saved++
		}
	}
	return saved, errors.Join(errs...)
}
