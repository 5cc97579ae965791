// Package autosave periodically folds open voice sessions into their totals
// and flushes dirty guilds to storage.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"voiceboard/internal/metrics"
	"voiceboard/internal/state"
)

// DefaultInterval is the time between two sweeps.
const DefaultInterval = time.Minute

// Readiness reports whether startup has completed.
type Readiness interface {
	Ready() bool
}

// Result describes one sweep.
type Result struct {
	Timestamp        time.Time     `json:"-"`
	SavedGuilds      int           `json:"savedGuilds"`
	ActiveVoiceUsers int           `json:"activeVoiceUsers"`
	Failed           int           `json:"failed"`
	Took             time.Duration `json:"-"`
	Skipped          bool          `json:"-"`
}

// SaveStatus is the externally visible autosave state.
type SaveStatus struct {
	LastSaveTimestamp     int64 `json:"lastSave"`
	PendingCommunityCount int   `json:"pendingSaves"`
	NextSaveEtaMs         int64 `json:"nextSaveIn"`
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// OnSweep is called after every sweep that was not skipped.
	OnSweep func(ctx context.Context, r Result)
}

// Scheduler runs sweeps on a ticker.
type Scheduler struct {
	store   *state.Store
	ready   Readiness
	clock   quartz.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu       sync.Mutex
	lastSave time.Time
	nextSave time.Time
	last     Result
}

// New creates a scheduler. The last-save time starts at construction so
// status reads are meaningful before the first sweep.
func New(store *state.Store, ready Readiness, clock quartz.Clock, logger *zap.Logger, m *metrics.Metrics, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	now := clock.Now()
	return &Scheduler{
		store:    store,
		ready:    ready,
		clock:    clock,
		logger:   logger.Named("autosave"),
		metrics:  m,
		opts:     opts,
		lastSave: now,
		nextSave: now.Add(opts.Interval),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.Interval, "autosave")
	defer ticker.Stop()

	s.setNext(s.clock.Now().Add(s.opts.Interval))
	s.logger.Info("Autosave started", zap.Duration("interval", s.opts.Interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
			s.setNext(s.clock.Now().Add(s.opts.Interval))
		}
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextSave = t
	s.mu.Unlock()
}

// Sweep folds and saves every guild once. Present guilds have their open
// sessions folded; every dirty guild is saved. Failures and panics in one
// guild are logged and counted without stopping the others.
func (s *Scheduler) Sweep(ctx context.Context) Result {
	if !s.ready.Ready() {
		s.logger.Debug("Not ready, skipping autosave")
		return Result{Skipped: true}
	}

	start := s.clock.Now()
	var r Result
	for _, guildID := range s.store.GuildIDs() {
		if ctx.Err() != nil {
			break
		}
		var pc panics.Catcher
		pc.Try(func() {
			saved, active, err := s.sweepGuild(ctx, guildID, start)
			r.ActiveVoiceUsers += active
			if saved {
				r.SavedGuilds++
			}
			if err != nil {
				r.Failed++
				s.logger.Error("Autosave failed for guild",
					zap.String("guildID", guildID), zap.Error(err))
			}
		})
		if rec := pc.Recovered(); rec != nil {
			r.Failed++
			s.logger.Error("Autosave panicked for guild",
				zap.String("guildID", guildID), zap.Error(rec.AsError()))
		}
	}

	r.Timestamp = s.clock.Now()
	r.Took = r.Timestamp.Sub(start)

	s.mu.Lock()
	s.lastSave = r.Timestamp
	s.last = r
	s.mu.Unlock()

	s.metrics.RecordSweep(r.Took, r.ActiveVoiceUsers, s.store.DirtyCount(), r.Timestamp)
	s.logger.Info("Autosave complete",
		zap.Int("savedGuilds", r.SavedGuilds),
		zap.Int("activeVoiceUsers", r.ActiveVoiceUsers),
		zap.Int("failed", r.Failed),
		zap.Duration("took", r.Took))

	if s.opts.OnSweep != nil {
		s.opts.OnSweep(ctx, r)
	}
	return r
}

func (s *Scheduler) sweepGuild(ctx context.Context, guildID string, now time.Time) (bool, int, error) {
	active := 0
	if s.store.Present(guildID) {
		active = s.store.FoldOpenSessions(guildID, now)
	}
	if !s.store.IsDirty(guildID) {
		return false, active, nil
	}
	_, err := s.store.Save(ctx, guildID, true)
	s.metrics.RecordSave(metrics.SaveSweep, err)
	return err == nil, active, err
}

// Status reports the last sweep time, the number of dirty guilds and the
// time until the next sweep.
func (s *Scheduler) Status() SaveStatus {
	s.mu.Lock()
	lastSave, nextSave := s.lastSave, s.nextSave
	s.mu.Unlock()

	return SaveStatus{
		LastSaveTimestamp:     lastSave.UnixMilli(),
		PendingCommunityCount: s.store.DirtyCount(),
		NextSaveEtaMs:         max(nextSave.Sub(s.clock.Now()), 0).Milliseconds(),
	}
}

// Last returns the most recent completed sweep.
func (s *Scheduler) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
