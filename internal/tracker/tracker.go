// Package tracker turns voice presence changes into session transitions on
// the guild store.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"voiceboard/internal/metrics"
	"voiceboard/internal/models"
	"voiceboard/internal/state"
)

// PresenceChange is one voice state update of a guild member.
// An empty channel ID means "not in a voice channel".
type PresenceChange struct {
	GuildID           string
	UserID            string
	PreviousChannelID string
	ChannelID         string
	Bot               bool

	Username    string
	DisplayName string
	AvatarURL   string
}

// Transition is what Apply did to the member's session.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionIgnored
	TransitionStart
	TransitionMove
	TransitionClose
)

func (t Transition) String() string {
	switch t {
	case TransitionIgnored:
		return "ignored"
	case TransitionStart:
		return "start"
	case TransitionMove:
		return "move"
	case TransitionClose:
		return "close"
	default:
		return "none"
	}
}

// Options tunes the tracker.
type Options struct {
	// FoldOnMove credits the time spent in the previous channel when a member
	// switches channels. When false the switch restarts the session clock
	// and that segment is lost.
	FoldOnMove bool
}

// Tracker is the per-process session state machine.
type Tracker struct {
	store   *state.Store
	clock   quartz.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

// New creates a tracker writing to store.
func New(store *state.Store, clock quartz.Clock, logger *zap.Logger, m *metrics.Metrics, opts Options) *Tracker {
	return &Tracker{
		store:   store,
		clock:   clock,
		logger:  logger.Named("tracker"),
		metrics: m,
		opts:    opts,
	}
}

// Apply classifies ev against the member's record and applies the matching
// transition. Metadata is refreshed on every non-bot event. Closing a
// session saves the guild immediately; a failed save is returned but the
// in-memory transition stands and the guild stays dirty.
func (t *Tracker) Apply(ctx context.Context, ev PresenceChange) (Transition, error) {
	if ev.Bot {
		return TransitionIgnored, nil
	}

	now := t.clock.Now()
	var (
		tr      Transition
		session time.Duration
	)
	t.store.Update(ev.GuildID, ev.UserID, func(rec *models.UserVoiceRecord) bool {
		switch {
		case ev.ChannelID != "" && ev.ChannelID != ev.PreviousChannelID:
			if rec.IsInVoice() {
				tr = TransitionMove
				t.moveSession(rec, now)
			} else {
				tr = TransitionStart
				rec.JoinTime = &now
			}
		case ev.ChannelID == "" && rec.IsInVoice():
			tr = TransitionClose
			session = closeSession(rec, now)
		}
		refreshMetadata(rec, ev)
		return tr != TransitionNone
	})

	if tr == TransitionNone {
		return tr, nil
	}
	t.metrics.RecordTransition(tr.String())

	if tr != TransitionClose {
		t.logger.Debug("Voice session updated",
			zap.String("guildID", ev.GuildID),
			zap.String("userID", ev.UserID),
			zap.Stringer("transition", tr),
			zap.String("channelID", ev.ChannelID))
		return tr, nil
	}

	t.logger.Info("Voice session closed",
		zap.String("guildID", ev.GuildID),
		zap.String("userID", ev.UserID),
		zap.String("displayName", ev.DisplayName),
		zap.Duration("session", session))

	_, err := t.store.Save(ctx, ev.GuildID, true)
	t.metrics.RecordSave(metrics.SaveWriteThrough, err)
	if err != nil {
		return tr, fmt.Errorf("write-through save of guild %s: %w", ev.GuildID, err)
	}
	return tr, nil
}

// moveSession handles a switch between two voice channels.
func (t *Tracker) moveSession(rec *models.UserVoiceRecord, now time.Time) {
	if t.opts.FoldOnMove {
		rec.TotalTime = rec.LiveTotal(now)
	}
	rec.JoinTime = &now
}

func closeSession(rec *models.UserVoiceRecord, now time.Time) time.Duration {
	session := max(now.Sub(*rec.JoinTime), 0)
	rec.TotalTime += session
	rec.JoinTime = nil
	return session
}

func refreshMetadata(rec *models.UserVoiceRecord, ev PresenceChange) {
	if ev.Username != "" {
		rec.Username = ev.Username
	}
	if ev.DisplayName != "" {
		rec.DisplayName = ev.DisplayName
	}
	if ev.AvatarURL != "" {
		rec.AvatarURL = ev.AvatarURL
	}
}

// Reconcile aligns a guild with the voice states reported when the gateway
// (re)delivers it. Members in voice without an open session start one.
// Open sessions of members no longer in voice are closed without crediting
// the unknown time since their last fold.
func (t *Tracker) Reconcile(guildID string, current []PresenceChange) (started, closed int) {
	now := t.clock.Now()
	inVoice := make(map[string]struct{}, len(current))

	for _, ev := range current {
		if ev.Bot || ev.ChannelID == "" {
			continue
		}
		inVoice[ev.UserID] = struct{}{}
		if t.store.Update(guildID, ev.UserID, func(rec *models.UserVoiceRecord) bool {
			refreshMetadata(rec, ev)
			if rec.IsInVoice() {
				return false
			}
			rec.JoinTime = &now
			return true
		}) {
			started++
		}
	}

	for userID, rec := range t.store.Records(guildID) {
		if _, ok := inVoice[userID]; ok || !rec.IsInVoice() {
			continue
		}
		if t.store.Update(guildID, userID, func(rec *models.UserVoiceRecord) bool {
			if !rec.IsInVoice() {
				return false
			}
			rec.JoinTime = nil
			return true
		}) {
			closed++
		}
	}

	if started > 0 || closed > 0 {
		t.logger.Info("Reconciled voice sessions",
			zap.String("guildID", guildID),
			zap.Int("started", started),
			zap.Int("closed", closed))
	}
	return started, closed
}
