package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"voiceboard/internal/metrics"
	"voiceboard/internal/models"
)

// Post outcomes recorded in metrics.
const (
	postEdited  = "edited"
	postCreated = "created"
	postCleared = "cleared"
	postFailed  = "failed"
)

// SetLeaderboardChannel points the auto-posted leaderboard of guildID at
// channelID, saves, and posts a fresh leaderboard there. It returns an error
// wrapping ErrTargetGone when the channel cannot be posted to; the
// configuration is cleared again in that case.
func (s *Service) SetLeaderboardChannel(ctx context.Context, guildID, channelID string) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	return s.do(ctx, guildID, "set-leaderboard", func(ctx context.Context) error {
		s.lifecycle.EnsureGuildState(guildID)
		s.store.SetConfig(guildID, models.GuildConfig{LeaderboardChannelID: channelID})
		if err := s.save(ctx, guildID, metrics.SaveAdmin); err != nil {
			return err
		}
		s.logger.Info("Leaderboard channel set",
			zap.String("guildID", guildID),
			zap.String("channelID", channelID))
		return s.refreshGuild(ctx, guildID)
	})
}

// ResetLeaderboard deletes every record of guildID, keeps its configuration
// and refreshes the posted leaderboard. It returns the number of records removed.
func (s *Service) ResetLeaderboard(ctx context.Context, guildID string) (int, error) {
	if !s.IsReady() {
		return 0, ErrNotReady
	}
	var removed int
	err := s.do(ctx, guildID, "reset-leaderboard", func(ctx context.Context) error {
		removed = s.store.Reset(guildID)
		if err := s.save(ctx, guildID, metrics.SaveAdmin); err != nil {
			return err
		}
		s.logger.Info("Leaderboard reset",
			zap.String("guildID", guildID),
			zap.Int("removed", removed))
		// the reset stands even when the posted leaderboard is gone
		if err := s.refreshGuild(ctx, guildID); !errors.Is(err, ErrTargetGone) {
			return err
		}
		return nil
	})
	return removed, err
}

func (s *Service) save(ctx context.Context, guildID, kind string) error {
	_, err := s.store.Save(ctx, guildID, true)
	s.metrics.RecordSave(kind, err)
	if err != nil {
		return fmt.Errorf("failed to save guild %s: %w", guildID, err)
	}
	return nil
}

// RefreshGuild re-renders the auto-posted leaderboard of guildID on its queue.
func (s *Service) RefreshGuild(ctx context.Context, guildID string) error {
	return s.do(ctx, guildID, "refresh", s.refreshTask(guildID))
}

// RefreshAll queues a refresh for every present guild with a leaderboard channel.
func (s *Service) RefreshAll() int {
	if !s.IsReady() {
		return 0
	}
	n := 0
	for _, guildID := range s.store.PresentGuildIDs() {
		if cfg, _ := s.store.Config(guildID); !cfg.Configured() {
			continue
		}
		s.submit(guildID, "refresh", s.refreshTask(guildID))
		n++
	}
	s.logger.Debug("Queued leaderboard refreshes", zap.Int("guilds", n))
	return n
}

// refreshTask is refreshGuild for background refreshes, where a cleared
// target was already logged and is not a failure.
func (s *Service) refreshTask(guildID string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := s.refreshGuild(ctx, guildID); !errors.Is(err, ErrTargetGone) {
			return err
		}
		return nil
	}
}

// refreshGuild runs on the guild queue. A channel that is gone or
// inaccessible clears and saves the configuration, then reports
// ErrTargetGone.
func (s *Service) refreshGuild(ctx context.Context, guildID string) error {
	if !s.IsReady() || !s.store.Present(guildID) {
		return nil
	}
	cfg, _ := s.store.Config(guildID)
	if !cfg.Configured() {
		return nil
	}

	view, err := s.Leaderboard(ctx, guildID, 0)
	if err != nil {
		s.metrics.RecordPost(postFailed)
		return fmt.Errorf("failed to build leaderboard for guild %s: %w", guildID, err)
	}

	messageID, err := s.poster.PostLeaderboard(ctx, cfg.LeaderboardChannelID, cfg.LeaderboardMessageID, view)
	if errors.Is(err, ErrTargetGone) {
		s.metrics.RecordPost(postCleared)
		s.logger.Warn("Leaderboard channel unusable, clearing configuration",
			zap.String("guildID", guildID),
			zap.String("channelID", cfg.LeaderboardChannelID),
			zap.Error(err))
		s.store.ClearConfig(guildID)
		gone := fmt.Errorf("leaderboard channel %s of guild %s cleared: %w", cfg.LeaderboardChannelID, guildID, ErrTargetGone)
		if err := s.save(ctx, guildID, metrics.SaveAdmin); err != nil {
			return errors.Join(gone, err)
		}
		return gone
	}
	if err != nil {
		s.metrics.RecordPost(postFailed)
		return fmt.Errorf("failed to post leaderboard for guild %s: %w", guildID, err)
	}

	if messageID == cfg.LeaderboardMessageID {
		s.metrics.RecordPost(postEdited)
		return nil
	}

	s.metrics.RecordPost(postCreated)
	s.logger.Info("Posted new leaderboard message",
		zap.String("guildID", guildID),
		zap.String("channelID", cfg.LeaderboardChannelID),
		zap.String("messageID", messageID))
	cfg.LeaderboardMessageID = messageID
	s.store.SetConfig(guildID, cfg)
	return s.save(ctx, guildID, metrics.SaveAdmin)
}

// scheduleRefresh coalesces refreshes of one guild that arrive within the
// debounce window into a single refresh and web broadcast.
func (s *Service) scheduleRefresh(guildID string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if _, pending := s.debounce[guildID]; pending {
		return
	}
	s.debounce[guildID] = s.clock.AfterFunc(s.opts.RefreshDebounce, func() {
		s.debounceMu.Lock()
		delete(s.debounce, guildID)
		s.debounceMu.Unlock()

		s.submit(guildID, "refresh", s.refreshTask(guildID))
		s.requestBroadcast()
	}, "refresh-debounce")
}

func (s *Service) cancelRefresh(guildID string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if t, ok := s.debounce[guildID]; ok {
		t.Stop()
		delete(s.debounce, guildID)
	}
}

func (s *Service) stopRefreshes() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	for guildID, t := range s.debounce {
		t.Stop()
		delete(s.debounce, guildID)
	}
}
