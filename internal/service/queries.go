package service

import (
	"context"
	"fmt"

	"voiceboard/internal/autosave"
	"voiceboard/internal/leaderboard"
)

// LeaderboardView is everything needed to render one leaderboard page.
type LeaderboardView struct {
	Guild      GuildInfo
	Page       leaderboard.Page
	Summary    leaderboard.Summary
	SaveStatus autosave.SaveStatus
}

func (s *Service) checkGuild(guildID string) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	if !s.store.Has(guildID) {
		return fmt.Errorf("%w: %s", ErrUnknownGuild, guildID)
	}
	return nil
}

// Rank returns the full ranking of guildID.
func (s *Service) Rank(ctx context.Context, guildID string) ([]leaderboard.Entry, error) {
	if err := s.checkGuild(guildID); err != nil {
		return nil, err
	}
	return s.engine.Rank(ctx, guildID)
}

// Leaderboard returns one page of the ranking of guildID. Out of range pages
// are clamped.
func (s *Service) Leaderboard(ctx context.Context, guildID string, page int) (LeaderboardView, error) {
	entries, err := s.Rank(ctx, guildID)
	if err != nil {
		return LeaderboardView{}, err
	}
	info, err := s.directory.Guild(ctx, guildID)
	if err != nil {
		return LeaderboardView{}, fmt.Errorf("failed to look up guild %s: %w", guildID, err)
	}
	return LeaderboardView{
		Guild:      info,
		Page:       leaderboard.Paginate(entries, page, s.opts.PageSize),
		Summary:    leaderboard.Summarize(entries),
		SaveStatus: s.SaveStatus(),
	}, nil
}

// UserStanding returns the total, rank and percentile of userID.
func (s *Service) UserStanding(ctx context.Context, guildID, userID string) (leaderboard.Standing, error) {
	if err := s.checkGuild(guildID); err != nil {
		return leaderboard.Standing{}, err
	}
	return s.engine.Standing(ctx, guildID, userID)
}

// Stats summarizes guildID.
func (s *Service) Stats(ctx context.Context, guildID string) (leaderboard.Summary, error) {
	entries, err := s.Rank(ctx, guildID)
	if err != nil {
		return leaderboard.Summary{}, err
	}
	return leaderboard.Summarize(entries), nil
}

// Top returns up to limit members with recorded time.
func (s *Service) Top(ctx context.Context, guildID string, limit int) ([]leaderboard.Entry, error) {
	entries, err := s.Rank(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return leaderboard.Top(entries, limit), nil
}

// SaveStatus reports the autosave state.
func (s *Service) SaveStatus() autosave.SaveStatus {
	return s.scheduler.Status()
}

// PageSize is the configured leaderboard page size.
func (s *Service) PageSize() int {
	return s.opts.PageSize
}
