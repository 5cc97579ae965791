package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"voiceboard/internal/autosave"
	"voiceboard/internal/leaderboard"
	"voiceboard/internal/notify"
	"voiceboard/pkg/utils"
)

// BoardUser is one ranked member as pushed to web clients.
type BoardUser struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	DisplayName   string `json:"displayName"`
	AvatarURL     string `json:"avatarURL"`
	IsInVoice     bool   `json:"isInVoice"`
	CurrentTotal  int64  `json:"currentTotal"`
	TimeFormatted string `json:"timeFormatted"`
}

// GuildBoard is the full ranking of one guild.
type GuildBoard struct {
	GuildID     string      `json:"guildId"`
	GuildName   string      `json:"guildName"`
	GuildIcon   *string     `json:"guildIcon"`
	MemberCount int         `json:"memberCount"`
	ActiveUsers int         `json:"activeUsers"`
	TotalTime   int64       `json:"totalTime"`
	Users       []BoardUser `json:"users"`
}

// Snapshot is the payload of a leaderboardUpdate event.
type Snapshot struct {
	Timestamp   int64                 `json:"timestamp"`
	BotStatus   bool                  `json:"botStatus"`
	TotalGuilds int                   `json:"totalGuilds"`
	Guilds      map[string]GuildBoard `json:"guilds"`
	SaveStatus  autosave.SaveStatus   `json:"saveStatus"`
}

// SaveEvent is the payload of a saveStatus event sent after a sweep.
type SaveEvent struct {
	Timestamp        int64 `json:"timestamp"`
	SavedGuilds      int   `json:"savedGuilds"`
	ActiveVoiceUsers int   `json:"activeVoiceUsers"`
	Failed           int   `json:"failed"`
	TimeTaken        int64 `json:"timeTaken"`
	PendingSaves     int   `json:"pendingSaves"`
	NextSaveIn       int64 `json:"nextSaveIn"`
}

// BotStatus is the payload of a botStatus event.
type BotStatus struct {
	IsReady bool   `json:"isReady"`
	Message string `json:"message,omitempty"`
}

// NewBoardUsers converts ranked entries for web clients.
func NewBoardUsers(entries []leaderboard.Entry) []BoardUser {
	users := make([]BoardUser, len(entries))
	for i, e := range entries {
		users[i] = BoardUser{
			Rank:          e.Rank,
			UserID:        e.UserID,
			Username:      e.Username,
			DisplayName:   e.DisplayName,
			AvatarURL:     e.AvatarURL,
			IsInVoice:     e.InVoice,
			CurrentTotal:  e.Total.Milliseconds(),
			TimeFormatted: utils.FormatDurationOf(e.Total),
		}
	}
	return users
}

// Board returns the full ranking of guildID.
func (s *Service) Board(ctx context.Context, guildID string) (GuildBoard, error) {
	entries, err := s.Rank(ctx, guildID)
	if err != nil {
		return GuildBoard{}, err
	}
	info, err := s.directory.Guild(ctx, guildID)
	if err != nil {
		return GuildBoard{}, err
	}
	summary := leaderboard.Summarize(entries)
	board := GuildBoard{
		GuildID:     guildID,
		GuildName:   info.Name,
		MemberCount: info.MemberCount,
		ActiveUsers: summary.Active,
		TotalTime:   summary.Total.Milliseconds(),
		Users:       NewBoardUsers(entries),
	}
	if info.IconURL != "" {
		board.GuildIcon = &info.IconURL
	}
	if board.GuildName == "" {
		board.GuildName = "Unknown Guild"
	}
	return board, nil
}

// BuildSnapshot ranks every present guild. Guilds whose roster cannot be
// read are left out; guilds with no members are omitted.
func (s *Service) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	snap := &Snapshot{
		Timestamp:  s.clock.Now().UnixMilli(),
		BotStatus:  true,
		Guilds:     make(map[string]GuildBoard),
		SaveStatus: s.SaveStatus(),
	}
	present := s.store.PresentGuildIDs()
	snap.TotalGuilds = len(present)
	for _, guildID := range present {
		board, err := s.Board(ctx, guildID)
		if err != nil {
			if !errors.Is(err, leaderboard.ErrNoRoster) {
				return nil, err
			}
			s.logger.Warn("Skipping guild in snapshot", zap.String("guildID", guildID), zap.Error(err))
			continue
		}
		if len(board.Users) > 0 {
			snap.Guilds[guildID] = board
		}
	}
	return snap, nil
}

// Latest returns the last broadcast snapshot, or nil before the first one.
func (s *Service) Latest() *Snapshot {
	return s.latest.Load()
}

// Broadcast builds a snapshot, keeps it as the latest and publishes it.
func (s *Service) Broadcast(ctx context.Context) error {
	snap, err := s.BuildSnapshot(ctx)
	if err != nil {
		return err
	}
	s.latest.Store(snap)
	return s.publisher.Publish(ctx, notify.Event{Name: notify.EventLeaderboardUpdate, Data: snap})
}

// SaveStatusEvent returns the current save status as a saveStatus event payload.
func (s *Service) SaveStatusEvent() SaveEvent {
	st := s.SaveStatus()
	last := s.scheduler.Last()
	return SaveEvent{
		Timestamp:        st.LastSaveTimestamp,
		SavedGuilds:      last.SavedGuilds,
		ActiveVoiceUsers: last.ActiveVoiceUsers,
		Failed:           last.Failed,
		TimeTaken:        last.Took.Milliseconds(),
		PendingSaves:     st.PendingCommunityCount,
		NextSaveIn:       st.NextSaveEtaMs,
	}
}

func (s *Service) publishSweep(ctx context.Context, _ autosave.Result) {
	ev := notify.Event{Name: notify.EventSaveStatus, Data: s.SaveStatusEvent()}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish save status", zap.Error(err))
	}
}
