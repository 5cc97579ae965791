package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserVoiceRecord is the accumulated voice time of one user in one guild.
type UserVoiceRecord struct {
	// TotalTime is the sum of every closed session segment.
	TotalTime time.Duration
	// JoinTime is the start of the open session, nil when the user is not in voice.
	JoinTime *time.Time

	Username    string
	DisplayName string
	AvatarURL   string
}

// IsInVoice reports whether the record has an open session.
func (r UserVoiceRecord) IsInVoice() bool {
	return r.JoinTime != nil
}

// LiveTotal returns the total including the open session as of now.
// It never mutates the record.
func (r UserVoiceRecord) LiveTotal(now time.Time) time.Duration {
	total := r.TotalTime
	if r.JoinTime != nil {
		if elapsed := now.Sub(*r.JoinTime); elapsed > 0 {
			total += elapsed
		}
	}
	return total
}

// Clone returns a deep copy so readers never share the JoinTime pointer.
func (r *UserVoiceRecord) Clone() UserVoiceRecord {
	c := *r
	if r.JoinTime != nil {
		t := *r.JoinTime
		c.JoinTime = &t
	}
	return c
}

type recordJSON struct {
	TotalTime   int64  `json:"totalTime"`
	JoinTime    *int64 `json:"joinTime"`
	IsInVoice   bool   `json:"isInVoice"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL"`
}

// MarshalJSON writes durations and timestamps as milliseconds.
func (r UserVoiceRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		TotalTime:   r.TotalTime.Milliseconds(),
		IsInVoice:   r.JoinTime != nil,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
	}
	if r.JoinTime != nil {
		ms := r.JoinTime.UnixMilli()
		out.JoinTime = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the stored form. A session is only considered open when
// both isInVoice and joinTime say so; any other combination loads as closed.
func (r *UserVoiceRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.TotalTime < 0 {
		in.TotalTime = 0
	}
	*r = UserVoiceRecord{
		TotalTime:   time.Duration(in.TotalTime) * time.Millisecond,
		Username:    in.Username,
		DisplayName: in.DisplayName,
		AvatarURL:   in.AvatarURL,
	}
	if in.IsInVoice && in.JoinTime != nil {
		t := time.UnixMilli(*in.JoinTime)
		r.JoinTime = &t
	}
	return nil
}

// RecordEntry is one [userId, record] pair of the voice-data document.
type RecordEntry struct {
	UserID string
	Record UserVoiceRecord
}

// MarshalJSON encodes the entry as a two element array.
func (e RecordEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.UserID, e.Record})
}

// UnmarshalJSON decodes a two element [userId, record] array.
func (e *RecordEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("voice data entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.UserID); err != nil {
		return fmt.Errorf("voice data entry user id: %w", err)
	}
	if e.UserID == "" {
		return fmt.Errorf("voice data entry has an empty user id")
	}
	if err := json.Unmarshal(pair[1], &e.Record); err != nil {
		return fmt.Errorf("voice data entry %s: %w", e.UserID, err)
	}
	return nil
}

// GuildConfig identifies where the auto-posted leaderboard lives.
// Empty strings are stored as null.
type GuildConfig struct {
	LeaderboardChannelID string
	LeaderboardMessageID string
}

type guildConfigJSON struct {
	LeaderboardChannelID *string `json:"leaderboardChannelId"`
	LeaderboardMessageID *string `json:"leaderboardMessageId"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON writes empty identifiers as null.
func (c GuildConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(guildConfigJSON{
		LeaderboardChannelID: nullable(c.LeaderboardChannelID),
		LeaderboardMessageID: nullable(c.LeaderboardMessageID),
	})
}

// UnmarshalJSON reads null identifiers as empty strings.
func (c *GuildConfig) UnmarshalJSON(data []byte) error {
	var in guildConfigJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.LeaderboardChannelID = deref(in.LeaderboardChannelID)
	c.LeaderboardMessageID = deref(in.LeaderboardMessageID)
	return nil
}

// Configured reports whether an auto-posted leaderboard channel is set.
func (c GuildConfig) Configured() bool {
	return c.LeaderboardChannelID != ""
}

// CompareIDs orders Discord snowflakes numerically without parsing them:
// a shorter decimal string is the smaller number.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
