// Package leaderboard ranks guild members by live voice time.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/coder/quartz"

	"voiceboard/internal/models"
	"voiceboard/internal/state"
)

// DefaultPageSize is the number of entries on one leaderboard page.
const DefaultPageSize = 20

// DefaultTopLimit is the length of a top list when none is given.
const DefaultTopLimit = 10

// ErrNoRoster is returned when the member list of a guild cannot be fetched.
var ErrNoRoster = errors.New("guild roster unavailable")

// Member is one current member of a guild.
type Member struct {
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
	Bot         bool
}

// Roster lists the current members of a guild.
type Roster interface {
	Members(ctx context.Context, guildID string) ([]Member, error)
}

// Entry is one ranked member.
type Entry struct {
	Rank        int           `json:"rank"`
	UserID      string        `json:"userId"`
	Username    string        `json:"username"`
	DisplayName string        `json:"displayName"`
	AvatarURL   string        `json:"avatarURL"`
	InVoice     bool          `json:"isInVoice"`
	Total       time.Duration `json:"-"`
}

// Engine computes rankings from a store snapshot. It never mutates records.
type Engine struct {
	store  *state.Store
	roster Roster
	clock  quartz.Clock
}

// New creates an engine.
func New(store *state.Store, roster Roster, clock quartz.Clock) *Engine {
	return &Engine{store: store, roster: roster, clock: clock}
}

// Rank returns every non-bot member of guildID ordered by live total,
// descending. Equal totals are ordered by ascending user ID.
func (e *Engine) Rank(ctx context.Context, guildID string) ([]Entry, error) {
	members, err := e.roster.Members(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRoster, err)
	}
	return RankMembers(members, e.store.Records(guildID), e.clock.Now()), nil
}

// RankMembers ranks members against records as of now.
func RankMembers(members []Member, records map[string]models.UserVoiceRecord, now time.Time) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		if m.Bot {
			continue
		}
		entry := Entry{
			UserID:      m.UserID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
		}
		if rec, ok := records[m.UserID]; ok {
			entry.Total = rec.LiveTotal(now)
			entry.InVoice = rec.IsInVoice()
			if entry.DisplayName == "" {
				entry.DisplayName = rec.DisplayName
			}
			if entry.AvatarURL == "" {
				entry.AvatarURL = rec.AvatarURL
			}
		}
		if entry.DisplayName == "" {
			entry.DisplayName = entry.Username
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Total != b.Total {
			if a.Total > b.Total {
				return -1
			}
			return 1
		}
		return models.CompareIDs(a.UserID, b.UserID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// Page is one slice of a ranking.
type Page struct {
	Entries    []Entry
	Page       int
	TotalPages int
	Members    int
}

// Paginate cuts entries into pages of pageSize and returns the requested
// page, clamped into range. There is always at least one page.
func Paginate(entries []Entry, page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	totalPages := max(1, (len(entries)+pageSize-1)/pageSize)
	page = max(0, min(page, totalPages-1))

	start := min(page*pageSize, len(entries))
	end := min(start+pageSize, len(entries))
	return Page{
		Entries:    entries[start:end],
		Page:       page,
		TotalPages: totalPages,
		Members:    len(entries),
	}
}

// Standing is one user's position in a guild.
type Standing struct {
	UserID  string
	Total   time.Duration
	InVoice bool
	// Rank is 0 when the user is not a ranked member.
	Rank       int
	Members    int
	Percentile int
}

// Standing looks up userID. Its total comes from the user's own record so a
// user who left the guild still sees their time.
func (e *Engine) Standing(ctx context.Context, guildID, userID string) (Standing, error) {
	entries, err := e.Rank(ctx, guildID)
	if err != nil {
		return Standing{}, err
	}

	s := Standing{UserID: userID, Members: len(entries)}
	if rec, ok := e.store.Record(guildID, userID); ok {
		s.Total = rec.LiveTotal(e.clock.Now())
		s.InVoice = rec.IsInVoice()
	}
	for _, entry := range entries {
		if entry.UserID == userID {
			s.Rank = entry.Rank
			break
		}
	}
	s.Percentile = Percentile(s.Rank, s.Members)
	return s, nil
}

// Percentile is the share of members ranked at or below rank, rounded.
func Percentile(rank, members int) int {
	if rank <= 0 || members <= 0 {
		return 0
	}
	return int(math.Round((1 - float64(rank-1)/float64(members)) * 100))
}

// Summary aggregates a ranking.
type Summary struct {
	Members       int
	Active        int
	WithTime      int
	Participation int
	Total         time.Duration
	Average       time.Duration
	Top           *Entry
}

// Summarize computes server-wide statistics. Average is over members with
// any recorded time.
func Summarize(entries []Entry) Summary {
	s := Summary{Members: len(entries)}
	for i := range entries {
		if entries[i].InVoice {
			s.Active++
		}
		if entries[i].Total > 0 {
			s.WithTime++
			s.Total += entries[i].Total
			if s.Top == nil {
				s.Top = &entries[i]
			}
		}
	}
	if s.WithTime > 0 {
		s.Average = s.Total / time.Duration(s.WithTime)
	}
	if s.Members > 0 {
		s.Participation = int(math.Round(float64(s.WithTime) / float64(s.Members) * 100))
	}
	return s
}

// Top returns the first limit entries with any recorded time.
func Top(entries []Entry, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	out := make([]Entry, 0, min(limit, len(entries)))
	for _, entry := range entries {
		if len(out) == limit {
			break
		}
		if entry.Total > 0 {
			out = append(out, entry)
		}
	}
	return out
}
