package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"voiceboard/internal/leaderboard"
	"voiceboard/internal/models"
	"voiceboard/internal/service"
)

// memberPageLimit is the largest page the member list endpoint returns.
const memberPageLimit = 1000

// rosterCache keeps the member list of each guild. A guild is fetched once
// and then kept current from member add, update and remove events.
type rosterCache struct {
	fetch func(ctx context.Context, guildID, after string) ([]*discordgo.Member, error)

	mu     sync.Mutex
	guilds map[string]map[string]leaderboard.Member
}

func newRosterCache(s *discordgo.Session) *rosterCache {
	return &rosterCache{
		fetch: func(ctx context.Context, guildID, after string) ([]*discordgo.Member, error) {
			return s.GuildMembers(guildID, after, memberPageLimit, discordgo.WithContext(ctx))
		},
		guilds: make(map[string]map[string]leaderboard.Member),
	}
}

func toMember(m *discordgo.Member) leaderboard.Member {
	return leaderboard.Member{
		UserID:      m.User.ID,
		Username:    m.User.Username,
		DisplayName: m.DisplayName(),
		AvatarURL:   m.AvatarURL(avatarSize),
		Bot:         m.User.Bot,
	}
}

func (r *rosterCache) members(ctx context.Context, guildID string) ([]leaderboard.Member, error) {
	r.mu.Lock()
	cached, ok := r.guilds[guildID]
	if ok {
		out := sortedMembers(cached)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	fetched := make(map[string]leaderboard.Member)
	after := ""
	for {
		page, err := r.fetch(ctx, guildID, after)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch members of guild %s: %w", guildID, err)
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			fetched[m.User.ID] = toMember(m)
			after = m.User.ID
		}
		if len(page) < memberPageLimit {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent fetch may have stored the guild first.
	if current, ok := r.guilds[guildID]; ok {
		return sortedMembers(current), nil
	}
	r.guilds[guildID] = fetched
	return sortedMembers(fetched), nil
}

func sortedMembers(m map[string]leaderboard.Member) []leaderboard.Member {
	out := make([]leaderboard.Member, 0, len(m))
	for _, member := range m {
		out = append(out, member)
	}
	slices.SortFunc(out, func(a, b leaderboard.Member) int {
		return models.CompareIDs(a.UserID, b.UserID)
	})
	return out
}

func (r *rosterCache) upsert(guildID string, m *discordgo.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.guilds[guildID]; ok {
		members[m.User.ID] = toMember(m)
	}
}

func (r *rosterCache) remove(guildID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.guilds[guildID]; ok {
		delete(members, userID)
	}
}

func (r *rosterCache) invalidate(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
}

func (r *rosterCache) size(guildID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.guilds[guildID]
	return len(members), ok
}

// Members lists the current members of guildID.
func (b *Bot) Members(ctx context.Context, guildID string) ([]leaderboard.Member, error) {
	members, err := b.roster.members(ctx, guildID)
	if err != nil {
		b.logger.Warn("Failed to fetch guild members", zap.String("guildID", guildID), zap.Error(err))
		return nil, err
	}
	return members, nil
}

// Guild returns the display metadata of guildID from the state cache,
// falling back to the REST API.
func (b *Bot) Guild(ctx context.Context, guildID string) (service.GuildInfo, error) {
	g, err := b.session.State.Guild(guildID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		g, err = b.session.Guild(guildID, discordgo.WithContext(ctx))
	}
	if err != nil {
		return service.GuildInfo{}, fmt.Errorf("failed to look up guild %s: %w", guildID, err)
	}

	info := service.GuildInfo{
		ID:          g.ID,
		Name:        g.Name,
		MemberCount: g.MemberCount,
	}
	if g.Icon != "" {
		info.IconURL = g.IconURL(iconSize)
	}
	if n, ok := b.roster.size(guildID); ok && info.MemberCount == 0 {
		info.MemberCount = n
	}
	return info, nil
}
