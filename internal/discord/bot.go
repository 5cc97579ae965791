// Package discord adapts the Discord gateway to the voice leaderboard service:
// it forwards voice, guild and member events, answers slash commands, and
// renders the auto-posted leaderboard.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"voiceboard/internal/autosave"
	"voiceboard/internal/leaderboard"
	"voiceboard/internal/service"
	"voiceboard/internal/tracker"
)

const (
	avatarSize        = "64"
	iconSize          = "256"
	interactionBudget = 30 * time.Second
)

// Service is the part of the leaderboard service the gateway adapter drives.
type Service interface {
	Ready(guildIDs []string)
	IsReady() bool
	GuildCount() int
	GuildAvailable(guildID string, voiceStates []tracker.PresenceChange)
	GuildRemoved(guildID string)
	PresenceChanged(ev tracker.PresenceChange)
	RosterChanged(guildID string)
	Fail(err error)

	Leaderboard(ctx context.Context, guildID string, page int) (service.LeaderboardView, error)
	UserStanding(ctx context.Context, guildID, userID string) (leaderboard.Standing, error)
	Stats(ctx context.Context, guildID string) (leaderboard.Summary, error)
	Top(ctx context.Context, guildID string, limit int) ([]leaderboard.Entry, error)
	SaveStatus() autosave.SaveStatus
	SetLeaderboardChannel(ctx context.Context, guildID, channelID string) error
	ResetLeaderboard(ctx context.Context, guildID string) (int, error)
}

// Options configures the bot.
type Options struct {
	Token     string
	AppID     string
	PublicURL string
}

// Bot represents the Discord bot. It is also the service's Directory and Poster.
type Bot struct {
	session *discordgo.Session
	opts    Options
	clock   quartz.Clock
	logger  *zap.Logger
	roster  *rosterCache
	svc     Service
}

// New creates a new Discord bot. Bind must be called before Open.
func New(opts Options, clock quartz.Clock, logger *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers
	// Handlers run on the gateway goroutine in arrival order. They only
	// enqueue guild work, except interactions which get their own goroutine.
	session.SyncEvents = true
	session.StateEnabled = true
	session.State.TrackVoice = true
	session.State.TrackChannels = true

	b := &Bot{
		session: session,
		opts:    opts,
		clock:   clock,
		logger:  logger.Named("discord"),
		roster:  newRosterCache(session),
	}
	return b, nil
}

// Bind attaches the service and registers the gateway handlers.
func (b *Bot) Bind(svc Service) {
	b.svc = svc
	b.session.AddHandler(guarded(b, "ready", b.onReady))
	b.session.AddHandler(guarded(b, "guildCreate", b.onGuildCreate))
	b.session.AddHandler(guarded(b, "guildDelete", b.onGuildDelete))
	b.session.AddHandler(guarded(b, "voiceStateUpdate", b.onVoiceStateUpdate))
	b.session.AddHandler(guarded(b, "guildMemberAdd", b.onMemberAdd))
	b.session.AddHandler(guarded(b, "guildMemberUpdate", b.onMemberUpdate))
	b.session.AddHandler(guarded(b, "guildMemberRemove", b.onMemberRemove))
	interaction := guarded(b, "interactionCreate", b.onInteraction)
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		go interaction(s, i)
	})
}

// guarded turns a panic in a gateway handler into a service failure instead
// of crashing the process without a final save.
func guarded[E any](b *Bot, name string, fn func(*discordgo.Session, E)) func(*discordgo.Session, E) {
	return func(s *discordgo.Session, ev E) {
		var pc panics.Catcher
		pc.Try(func() { fn(s, ev) })
		if r := pc.Recovered(); r != nil {
			b.logger.Error("Gateway handler panicked", zap.String("handler", name), zap.Error(r.AsError()))
			b.svc.Fail(fmt.Errorf("%s handler: %w", name, r.AsError()))
		}
	}
}

// Open connects to the gateway, retrying with exponential backoff.
func (b *Bot) Open(ctx context.Context) error {
	if b.svc == nil {
		return fmt.Errorf("discord bot opened before a service was bound")
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute

	err := backoff.RetryNotify(b.session.Open, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		b.logger.Warn("Failed to open Discord connection, retrying",
			zap.Error(err),
			zap.Duration("retryIn", d))
	})
	if err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	b.logger.Info("Bot is running")
	return nil
}

// Close stops the bot.
func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	guildIDs := make([]string, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		guildIDs = append(guildIDs, g.ID)
	}
	b.logger.Info("Logged in",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(guildIDs)))

	b.svc.Ready(guildIDs)
	b.updateStatus(s)
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Unavailable {
		return
	}
	b.roster.invalidate(g.ID)

	voiceStates := make([]tracker.PresenceChange, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		ev := presenceChange(vs, b.lookupMember(s, g.ID, vs))
		ev.GuildID = g.ID
		voiceStates = append(voiceStates, ev)
	}

	b.logger.Debug("Guild available",
		zap.String("guildID", g.ID),
		zap.String("guildName", g.Name),
		zap.Int("inVoice", len(voiceStates)))
	b.svc.GuildAvailable(g.ID, voiceStates)
	b.updateStatus(s)
}

func (b *Bot) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Unavailable {
		b.logger.Warn("Guild became unavailable", zap.String("guildID", g.ID))
		return
	}
	b.roster.invalidate(g.ID)
	b.svc.GuildRemoved(g.ID)
	b.updateStatus(s)
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil || vs.GuildID == "" {
		return
	}
	ev := presenceChange(vs.VoiceState, b.lookupMember(s, vs.GuildID, vs.VoiceState))
	if vs.BeforeUpdate != nil {
		ev.PreviousChannelID = vs.BeforeUpdate.ChannelID
	}
	b.svc.PresenceChanged(ev)
}

func (b *Bot) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	b.roster.upsert(m.GuildID, m.Member)
	b.svc.RosterChanged(m.GuildID)
}

func (b *Bot) onMemberUpdate(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.Member == nil || m.User == nil {
		return
	}
	b.roster.upsert(m.GuildID, m.Member)
}

func (b *Bot) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	b.roster.remove(m.GuildID, m.User.ID)
	b.svc.RosterChanged(m.GuildID)
}

func (b *Bot) updateStatus(s *discordgo.Session) {
	err := s.UpdateStatusComplex(discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{{
			Name: fmt.Sprintf("🎤 Voice Leaderboards | %d servers", b.svc.GuildCount()),
			Type: discordgo.ActivityTypeWatching,
		}},
		Status: string(discordgo.StatusOnline),
	})
	if err != nil {
		b.logger.Debug("Failed to update presence", zap.Error(err))
	}
}

// lookupMember prefers the member attached to the voice state and falls back
// to the state cache.
func (b *Bot) lookupMember(s *discordgo.Session, guildID string, vs *discordgo.VoiceState) *discordgo.Member {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member
	}
	m, err := s.State.Member(guildID, vs.UserID)
	if err != nil {
		return nil
	}
	return m
}

// presenceChange converts a voice state. PreviousChannelID is left for the
// caller to fill.
func presenceChange(vs *discordgo.VoiceState, m *discordgo.Member) tracker.PresenceChange {
	ev := tracker.PresenceChange{
		GuildID:   vs.GuildID,
		UserID:    vs.UserID,
		ChannelID: vs.ChannelID,
	}
	if m != nil && m.User != nil {
		ev.Bot = m.User.Bot
		ev.Username = m.User.Username
		ev.DisplayName = m.DisplayName()
		ev.AvatarURL = m.AvatarURL(avatarSize)
	}
	return ev
}
