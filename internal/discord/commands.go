package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"voiceboard/internal/leaderboard"
	"voiceboard/internal/service"
)

const maxTopLimit = 25

var (
	manageChannels = int64(discordgo.PermissionManageChannels)
	administrator  = int64(discordgo.PermissionAdministrator)
	guildOnly      = &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	minTopLimit    = 1.0
)

// Commands are the slash commands the bot answers.
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "leaderboard",
		Description: "🏆 Show the voice chat leaderboard",
		Contexts:    guildOnly,
	},
	{
		Name:        "mytime",
		Description: "⏰ Show your own voice time and rank",
		Contexts:    guildOnly,
	},
	{
		Name:                     "setleaderboard",
		Description:              "⚙️ Post the auto-updating leaderboard in this channel",
		DefaultMemberPermissions: &manageChannels,
		Contexts:                 guildOnly,
	},
	{
		Name:                     "resetleaderboard",
		Description:              "🗑️ Delete all recorded voice time of this server",
		DefaultMemberPermissions: &administrator,
		Contexts:                 guildOnly,
	},
	{
		Name:                     "voicestats",
		Description:              "📈 Show server-wide voice statistics",
		DefaultMemberPermissions: &administrator,
		Contexts:                 guildOnly,
	},
	{
		Name:        "top",
		Description: "🏆 Show the members with the most voice time",
		Contexts:    guildOnly,
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "limit",
			Description: "How many members to show (1-25)",
			MinValue:    &minTopLimit,
			MaxValue:    maxTopLimit,
		}},
	},
	{
		Name:                     "savestatus",
		Description:              "💾 Show the auto-save status",
		DefaultMemberPermissions: &administrator,
		Contexts:                 guildOnly,
	},
	{
		Name:        "web",
		Description: "🌐 Link to the live web leaderboard",
		Contexts:    guildOnly,
	},
	{
		Name:                     "showallmembers",
		Description:              "👥 List every member of this server",
		DefaultMemberPermissions: &administrator,
		Contexts:                 guildOnly,
	},
}

// DeployCommands registers Commands globally, or in guildID when it is set.
// With clear, every registered command is removed instead.
func (b *Bot) DeployCommands(ctx context.Context, guildID string, clear bool) (int, error) {
	appID := b.opts.AppID
	if appID == "" {
		app, err := b.session.Application("@me")
		if err != nil {
			return 0, fmt.Errorf("failed to look up application: %w", err)
		}
		appID = app.ID
	}

	cmds := Commands
	if clear {
		cmds = []*discordgo.ApplicationCommand{}
	}
	created, err := b.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to register commands: %w", err)
	}
	return len(created), nil
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), interactionBudget)
	defer cancel()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, s, i)
	case discordgo.InteractionMessageComponent:
		b.handleButton(ctx, s, i)
	}
}

func (b *Bot) handleCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	logger := b.logger.With(
		zap.String("command", data.Name),
		zap.String("guildID", i.GuildID),
		zap.String("userID", interactionUserID(i)))
	logger.Debug("Command received")

	if i.GuildID == "" {
		b.respond(s, i, true, errorEmbed("This command only works inside a server."))
		return
	}
	if !b.svc.IsReady() {
		b.respond(s, i, true, notReadyEmbed())
		return
	}

	var err error
	switch data.Name {
	case "leaderboard":
		err = b.leaderboardCommand(ctx, s, i)
	case "mytime":
		err = b.myTimeCommand(ctx, s, i)
	case "setleaderboard":
		err = b.setLeaderboardCommand(ctx, s, i)
	case "resetleaderboard":
		err = b.resetLeaderboardCommand(ctx, s, i)
	case "voicestats":
		err = b.voiceStatsCommand(ctx, s, i)
	case "top":
		err = b.topCommand(ctx, s, i, data)
	case "savestatus":
		b.respond(s, i, true, saveStatusEmbed(b.svc.SaveStatus()))
	case "web":
		b.webCommand(s, i)
	case "showallmembers":
		err = b.showAllMembersCommand(ctx, s, i)
	default:
		logger.Warn("Unknown command")
	}
	if err != nil {
		logger.Error("Command failed", zap.Error(err))
	}
}

func (b *Bot) handleButton(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	page, ok := parseButton(i.MessageComponentData().CustomID, i.Message)
	if !ok {
		return
	}
	if !b.svc.IsReady() {
		b.respond(s, i, true, notReadyEmbed())
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		b.logger.Warn("Failed to acknowledge button", zap.Error(err))
		return
	}
	if err := b.showLeaderboard(ctx, s, i, page); err != nil {
		b.logger.Error("Leaderboard button failed",
			zap.String("guildID", i.GuildID),
			zap.Int("page", page),
			zap.Error(err))
	}
}

func (b *Bot) leaderboardCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if err := deferReply(s, i, false); err != nil {
		return err
	}
	return b.showLeaderboard(ctx, s, i, 0)
}

// showLeaderboard replaces a deferred response with page of the leaderboard.
func (b *Bot) showLeaderboard(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, page int) error {
	view, err := b.svc.Leaderboard(ctx, i.GuildID, page)
	if err != nil {
		b.editReply(s, i, failureEmbed(err))
		return err
	}
	embed, components := leaderboardMessage(view, b.clock.Now())
	b.editReply(s, i, embed, components...)
	return nil
}

func (b *Bot) myTimeCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	st, err := b.svc.UserStanding(ctx, i.GuildID, interactionUserID(i))
	if err != nil {
		b.respond(s, i, true, failureEmbed(err))
		return err
	}
	name, avatar := interactionUserDisplay(i)
	b.respond(s, i, true, standingEmbed(name, avatar, st))
	return nil
}

func (b *Bot) setLeaderboardCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if !hasPermission(i, manageChannels) {
		b.respond(s, i, true, errorEmbed("You need the Manage Channels permission to do that."))
		return nil
	}
	if err := deferReply(s, i, true); err != nil {
		return err
	}
	err := b.svc.SetLeaderboardChannel(ctx, i.GuildID, i.ChannelID)
	switch {
	case err == nil:
		b.editReply(s, i, successEmbed("✅ Leaderboard channel set",
			fmt.Sprintf("The leaderboard in <#%s> now updates automatically.", i.ChannelID)))
	case errors.Is(err, service.ErrTargetGone):
		b.editReply(s, i, errorEmbed("I can't post in this channel. Check my permissions and try again."))
		return nil
	default:
		b.editReply(s, i, failureEmbed(err))
	}
	return err
}

func (b *Bot) resetLeaderboardCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if !hasPermission(i, administrator) {
		b.respond(s, i, true, errorEmbed("Only administrators can reset the leaderboard."))
		return nil
	}
	if err := deferReply(s, i, true); err != nil {
		return err
	}
	removed, err := b.svc.ResetLeaderboard(ctx, i.GuildID)
	if err != nil {
		b.editReply(s, i, failureEmbed(err))
		return err
	}
	b.editReply(s, i, successEmbed("🗑️ Leaderboard reset",
		fmt.Sprintf("Removed the voice time of %d members.", removed)))
	return nil
}

func (b *Bot) voiceStatsCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	summary, err := b.svc.Stats(ctx, i.GuildID)
	if err != nil {
		b.respond(s, i, false, failureEmbed(err))
		return err
	}
	guild, err := b.Guild(ctx, i.GuildID)
	if err != nil {
		b.respond(s, i, false, failureEmbed(err))
		return err
	}
	b.respond(s, i, false, statsEmbed(guild, summary))
	return nil
}

func (b *Bot) topCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) error {
	limit := leaderboard.DefaultTopLimit
	if opt := data.GetOption("limit"); opt != nil {
		limit = max(1, min(int(opt.IntValue()), maxTopLimit))
	}
	entries, err := b.svc.Top(ctx, i.GuildID, limit)
	if err != nil {
		b.respond(s, i, false, failureEmbed(err))
		return err
	}
	guild, err := b.Guild(ctx, i.GuildID)
	if err != nil {
		b.respond(s, i, false, failureEmbed(err))
		return err
	}
	b.respond(s, i, false, topEmbed(guild, entries))
	return nil
}

func (b *Bot) webCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if b.opts.PublicURL == "" {
		b.respond(s, i, true, errorEmbed("The web leaderboard is not configured."))
		return
	}
	b.respond(s, i, true,
		successEmbed("🌐 Live leaderboard", "Follow the leaderboard in real time on the web."),
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Open", Style: discordgo.LinkButton, URL: b.opts.PublicURL},
		}})
}

func (b *Bot) showAllMembersCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	members, err := b.Members(ctx, i.GuildID)
	if err != nil {
		b.respond(s, i, true, failureEmbed(err))
		return err
	}
	guild, err := b.Guild(ctx, i.GuildID)
	if err != nil {
		b.respond(s, i, true, failureEmbed(err))
		return err
	}
	b.respond(s, i, true, membersEmbed(guild, members))
	return nil
}

// failureEmbed turns a service error into something a member can read.
func failureEmbed(err error) *discordgo.MessageEmbed {
	switch {
	case errors.Is(err, service.ErrNotReady):
		return notReadyEmbed()
	case errors.Is(err, service.ErrUnknownGuild):
		return errorEmbed("This server has no leaderboard yet.")
	case errors.Is(err, leaderboard.ErrNoRoster):
		return errorEmbed("I couldn't load the member list of this server.")
	default:
		return errorEmbed("Please try again in a moment.")
	}
}

func hasPermission(i *discordgo.InteractionCreate, perm int64) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0 || i.Member.Permissions&perm != 0
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func interactionUserDisplay(i *discordgo.InteractionCreate) (name, avatarURL string) {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.DisplayName(), i.Member.AvatarURL(iconSize)
	}
	if i.User != nil {
		return i.User.DisplayName(), i.User.AvatarURL(iconSize)
	}
	return "Unknown", ""
}

func (b *Bot) respond(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool, embed *discordgo.MessageEmbed, components ...discordgo.MessageComponent) {
	data := &discordgo.InteractionResponseData{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		b.logger.Warn("Failed to respond to interaction",
			zap.String("guildID", i.GuildID),
			zap.String("interactionID", i.ID),
			zap.Error(err))
	}
}

func deferReply(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	if err := s.InteractionRespond(i.Interaction, resp); err != nil {
		return fmt.Errorf("failed to defer reply: %w", err)
	}
	return nil
}

func (b *Bot) editReply(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, components ...discordgo.MessageComponent) {
	embeds := []*discordgo.MessageEmbed{embed}
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds:     &embeds,
		Components: &components,
	})
	if err != nil {
		b.logger.Warn("Failed to edit interaction reply",
			zap.String("guildID", i.GuildID),
			zap.String("interactionID", i.ID),
			zap.Error(err))
	}
}
