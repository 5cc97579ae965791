package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"voiceboard/internal/service"
)

// restCode returns the Discord JSON error code carried by err, or 0.
func restCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code
	}
	return 0
}

// classifyPostError marks errors that mean the leaderboard channel can no
// longer be used.
func classifyPostError(err error) error {
	switch restCode(err) {
	case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeUnknownChannel:
		return fmt.Errorf("%w: %w", service.ErrTargetGone, err)
	default:
		return err
	}
}

// PostLeaderboard edits the leaderboard message in channelID, or posts a new
// one when there is none or it was deleted.
func (b *Bot) PostLeaderboard(ctx context.Context, channelID, messageID string, view service.LeaderboardView) (string, error) {
	if _, err := b.session.State.Channel(channelID); err != nil {
		return "", fmt.Errorf("%w: channel %s is not cached", service.ErrTargetGone, channelID)
	}

	embed, components := leaderboardMessage(view, b.clock.Now())
	embeds := []*discordgo.MessageEmbed{embed}

	if messageID != "" {
		_, err := b.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:         messageID,
			Channel:    channelID,
			Embeds:     &embeds,
			Components: &components,
		}, discordgo.WithContext(ctx))
		if err == nil {
			return messageID, nil
		}
		if restCode(err) != discordgo.ErrCodeUnknownMessage {
			return "", classifyPostError(err)
		}
		b.logger.Info("Leaderboard message was deleted, posting a new one",
			zap.String("guildID", view.Guild.ID),
			zap.String("channelID", channelID),
			zap.String("messageID", messageID))
	}

	msg, err := b.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     embeds,
		Components: components,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classifyPostError(err)
	}
	return msg.ID, nil
}
