package discord

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"voiceboard/internal/autosave"
	"voiceboard/internal/leaderboard"
	"voiceboard/internal/service"
	"voiceboard/pkg/utils"
)

const (
	colorGold    = 0xFFD700
	colorSuccess = 0x10B981
	colorWarning = 0xF59E0B
	colorError   = 0xEF4444

	// Discord rejects embed field values longer than this.
	fieldValueLimit = 1024

	buttonPrefix  = "lb_"
	buttonRefresh = buttonPrefix + "refresh"
)

var footerPage = regexp.MustCompile(`Page (\d+)/\d+`)

// leaderboardMessage renders one page of the leaderboard with its paging buttons.
func leaderboardMessage(view service.LeaderboardView, now time.Time) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	page := view.Page
	embed := &discordgo.MessageEmbed{
		Title:     "🏆 Voice Chat Leaderboard ✨",
		Color:     colorGold,
		Timestamp: now.Format(time.RFC3339),
		Description: strings.Join([]string{
			fmt.Sprintf("💎 **%s**", view.Guild.Name),
			fmt.Sprintf("📊 **Total time:** %s", utils.FormatDurationOf(view.Summary.Total)),
			fmt.Sprintf("🟢 **Online:** %d/%d members", view.Summary.Active, page.Members),
			fmt.Sprintf("🔥 **Page %d/%d**", page.Page+1, page.TotalPages),
			fmt.Sprintf("💾 **Last save:** <t:%d:T>", view.SaveStatus.LastSaveTimestamp/1000),
		}, "\n"),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("🚀 Page %d/%d • Auto-Save: %d pending",
				page.Page+1, page.TotalPages, view.SaveStatus.PendingCommunityCount),
		},
	}
	if view.Guild.IconURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: view.Guild.IconURL}
	}

	if len(page.Entries) == 0 {
		embed.Fields = []*discordgo.MessageEmbedField{{
			Name:  "⏰ No data yet",
			Value: "Nobody has joined a voice channel yet.",
		}}
	} else {
		lines := make([]string, len(page.Entries))
		mentions := make([]string, len(page.Entries))
		for i, e := range page.Entries {
			icon := "🔇"
			if e.InVoice {
				icon = "🔊"
			}
			lines[i] = fmt.Sprintf("%-4s %s %15s", utils.Badge(e.Rank), icon, utils.FormatDurationOf(e.Total))
			mentions[i] = utils.Badge(e.Rank) + " " + utils.FormatUserMention(e.UserID)
		}
		embed.Fields = []*discordgo.MessageEmbedField{
			{
				Name:   "🏆 Rank and time",
				Value:  utils.TruncateString("```md\n"+strings.Join(lines, "\n")+"\n```", fieldValueLimit),
				Inline: true,
			},
			{
				Name:   "👥 Members",
				Value:  utils.TruncateString(strings.Join(mentions, "\n"), fieldValueLimit),
				Inline: true,
			},
		}
	}

	if top := view.Summary.Top; page.Page == 0 && top != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    "👑 Current leader: " + displayName(*top),
			IconURL: top.AvatarURL,
		}
	}

	return embed, pageButtons(page)
}

func pageButtons(page leaderboard.Page) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "◀️ Previous",
				Style:    discordgo.PrimaryButton,
				CustomID: buttonPrefix + strconv.Itoa(page.Page-1),
				Disabled: page.Page <= 0,
			},
			discordgo.Button{
				Label:    "✨ Refresh",
				Style:    discordgo.SuccessButton,
				CustomID: buttonRefresh,
			},
			discordgo.Button{
				Label:    "Next ▶️",
				Style:    discordgo.PrimaryButton,
				CustomID: buttonPrefix + strconv.Itoa(page.Page+1),
				Disabled: page.Page >= page.TotalPages-1,
			},
		}},
	}
}

// parseButton returns the page a leaderboard button asks for. Refresh
// re-reads the page shown in the footer of the message it is attached to.
func parseButton(customID string, msg *discordgo.Message) (int, bool) {
	arg, ok := strings.CutPrefix(customID, buttonPrefix)
	if !ok {
		return 0, false
	}
	if arg == "refresh" {
		return currentPage(msg), true
	}
	page, err := strconv.Atoi(arg)
	if err != nil {
		return 0, false
	}
	return page, true
}

func currentPage(msg *discordgo.Message) int {
	if msg == nil || len(msg.Embeds) == 0 || msg.Embeds[0].Footer == nil {
		return 0
	}
	m := footerPage.FindStringSubmatch(msg.Embeds[0].Footer.Text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}

func displayName(e leaderboard.Entry) string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	if e.Username != "" {
		return e.Username
	}
	return "Unknown"
}

func standingEmbed(name, avatarURL string, st leaderboard.Standing) *discordgo.MessageEmbed {
	rank := "Unranked"
	if st.Rank > 0 {
		rank = fmt.Sprintf("%s of %d", utils.Badge(st.Rank), st.Members)
	}
	status := "🔇 Not in voice"
	if st.InVoice {
		status = "🔊 In voice now"
	}
	return &discordgo.MessageEmbed{
		Title:       "⏰ Your voice time",
		Color:       colorGold,
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: avatarURL},
		Description: fmt.Sprintf("**%s**\n%s", name, status),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📊 Total", Value: utils.FormatDurationOf(st.Total), Inline: true},
			{Name: "🏆 Rank", Value: rank, Inline: true},
			{Name: "📈 Percentile", Value: fmt.Sprintf("%d%%\n%s", st.Percentile, utils.ProgressBar(st.Percentile, 10)), Inline: true},
		},
	}
}

func statsEmbed(guild service.GuildInfo, s leaderboard.Summary) *discordgo.MessageEmbed {
	leader := "Nobody yet"
	topTime := utils.FormatDurationOf(0)
	if s.Top != nil {
		leader = utils.FormatUserMention(s.Top.UserID)
		topTime = utils.FormatDurationOf(s.Top.Total)
	}
	return &discordgo.MessageEmbed{
		Title:       "📈 Server voice statistics",
		Description: fmt.Sprintf("💎 **%s**", guild.Name),
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "👥 Members", Value: strconv.Itoa(s.Members), Inline: true},
			{Name: "🟢 In voice now", Value: strconv.Itoa(s.Active), Inline: true},
			{Name: "📊 Participation", Value: fmt.Sprintf("%d%% (%d with time)", s.Participation, s.WithTime), Inline: true},
			{Name: "⏰ Total time", Value: utils.FormatDurationOf(s.Total), Inline: true},
			{Name: "⚖️ Average", Value: utils.FormatDurationOf(s.Average), Inline: true},
			{Name: "👑 Leader", Value: leader + "\n" + topTime, Inline: true},
		},
	}
}

func topEmbed(guild service.GuildInfo, entries []leaderboard.Entry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🏆 Top %d", len(entries)),
		Description: fmt.Sprintf("💎 **%s**", guild.Name),
		Color:       colorGold,
	}
	if len(entries) == 0 {
		embed.Description += "\nNobody has recorded any voice time yet."
		return embed
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = utils.FormatLeaderboardEntry(e.Rank, displayName(e), utils.FormatDurationOf(e.Total), e.InVoice)
	}
	embed.Fields = []*discordgo.MessageEmbedField{{
		Name:  "⭐ Ranking",
		Value: utils.TruncateString(strings.Join(lines, "\n"), fieldValueLimit),
	}}
	return embed
}

func saveStatusEmbed(st autosave.SaveStatus) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "💾 Save status",
		Description: "💎 **Auto-Save** ✨",
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "⏰ Last save", Value: fmt.Sprintf("<t:%d:T>", st.LastSaveTimestamp/1000), Inline: true},
			{Name: "📝 Pending", Value: fmt.Sprintf("%d servers", st.PendingCommunityCount), Inline: true},
			{Name: "🚀 Next save in", Value: utils.FormatDuration(st.NextSaveEtaMs), Inline: true},
		},
	}
}

func membersEmbed(guild service.GuildInfo, members []leaderboard.Member) *discordgo.MessageEmbed {
	var humans, bots []string
	for _, m := range members {
		name := m.DisplayName
		if name == "" {
			name = m.Username
		}
		if m.Bot {
			bots = append(bots, "🚀 "+name)
		} else {
			humans = append(humans, "⭐ "+name)
		}
	}
	return &discordgo.MessageEmbed{
		Title:       "💎 All members",
		Description: fmt.Sprintf("**%s** ✨", guild.Name),
		Color:       colorGold,
		Fields: []*discordgo.MessageEmbedField{
			{Name: fmt.Sprintf("👥 Members (%d)", len(humans)), Value: listOrNone(humans, 20, "No members")},
			{Name: fmt.Sprintf("🤖 Bots (%d)", len(bots)), Value: listOrNone(bots, 10, "No bots")},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("📊 %d members in total", len(members))},
	}
}

func listOrNone(items []string, limit int, none string) string {
	if len(items) == 0 {
		return none
	}
	if len(items) <= limit {
		return utils.TruncateString(strings.Join(items, "\n"), fieldValueLimit)
	}
	out := strings.Join(items[:limit], "\n") + fmt.Sprintf("\n... and %d more", len(items)-limit)
	return utils.TruncateString(out, fieldValueLimit)
}

func notReadyEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "⏰ Starting up",
		Description: "The bot is still loading. Please try again in a moment.",
		Color:       colorWarning,
	}
}

func errorEmbed(msg string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "❌ Something went wrong",
		Description: msg,
		Color:       colorError,
	}
}

func successEmbed(title, msg string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: msg,
		Color:       colorSuccess,
	}
}
