package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/adytum-sh/adytum/internal/config"
)

// discordMaxLen is Discord's hard message size limit.
const discordMaxLen = 2000

// Discord delivers to a single channel over the REST API. The gateway
// socket is never opened; send-only needs no intents.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscord(cfg config.DiscordNotifyConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not set (ADYTUM_DISCORD_TOKEN)")
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("discord channelId not set")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: session, channelID: cfg.ChannelID}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(_ context.Context, text string) error {
	for _, chunk := range splitForSend(text, discordMaxLen) {
		if _, err := d.session.ChannelMessageSend(d.channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
