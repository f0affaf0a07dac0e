package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/adytum-sh/adytum/internal/config"
)

// telegramMaxLen is Telegram's hard message size limit.
const telegramMaxLen = 4096

// Telegram delivers to a single chat via the Bot API. Send-only: no
// long-polling, no command handling.
type Telegram struct {
	bot    *telego.Bot
	chatID telego.ChatID
}

func NewTelegram(cfg config.TelegramNotifyConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set (ADYTUM_TELEGRAM_TOKEN)")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chatId not set")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: tu.ID(cfg.ChatID)}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, text string) error {
	for _, chunk := range splitForSend(text, telegramMaxLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(t.chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
