package alert

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

// TelegramAlerter pushes signal notifications to a fixed chat. It is an
// optional secondary channel next to email.
type TelegramAlerter struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegramAlerter connects the bot once at startup.
func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramAlerter{
		bot:    bot,
		chatID: chatID,
		logger: log.With().Str("component", "telegram_alerter").Logger(),
	}, nil
}

// Send delivers one signal notification to the configured chat.
func (a *TelegramAlerter) Send(ctx context.Context, sig *models.Signal, inst *models.Instrument, settings *models.Settings) models.DispatchResult {
	res := models.DispatchResult{
		Channel:   "telegram",
		Recipient: "chat",
		Subject:   subjectLine(sig, inst),
	}
	msg := tgbotapi.NewMessage(a.chatID, res.Subject+"\n\n"+FormatSignal(sig, inst))
	if _, err := a.bot.Send(msg); err != nil {
		res.Err = err
		return res
	}
	a.logger.Info().Int64("chat_id", a.chatID).Str("symbol", inst.Symbol).Msg("alert pushed to telegram")
	return res
}
