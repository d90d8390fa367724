package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends push notices through the bot API the front-end already uses.
type Telegram struct {
	api *tgbotapi.BotAPI
	log *slog.Logger
}

func NewTelegram(api *tgbotapi.BotAPI, log *slog.Logger) *Telegram {
	return &Telegram{api: api, log: log}
}

func (t *Telegram) TakeReady(ctx context.Context, telegramID, sessionID, takeID int64, watermarked bool) {
	text := fmt.Sprintf("Кадр №%d готов! Откройте сессию, чтобы посмотреть варианты.", takeID)
	if watermarked {
		text += "\nПревью с водяным знаком — полное качество доступно после разблокировки."
	}
	t.send(telegramID, text)
}

func (t *Telegram) TakeFailed(ctx context.Context, telegramID, sessionID, takeID int64) {
	t.send(telegramID, fmt.Sprintf("Не удалось сгенерировать кадр №%d. Попытка не списана — попробуйте ещё раз.", takeID))
}

func (t *Telegram) HDDelivered(ctx context.Context, telegramID, favoriteID int64, hdPath string) {
	t.send(telegramID, fmt.Sprintf("Фото в высоком качестве готово!\n%s", hdPath))
}

func (t *Telegram) HDFailed(ctx context.Context, telegramID, favoriteID int64) {
	t.send(telegramID, "Не получилось подготовить фото в высоком качестве. Кредиты вернутся автоматически.")
}

func (t *Telegram) CompensationIssued(ctx context.Context, telegramID int64, amount int, correlationID string) {
	t.send(telegramID, fmt.Sprintf("Мы вернули %d кредитов за задержку доставки. Код обращения: %s", amount, correlationID))
}

func (t *Telegram) send(telegramID int64, text string) {
	msg := tgbotapi.NewMessage(telegramID, text)
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send notification", "telegram_id", telegramID, "err", err)
	}
}
